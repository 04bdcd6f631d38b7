package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("propsync_fields_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	assertRoundTrip(t, backend)
}

func TestPostgresIntegrationStoreReload(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("propsync_store_it")
	open := func() *Store {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		backend.(*PostgresStateBackend).tableName = table
		store, err := NewStoreWithOptions(StoreOptions{Backend: backend})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	}
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, table) })

	store := open()
	if _, err := store.Merge(MergeRequest{Collection: "c", ID: "d", Fields: fields("theme", `"dark"`, "users", `[]`)}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if _, err := store.Merge(MergeRequest{Collection: "c", ID: "d", Fields: fields("theme", `"light"`)}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	_ = store.Close()

	reopened := open()
	defer reopened.Close()
	doc, err := reopened.Get("c", "d")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if doc.Revision != 2 || string(doc.Fields["theme"].Value) != `"light"` {
		t.Fatalf("unexpected document after reopen: %+v", doc)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PROPSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PROPSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
