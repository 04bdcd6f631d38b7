package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spaceya/propsync/internal/config"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/httpapi"
)

func TestStorageProfileDefaults(t *testing.T) {
	cases := []struct {
		profile string
		want    string
	}{
		{profile: "", want: ""},
		{profile: "custom", want: ""},
		{profile: "memory", want: "memory://"},
		{profile: "Durable-Local", want: "sqlite://" + filepath.Join("data", "documents.db")},
	}
	for _, tc := range cases {
		got, err := storageProfileDefaults(tc.profile, "data")
		if err != nil {
			t.Fatalf("profile %q: %v", tc.profile, err)
		}
		if got != tc.want {
			t.Fatalf("profile %q: expected %q, got %q", tc.profile, tc.want, got)
		}
	}
}

func TestStorageProfileProductionNeedsPostgresDSN(t *testing.T) {
	t.Setenv("PROPSYNC_POSTGRES_DSN", "")
	if _, err := storageProfileDefaults("production", ""); err == nil {
		t.Fatalf("expected an error without PROPSYNC_POSTGRES_DSN")
	}
	t.Setenv("PROPSYNC_POSTGRES_DSN", "postgres://db/propsync")
	got, err := storageProfileDefaults("prod", "")
	if err != nil {
		t.Fatalf("production profile: %v", err)
	}
	if got != "postgres://db/propsync" {
		t.Fatalf("expected postgres dsn, got %q", got)
	}
}

func TestStorageProfileRejectsUnknown(t *testing.T) {
	if _, err := storageProfileDefaults("cloud-magic", ""); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestTokenCommandIssuesAcceptedToken(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "absent.toml")
	var out bytes.Buffer
	err := run(context.Background(), []string{"token", "--config", configPath, "--sub", "device-1", "--jwt-secret", "s3cret", "--scopes", "documents:read"}, &out)
	if err != nil {
		t.Fatalf("token command: %v", err)
	}
	token := strings.TrimSpace(out.String())

	server := httpapi.NewServerWithConfig(docstore.NewStore(), httpapi.ServerConfig{JWTSecret: "s3cret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/collections/prop_lifecycle/documents/app_state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected the token to authorize a read (404 for a missing document), got %d (%s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPatch, "/v1/collections/prop_lifecycle/documents/app_state", strings.NewReader(`{"fields":{"theme":"light"}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected a read-only token to be refused a write, got %d", rec.Code)
	}
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "absent.toml")
	if err := run(context.Background(), []string{"token", "--config", configPath}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected an error without --sub")
	}
}

func TestBuildStoreLoadsDurableBackend(t *testing.T) {
	dsn := "file://" + filepath.Join(t.TempDir(), "documents.json")
	store, err := buildStore(serverConfig(dsn), nopLogger(), nil)
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	if _, err := store.Merge(docstore.MergeRequest{
		Collection: "prop_lifecycle",
		ID:         "app_state",
		Fields:     map[string]json.RawMessage{"theme": json.RawMessage(`"light"`)},
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := buildStore(serverConfig(dsn), nopLogger(), nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	doc, err := reopened.Get("prop_lifecycle", "app_state")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(doc.Fields["theme"].Value) != `"light"` {
		t.Fatalf("expected persisted theme, got %s", doc.Fields["theme"].Value)
	}
}

func TestBuildStoreValidatesAppState(t *testing.T) {
	store, err := buildStore(serverConfig("memory://"), nopLogger(), nil)
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	defer store.Close()
	_, err = store.Merge(docstore.MergeRequest{
		Collection: "prop_lifecycle",
		ID:         "app_state",
		Fields:     map[string]json.RawMessage{"theme": json.RawMessage(`"sepia"`)},
	})
	if err == nil {
		t.Fatalf("expected schema validation to reject the merge")
	}
}

func TestRunShutsDownWhenContextEnds(t *testing.T) {
	t.Setenv("PROPSYNC_ADDR", "")
	configPath := filepath.Join(t.TempDir(), "absent.toml")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--config", configPath, "--addr", "127.0.0.1:0", "--backend", "memory://", "--log-level", "error"}, &bytes.Buffer{})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func serverConfig(backend string) config.ServerConfig {
	return config.ServerConfig{Backend: backend}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
