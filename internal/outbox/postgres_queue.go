package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "propsync_outbox"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 100 * time.Millisecond
)

type sqlOpenFunc func(driverName, dataSourceName string) (*sql.DB, error)

// PostgresQueue keeps items in one table shared by every process using the
// same queue key.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc
	now          func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn, queueKey string, capacity int) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     strings.TrimSpace(queueKey),
		capacity:     capacity,
		pollInterval: postgresPollInterval,
		openDB:       sql.Open,
		now:          time.Now,
	}, nil
}

func (q *PostgresQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				item_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (queue_key, item_id)
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_seq_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) Enqueue(ctx context.Context, item Item) (Item, error) {
	item, err := prepareItem(item, q.now())
	if err != nil {
		return Item{}, err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	if err := q.ensureReady(); err != nil {
		return Item{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return Item{}, err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return Item{}, err
	}
	if depth >= q.capacity {
		return Item{}, ErrQueueFull
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, item_id, payload, created_at) VALUES ($1, $2, $3, NOW())",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, item.ID, string(payload)); err != nil {
		return Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return Item{}, err
	}
	committed = true
	return item, nil
}

func (q *PostgresQueue) Peek(ctx context.Context) (Item, bool) {
	for {
		item, ok := q.tryPeek(ctx)
		if ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// tryPeek reads the oldest item that no other transaction is holding.
func (q *PostgresQueue) tryPeek(ctx context.Context) (Item, bool) {
	if err := q.ensureReady(); err != nil {
		return Item{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, false
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		SELECT payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var payload string
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&payload); err != nil {
		return Item{}, false
	}
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return Item{}, false
	}
	return item, true
}

func (q *PostgresQueue) Ack(id string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND item_id = $2", postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, deleteQuery, q.queueKey, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Nack(id string, cause error) (Item, error) {
	if err := q.ensureReady(); err != nil {
		return Item{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 AND item_id = $2 FOR UPDATE",
		postgresQuoteIdentifier(q.tableName),
	)
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, q.queueKey, strings.TrimSpace(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return Item{}, err
	}
	item.Attempts++
	item.LastError = errorText(cause)
	updated, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET payload = $3 WHERE queue_key = $1 AND item_id = $2",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := tx.ExecContext(ctx, updateQuery, q.queueKey, item.ID, string(updated)); err != nil {
		return Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return Item{}, err
	}
	committed = true
	return item, nil
}

func (q *PostgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Items() []Item {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
