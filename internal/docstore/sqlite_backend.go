package docstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStateBackend stores one row per document field in a local SQLite
// database file.
type SQLiteStateBackend struct {
	path   string
	openDB sqlOpenFunc

	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{path: path, openDB: sql.Open}, nil
}

func (b *SQLiteStateBackend) Path() string {
	return b.path
}

func (b *SQLiteStateBackend) Load() ([]Document, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.Query(`SELECT collection, doc_id, field, value, revision, updated_at FROM document_fields ORDER BY collection, doc_id, field`)
	if err != nil {
		return nil, fmt.Errorf("select document fields: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFieldRows(rows)
}

func (b *SQLiteStateBackend) SaveFields(doc Document, changed []string) (retErr error) {
	if len(changed) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, name := range changed {
		field, ok := doc.Fields[name]
		if !ok {
			retErr = fmt.Errorf("%w: field %q missing from document", ErrInvalidInput, name)
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO document_fields(collection,doc_id,field,value,revision,updated_at) VALUES(?,?,?,?,?,?)
			ON CONFLICT(collection,doc_id,field) DO UPDATE SET value=excluded.value, revision=excluded.revision, updated_at=excluded.updated_at`,
			doc.Collection, doc.ID, name, string(field.Value), field.Revision, field.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", name, err)
			return retErr
		}
	}
	return tx.Commit()
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			b.initErr = fmt.Errorf("create dirs: %w", err)
			return
		}
		db, err := b.openDB("sqlite", b.path)
		if err != nil {
			b.initErr = fmt.Errorf("open sqlite: %w", err)
			return
		}
		// One connection keeps writers from tripping over SQLite's file lock.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS document_fields (
			collection TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			revision INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, doc_id, field)
		)`); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create document_fields table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}
