package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/spaceya/propsync/internal/appstate"
)

type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	// Table and RecordID address the document; they default to
	// prop_lifecycle:app_state.
	Table    string
	RecordID string
	Logger   zerolog.Logger
}

// surrealBackend is the slice of SurrealDB the store needs.
type surrealBackend interface {
	selectRecord(ctx context.Context, table, id string) (map[string]any, bool, error)
	mergeRecord(ctx context.Context, table, id string, data map[string]any) error
	live(ctx context.Context, table string) (string, <-chan connection.Notification, error)
	kill(ctx context.Context, liveID string) error
	close(ctx context.Context) error
}

// SurrealStore keeps the document as one SurrealDB record whose top-level
// keys are the document fields. SurrealDB has no per-field revisions, so
// snapshots carry none and conditional writes are refused.
type SurrealStore struct {
	db     surrealBackend
	table  string
	id     string
	logger zerolog.Logger
}

func NewSurrealStore(ctx context.Context, cfg SurrealConfig) (*SurrealStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("surrealdb url required")
	}
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surrealdb sign in: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surrealdb use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	return newSurrealStore(&surrealDB{db: db}, cfg), nil
}

func newSurrealStore(db surrealBackend, cfg SurrealConfig) *SurrealStore {
	table := cfg.Table
	if table == "" {
		table = DefaultCollection
	}
	id := cfg.RecordID
	if id == "" {
		id = DefaultDocumentID
	}
	return &SurrealStore{db: db, table: table, id: id, logger: cfg.Logger}
}

func (s *SurrealStore) Fetch(ctx context.Context) (Snapshot, error) {
	record, ok, err := s.db.selectRecord(ctx, s.table, s.id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("select %s:%s: %w", s.table, s.id, err)
	}
	if !ok {
		return Snapshot{}, nil
	}
	fields := appstate.Patch{}
	for name, value := range record {
		if name == "id" {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode field %s: %w", name, err)
		}
		fields[name] = raw
	}
	return Snapshot{Exists: true, Fields: fields, Revisions: map[string]int64{}}, nil
}

func (s *SurrealStore) Upsert(ctx context.Context, m Mutation) (Ack, error) {
	if len(m.BaseRevisions) > 0 {
		return Ack{}, ErrPreconditionUnsupported
	}
	data := make(map[string]any, len(m.Fields))
	for name, raw := range m.Fields {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return Ack{}, fmt.Errorf("decode field %s: %w", name, err)
		}
		data[name] = value
	}
	if err := s.db.mergeRecord(ctx, s.table, s.id, data); err != nil {
		return Ack{}, fmt.Errorf("upsert %s:%s: %w", s.table, s.id, err)
	}
	return Ack{Revisions: map[string]int64{}}, nil
}

// Subscribe starts a live query on the table and re-reads the record each
// time a notification for it arrives.
func (s *SurrealStore) Subscribe(ctx context.Context) (*Subscription, error) {
	liveID, notifications, err := s.db.live(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("live query on %s: %w", s.table, err)
	}
	initial, err := s.Fetch(ctx)
	if err != nil {
		_ = s.db.kill(context.WithoutCancel(ctx), liveID)
		return nil, err
	}
	return newSubscription(ctx, func(ctx context.Context, emit func(Snapshot) error) error {
		defer func() {
			if err := s.db.kill(context.WithoutCancel(ctx), liveID); err != nil {
				s.logger.Debug().Err(err).Str("live_id", liveID).Msg("kill live query failed")
			}
		}()
		if err := emit(initial); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case n, ok := <-notifications:
				if !ok {
					return nil
				}
				if !s.concerns(n) {
					continue
				}
				if n.Action == connection.DeleteAction {
					if err := emit(Snapshot{}); err != nil {
						return err
					}
					continue
				}
				snap, err := s.Fetch(ctx)
				if err != nil {
					return err
				}
				if err := emit(snap); err != nil {
					return err
				}
			}
		}
	}), nil
}

// concerns reports whether a table notification is about this record.
// Notifications whose record id cannot be read are assumed to be.
func (s *SurrealStore) concerns(n connection.Notification) bool {
	record, ok := n.Result.(map[string]any)
	if !ok {
		return true
	}
	var rid *models.RecordID
	switch v := record["id"].(type) {
	case models.RecordID:
		rid = &v
	case *models.RecordID:
		rid = v
	default:
		return true
	}
	if rid == nil {
		return true
	}
	return rid.Table == s.table && fmt.Sprint(rid.ID) == s.id
}

func (s *SurrealStore) Close() error {
	return s.db.close(context.Background())
}

type surrealDB struct {
	db *surrealdb.DB
}

func (d *surrealDB) selectRecord(ctx context.Context, table, id string) (map[string]any, bool, error) {
	result, err := surrealdb.Query[[]map[string]any](ctx, d.db, "SELECT * FROM type::thing($tb, $id)", map[string]any{
		"tb": table,
		"id": id,
	})
	if err != nil {
		return nil, false, err
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return nil, false, nil
	}
	return (*result)[0].Result[0], true, nil
}

func (d *surrealDB) mergeRecord(ctx context.Context, table, id string, data map[string]any) error {
	_, err := surrealdb.Query[any](ctx, d.db, "UPSERT type::thing($tb, $id) MERGE $data", map[string]any{
		"tb":   table,
		"id":   id,
		"data": data,
	})
	return err
}

func (d *surrealDB) live(ctx context.Context, table string) (string, <-chan connection.Notification, error) {
	liveID, err := surrealdb.Live(ctx, d.db, models.Table(table), false)
	if err != nil {
		return "", nil, err
	}
	ch, err := d.db.LiveNotifications(liveID.String())
	if err != nil {
		_ = surrealdb.Kill(ctx, d.db, liveID.String())
		return "", nil, err
	}
	return liveID.String(), ch, nil
}

func (d *surrealDB) kill(ctx context.Context, liveID string) error {
	return surrealdb.Kill(ctx, d.db, liveID)
}

func (d *surrealDB) close(ctx context.Context) error {
	return d.db.Close(ctx)
}
