package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/spaceya/propsync/internal/appstate"
)

type fakeSurreal struct {
	mu            sync.Mutex
	record        map[string]any
	notifications chan connection.Notification
	killed        []string
	merges        []map[string]any
}

func newFakeSurreal() *fakeSurreal {
	return &fakeSurreal{notifications: make(chan connection.Notification, 8)}
}

func (f *fakeSurreal) selectRecord(_ context.Context, table, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record == nil {
		return nil, false, nil
	}
	out := map[string]any{"id": models.RecordID{Table: table, ID: id}}
	for k, v := range f.record {
		out[k] = v
	}
	return out, true, nil
}

func (f *fakeSurreal) mergeRecord(_ context.Context, _, _ string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record == nil {
		f.record = map[string]any{}
	}
	for k, v := range data {
		f.record[k] = v
	}
	f.merges = append(f.merges, data)
	return nil
}

func (f *fakeSurreal) live(context.Context, string) (string, <-chan connection.Notification, error) {
	return "live-1", f.notifications, nil
}

func (f *fakeSurreal) kill(_ context.Context, liveID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, liveID)
	return nil
}

func (f *fakeSurreal) close(context.Context) error { return nil }

func (f *fakeSurreal) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func TestSurrealStoreFetchAndUpsert(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSurreal()
	store := newSurrealStore(fake, SurrealConfig{})

	snap, err := store.Fetch(ctx)
	if err != nil || snap.Exists {
		t.Fatalf("expected missing record, got %+v err=%v", snap, err)
	}

	if _, err := store.Upsert(ctx, Mutation{Fields: appstate.Patch{
		appstate.FieldTheme:   json.RawMessage(`"light"`),
		appstate.FieldTickets: json.RawMessage(`[{"id":"T1"}]`),
	}}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if got := fake.merges[0][appstate.FieldTheme]; got != "light" {
		t.Fatalf("expected decoded value in merge, got %#v", got)
	}

	snap, err = store.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !snap.Exists {
		t.Fatalf("expected record to exist")
	}
	if _, ok := snap.Fields["id"]; ok {
		t.Fatalf("record id must not surface as a field")
	}
	state, err := snap.State()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Theme != appstate.ThemeLight || len(state.Tickets) != 1 || state.Tickets[0].ID != "T1" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestSurrealStoreRejectsConditionalWrites(t *testing.T) {
	store := newSurrealStore(newFakeSurreal(), SurrealConfig{})
	_, err := store.Upsert(context.Background(), Mutation{
		Fields:        appstate.Patch{appstate.FieldTheme: json.RawMessage(`"dark"`)},
		BaseRevisions: map[string]int64{appstate.FieldTheme: 1},
	})
	if !errors.Is(err, ErrPreconditionUnsupported) {
		t.Fatalf("expected precondition unsupported, got %v", err)
	}
}

func TestSurrealStoreSubscribeFiltersByRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fake := newFakeSurreal()
	store := newSurrealStore(fake, SurrealConfig{})

	sub, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	first, err := sub.Next(ctx)
	if err != nil || first.Exists {
		t.Fatalf("expected initial missing snapshot, got %+v err=%v", first, err)
	}

	fake.notifications <- connection.Notification{
		Action: connection.UpdateAction,
		Result: map[string]any{"id": models.RecordID{Table: DefaultCollection, ID: "someone_else"}},
	}
	_ = fake.mergeRecord(ctx, DefaultCollection, DefaultDocumentID, map[string]any{appstate.FieldTheme: "light"})
	fake.notifications <- connection.Notification{
		Action: connection.UpdateAction,
		Result: map[string]any{"id": models.RecordID{Table: DefaultCollection, ID: DefaultDocumentID}},
	}

	next, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("change snapshot: %v", err)
	}
	if !next.Exists || string(next.Fields[appstate.FieldTheme]) != `"light"` {
		t.Fatalf("unexpected snapshot: %+v", next)
	}

	fake.notifications <- connection.Notification{
		Action: connection.DeleteAction,
		Result: map[string]any{"id": &models.RecordID{Table: DefaultCollection, ID: DefaultDocumentID}},
	}
	deleted, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if deleted.Exists {
		t.Fatalf("expected delete to emit a missing snapshot")
	}

	_ = sub.Close()
	<-sub.Done()
	if fake.killCount() != 1 {
		t.Fatalf("expected live query to be killed once, got %d", fake.killCount())
	}
}
