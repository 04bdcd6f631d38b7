package statesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/localcache"
	"github.com/spaceya/propsync/internal/outbox"
	"github.com/spaceya/propsync/internal/remote"
)

// updates collects remote updates delivered to a StartSync callback.
type updates struct {
	ch   chan appstate.AppState
	errs chan error
}

func newUpdates() *updates {
	return &updates{ch: make(chan appstate.AppState, 32), errs: make(chan error, 8)}
}

func (u *updates) onUpdate(state appstate.AppState) { u.ch <- state }
func (u *updates) onError(err error)               { u.errs <- err }

// until returns the first update that satisfies match.
func (u *updates) until(t *testing.T, match func(appstate.AppState) bool) appstate.AppState {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case state := <-u.ch:
			if match(state) {
				return state
			}
		case err := <-u.errs:
			t.Fatalf("unexpected sync error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for remote update")
		}
	}
}

func seedDocument(t *testing.T, docs *docstore.Store, state appstate.AppState) {
	t.Helper()
	patch, err := appstate.FieldsOf(state)
	require.NoError(t, err)
	_, err = docs.Merge(docstore.MergeRequest{
		Collection: remote.DefaultCollection,
		ID:         remote.DefaultDocumentID,
		Fields:     patch,
	})
	require.NoError(t, err)
}

func hasTicket(id string) func(appstate.AppState) bool {
	return func(s appstate.AppState) bool {
		for _, ticket := range s.Tickets {
			if ticket.ID == id {
				return true
			}
		}
		return false
	}
}

func TestStartSyncSeedsMissingRemoteDocument(t *testing.T) {
	docs := docstore.NewStore()
	cache := localcache.NewMemory()
	local := appstate.Initial()
	local.Theme = appstate.ThemeLight
	require.NoError(t, cache.Write(local))

	engine := newEngine(t, Options{Cache: cache, Remote: remote.NewDirect(docs)})
	got := newUpdates()
	handle, err := engine.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)
	defer handle.Stop()

	state := got.until(t, func(s appstate.AppState) bool { return s.Theme == appstate.ThemeLight })
	assert.Equal(t, appstate.ThemeLight, state.Theme)

	doc, err := docs.Get(remote.DefaultCollection, remote.DefaultDocumentID)
	require.NoError(t, err)
	assert.Len(t, doc.Fields, len(appstate.Fields()))
	assert.Equal(t, `"light"`, string(doc.Fields[appstate.FieldTheme].Value))
}

func TestStartSyncAppliesChangesFromAnotherClient(t *testing.T) {
	docs := docstore.NewStore()
	base := appstate.Initial()
	base.Tickets = []appstate.MaintenanceTicket{{ID: "T1"}}
	seedDocument(t, docs, base)

	writer := newEngine(t, Options{Remote: remote.NewDirect(docs)})
	readerCache := localcache.NewMemory()
	reader := newEngine(t, Options{Cache: readerCache, Remote: remote.NewDirect(docs)})

	got := newUpdates()
	handle, err := reader.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)
	defer handle.Stop()
	got.until(t, hasTicket("T1"))

	next := appstate.Clone(base)
	next.Tickets = append(next.Tickets, appstate.MaintenanceTicket{ID: "T2"})
	pending, err := writer.WriteFields(next, appstate.FieldTickets)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)

	got.until(t, hasTicket("T2"))
	cached, err := reader.Read()
	require.NoError(t, err)
	assert.True(t, hasTicket("T2")(cached), "remote update is written to the local cache")
}

func TestRemoteSnapshotKeepsUnacknowledgedLocalWrites(t *testing.T) {
	docs := docstore.NewStore()
	seedDocument(t, docs, appstate.Initial())
	gated := &gatedRemote{Store: remote.NewDirect(docs), gate: make(chan struct{})}
	engine := newEngine(t, Options{Remote: gated})

	got := newUpdates()
	handle, err := engine.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)
	defer handle.Stop()
	got.until(t, func(appstate.AppState) bool { return true })

	local, err := engine.Read()
	require.NoError(t, err)
	local.Theme = appstate.ThemeLight
	pending, err := engine.WriteFields(local, appstate.FieldTheme)
	require.NoError(t, err)

	other := appstate.Initial()
	other.Tickets = []appstate.MaintenanceTicket{{ID: "T9"}}
	patch, err := appstate.FieldsOf(other, appstate.FieldTickets)
	require.NoError(t, err)
	_, err = docs.Merge(docstore.MergeRequest{Collection: remote.DefaultCollection, ID: remote.DefaultDocumentID, Fields: patch})
	require.NoError(t, err)

	state := got.until(t, hasTicket("T9"))
	assert.Equal(t, appstate.ThemeLight, state.Theme, "pending local write survives the remote snapshot")
	cached, err := engine.Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.ThemeLight, cached.Theme)

	close(gated.gate)
	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)
	got.until(t, func(s appstate.AppState) bool { return s.Theme == appstate.ThemeLight && hasTicket("T9")(s) })
}

func TestDetectConflictsRejectsStaleWrite(t *testing.T) {
	docs := docstore.NewStore()
	base := appstate.Initial()
	base.Tickets = []appstate.MaintenanceTicket{{ID: "T1"}}
	seedDocument(t, docs, base)

	clientX := newEngine(t, Options{Remote: remote.NewDirect(docs), DetectConflicts: true})
	clientY := newEngine(t, Options{Remote: remote.NewDirect(docs), DetectConflicts: true})
	for _, client := range []*Engine{clientX, clientY} {
		got := newUpdates()
		handle, err := client.StartSync(context.Background(), got.onUpdate, got.onError)
		require.NoError(t, err)
		got.until(t, hasTicket("T1"))
		handle.Stop()
	}

	xState := appstate.Clone(base)
	xState.Tickets = append(xState.Tickets, appstate.MaintenanceTicket{ID: "T2"})
	pending, err := clientX.WriteFields(xState, appstate.FieldTickets)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)

	yState := appstate.Clone(base)
	yState.Tickets = append(yState.Tickets, appstate.MaintenanceTicket{ID: "T3"})
	pending, err = clientY.WriteFields(yState, appstate.FieldTickets)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrRemoteWrite)
	var conflict *remote.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, appstate.FieldTickets, conflict.Field)

	snap, err := remote.NewDirect(docs).Fetch(waitCtx(t))
	require.NoError(t, err)
	remoteState, err := snap.State()
	require.NoError(t, err)
	assert.True(t, hasTicket("T2")(remoteState), "the earlier write is not overwritten")
	assert.False(t, hasTicket("T3")(remoteState))

	local, err := clientY.Read()
	require.NoError(t, err)
	assert.True(t, hasTicket("T2")(local), "the rejected client picks up the remote value")
	assert.False(t, hasTicket("T3")(local), "the rejected write does not linger locally")
}

func TestConflictThroughOutboxRestoresRemoteValue(t *testing.T) {
	docs := docstore.NewStore()
	base := appstate.Initial()
	base.Tickets = []appstate.MaintenanceTicket{{ID: "T1"}}
	seedDocument(t, docs, base)

	engine := newEngine(t, Options{
		Remote:          remote.NewDirect(docs),
		Outbox:          outbox.NewInMemoryQueue(8),
		Backoff:         fastBackoff(),
		DetectConflicts: true,
	})
	got := newUpdates()
	handle, err := engine.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)
	got.until(t, hasTicket("T1"))
	handle.Stop()

	other := appstate.Clone(base)
	other.Tickets = append(other.Tickets, appstate.MaintenanceTicket{ID: "OTHER"})
	seedDocument(t, docs, other)

	mine := appstate.Clone(base)
	mine.Tickets = append(mine.Tickets, appstate.MaintenanceTicket{ID: "MINE"})
	mine.Theme = appstate.ThemeLight
	pending, err := engine.WriteFields(mine, appstate.FieldTickets)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.ErrorIs(t, err, remote.ErrConflict)

	local, err := engine.Read()
	require.NoError(t, err)
	assert.True(t, hasTicket("OTHER")(local))
	assert.False(t, hasTicket("MINE")(local))
	assert.Equal(t, 0, engine.Pending())
}

func TestSyncErrorIsReportedAndEndsTheSync(t *testing.T) {
	docs := docstore.NewStore()
	engine := newEngine(t, Options{Remote: remote.NewDirect(docs)})
	got := newUpdates()
	handle, err := engine.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)

	require.NoError(t, docs.Close())
	select {
	case <-handle.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("sync did not end after the remote store closed")
	}
	assert.ErrorIs(t, handle.Err(), docstore.ErrStoreClosed)

	var reported error
	for reported == nil {
		select {
		case err := <-got.errs:
			if errors.Is(err, docstore.ErrStoreClosed) {
				reported = err
			}
		case <-time.After(waitTimeout):
			t.Fatalf("subscription error was not reported")
		}
	}
}

func TestStopDoesNotReportAnError(t *testing.T) {
	engine := newEngine(t, Options{Remote: remote.NewDirect(docstore.NewStore())})
	got := newUpdates()
	handle, err := engine.StartSync(context.Background(), got.onUpdate, got.onError)
	require.NoError(t, err)
	handle.Stop()
	assert.ErrorIs(t, handle.Err(), remote.ErrSubscriptionClosed)
	select {
	case err := <-got.errs:
		t.Fatalf("unexpected error after stop: %v", err)
	default:
	}
}
