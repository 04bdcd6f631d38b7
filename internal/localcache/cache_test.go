package localcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceya/propsync/internal/appstate"
)

func TestFileReadReturnsInitialWhenAbsent(t *testing.T) {
	cache := NewFile(t.TempDir(), Options{})
	state, err := cache.Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.Initial(), state)
}

func TestFileWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	cache := NewFile(dir, Options{})
	assert.Equal(t, filepath.Join(dir, "prop_lifecycle_data.json"), cache.Path())

	state := appstate.Initial()
	state.Theme = appstate.ThemeLight
	state.Users = []appstate.User{{ID: "u1", DisplayID: "TNT-ABCDEF", Role: appstate.RoleTenant}}
	require.NoError(t, cache.Write(state))

	got, err := cache.Read()
	require.NoError(t, err)
	assert.Equal(t, state, got)

	reopened := NewFile(dir, Options{})
	got, err = reopened.Read()
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestFileReadBackfillsOlderDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, StorageKey+".json")
	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"light","users":[{"id":"u1","role":"agent"}]}`), 0o600))

	state, err := NewFile(dir, Options{}).Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.DefaultSettings(), state.Settings)
	assert.NotNil(t, state.FormTemplates)
	assert.Equal(t, appstate.ThemeLight, state.Theme)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "u1", state.Users[0].ID)
}

func TestFileReadReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StorageKey+".json"), []byte(`{"theme":`), 0o600))
	_, err := NewFile(dir, Options{}).Read()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileWriteFailureKeepsPreviousDocument(t *testing.T) {
	dir := t.TempDir()
	cache := NewFile(dir, Options{})
	require.NoError(t, cache.Write(appstate.Initial()))

	blocked := OpenPath(filepath.Join(cache.Path(), "child.json"), Options{})
	require.Error(t, blocked.Write(appstate.Initial()))

	state, err := cache.Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.Initial(), state)
}

func TestWatchReportsOnlyExternalWrites(t *testing.T) {
	dir := t.TempDir()
	ours := NewFile(dir, Options{})
	theirs := NewFile(dir, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := ours.Watch(ctx)
	require.NoError(t, err)

	mine := appstate.Initial()
	mine.Theme = appstate.ThemeLight
	require.NoError(t, ours.Write(mine))
	time.Sleep(3 * watchDebounce)

	external := appstate.Initial()
	external.Users = []appstate.User{{ID: "remote-user", Role: appstate.RoleAdmin}}
	require.NoError(t, theirs.Write(external))

	select {
	case got := <-changes:
		require.Len(t, got.Users, 1)
		assert.Equal(t, "remote-user", got.Users[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for external change")
	}

	cancel()
	for range changes {
	}
}

func TestMemoryCache(t *testing.T) {
	m := NewMemory()
	state, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.Initial(), state)

	state.Tickets = []appstate.MaintenanceTicket{{ID: "t1", Status: appstate.TicketOpen}}
	require.NoError(t, m.Write(state))
	state.Tickets[0].ID = "mutated"

	got, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Tickets[0].ID)

	m.Seed([]byte(`{"users":[]}`))
	got, err = m.Read()
	require.NoError(t, err)
	assert.Equal(t, appstate.DefaultSettings(), got.Settings)
}
