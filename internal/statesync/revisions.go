package statesync

import (
	"maps"
	"sync"

	"github.com/spaceya/propsync/internal/remote"
)

// revisionTracker remembers the field revisions last seen from the remote
// store, and which of them this engine produced itself.
type revisionTracker struct {
	mu       sync.Mutex
	observed map[string]int64
	own      map[string]int64
}

func newRevisionTracker() *revisionTracker {
	return &revisionTracker{observed: map[string]int64{}, own: map[string]int64{}}
}

func (t *revisionTracker) base(fields []string) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(fields))
	for _, name := range fields {
		out[name] = t.observed[name]
	}
	return out
}

func (t *revisionTracker) snapshot(snap remote.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !snap.Exists {
		t.observed = map[string]int64{}
		return
	}
	for name, rev := range snap.Revisions {
		if rev > t.observed[name] {
			t.observed[name] = rev
		}
	}
}

func (t *revisionTracker) acked(fields []string, ack remote.Ack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, rev := range ack.Revisions {
		if rev > t.observed[name] {
			t.observed[name] = rev
		}
	}
	for _, name := range fields {
		if rev, ok := ack.Revisions[name]; ok {
			t.own[name] = rev
		}
	}
}

// rebase moves a queued write's base revisions past revisions this engine
// wrote after the write was queued. Revisions written by anyone else are
// kept, so the write still conflicts with them.
func (t *revisionTracker) rebase(base map[string]int64) map[string]int64 {
	if len(base) == 0 {
		return base
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := maps.Clone(base)
	for name, rev := range base {
		latest := t.observed[name]
		if latest > rev && t.own[name] == latest {
			out[name] = latest
		}
	}
	return out
}
