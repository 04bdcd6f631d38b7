// Package remote is the client side of the shared app state document. A
// Store reads the document, merge-writes fields into it and streams changes
// made by any writer.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaceya/propsync/internal/appstate"
)

// Default address of the shared document.
const (
	DefaultCollection = "prop_lifecycle"
	DefaultDocumentID = "app_state"
)

var (
	ErrConflict                = errors.New("revision conflict")
	ErrSubscriptionClosed      = errors.New("subscription closed")
	ErrStreamEnded             = errors.New("remote change stream ended")
	ErrPreconditionUnsupported = errors.New("remote store does not support revision preconditions")
)

// Store is implemented by every remote backend.
type Store interface {
	// Fetch reads the current document. A missing document is reported
	// with Exists=false and a nil error.
	Fetch(ctx context.Context) (Snapshot, error)
	// Upsert writes the fields in m and leaves every other field alone.
	Upsert(ctx context.Context, m Mutation) (Ack, error)
	// Subscribe streams the document, starting with its current value.
	Subscribe(ctx context.Context) (*Subscription, error)
	Close() error
}

// Snapshot is the document as seen at one revision.
type Snapshot struct {
	Exists    bool
	Revision  int64
	Fields    appstate.Patch
	Revisions map[string]int64
}

// State decodes the snapshot into a full document, backfilling fields the
// remote copy lacks.
func (s Snapshot) State() (appstate.AppState, error) {
	if !s.Exists {
		return appstate.Initial(), nil
	}
	state, _, err := appstate.DecodePatch(s.Fields)
	return state, err
}

// Mutation is a merge-write. BaseRevisions, when set, makes the write
// conditional: every listed field must still be at the given revision.
type Mutation struct {
	Fields        appstate.Patch
	BaseRevisions map[string]int64
}

type Ack struct {
	Revision  int64
	Revisions map[string]int64
}

type ConflictError struct {
	Field            string
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.Field, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
