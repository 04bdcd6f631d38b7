// Package statesync keeps the local cache and the remote document in step.
// Writes land in the local cache synchronously and travel to the remote
// store in the background; remote changes are written back into the cache.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/displayid"
	"github.com/spaceya/propsync/internal/outbox"
	"github.com/spaceya/propsync/internal/remote"
)

const (
	defaultRemoteTimeout = 10 * time.Second
	defaultMaxAttempts   = 8
	flushPollInterval    = 20 * time.Millisecond
)

var (
	// ErrLocalPersistence wraps failures to read or write the local cache.
	ErrLocalPersistence = errors.New("local persistence failed")
	// ErrRemoteWrite wraps the reason a write never reached the remote store.
	ErrRemoteWrite = errors.New("remote write failed")
	ErrClosed      = errors.New("sync engine closed")
)

// Cache is the device-local copy of the document.
type Cache interface {
	Read() (appstate.AppState, error)
	Write(state appstate.AppState) error
}

type Options struct {
	Cache  Cache
	Remote remote.Store
	// Outbox makes remote writes durable and retried. Without one each
	// write is attempted once.
	Outbox      outbox.Queue
	IDs         *displayid.Generator
	Logger      zerolog.Logger
	Metrics     *Metrics
	Backoff     outbox.Backoff
	MaxAttempts int
	// RemoteTimeout bounds a single remote upsert.
	RemoteTimeout time.Duration
	// DetectConflicts makes every write conditional on the field revisions
	// last seen from the remote store.
	DetectConflicts bool
}

type Engine struct {
	cache           Cache
	remote          remote.Store
	outbox          outbox.Queue
	ids             *displayid.Generator
	logger          zerolog.Logger
	metrics         *Metrics
	backoff         outbox.Backoff
	maxAttempts     int
	remoteTimeout   time.Duration
	detectConflicts bool

	// writeMu orders local writes and guards read-modify-write sequences.
	writeMu   sync.Mutex
	revisions *revisionTracker

	unackedMu sync.Mutex
	unacked   []unackedWrite
	waiters   map[string]*PendingWrite

	inflight atomic.Int64
	kick     chan struct{}
	// lastSend is closed once the previous write sent without the outbox
	// has finished. Guarded by writeMu.
	lastSend chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// unackedWrite is a local write the remote store has not confirmed yet.
type unackedWrite struct {
	id    string
	patch appstate.Patch
}

func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	ids := opts.IDs
	if ids == nil {
		ids = displayid.New()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	remoteTimeout := opts.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = defaultRemoteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cache:           opts.Cache,
		remote:          opts.Remote,
		outbox:          opts.Outbox,
		ids:             ids,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		backoff:         opts.Backoff,
		maxAttempts:     maxAttempts,
		remoteTimeout:   remoteTimeout,
		detectConflicts: opts.DetectConflicts,
		revisions:       newRevisionTracker(),
		waiters:         map[string]*PendingWrite{},
		kick:            make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	if e.outbox != nil {
		for _, item := range e.outbox.Items() {
			e.trackUnacked(item.ID, appstate.Patch(item.Fields))
		}
		e.metrics.setOutboxDepth(e.outbox.Depth())
		e.wg.Add(1)
		go e.runOutbox()
	}
	return e, nil
}

// Read returns the locally cached document. It never touches the network.
func (e *Engine) Read() (appstate.AppState, error) {
	state, err := e.cache.Read()
	if err != nil {
		return appstate.AppState{}, fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	return state, nil
}

// Write stores the whole document locally and sends every field to the
// remote store.
func (e *Engine) Write(state appstate.AppState) (*PendingWrite, error) {
	return e.WriteFields(state)
}

// WriteFields stores the whole document locally and sends only the named
// top-level fields to the remote store. With no names every field is sent.
// A returned error means the local cache was not updated.
func (e *Engine) WriteFields(state appstate.AppState, fields ...string) (*PendingWrite, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.writeLocked(state, fields...)
}

func (e *Engine) writeLocked(state appstate.AppState, fields ...string) (*PendingWrite, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	snapshot := appstate.Clone(state)
	patch, err := appstate.FieldsOf(snapshot, fields...)
	if errors.Is(err, appstate.ErrUnknownField) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	if err := e.cache.Write(snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	return e.dispatch(patch), nil
}

// SaveUser inserts or replaces a user by id. A new user gets a fresh
// display id; an existing user keeps the display id it already has,
// whatever the caller passed.
func (e *Engine) SaveUser(user appstate.User) (*PendingWrite, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	state, err := e.cache.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if idx := state.FindUser(user.ID); idx >= 0 {
		existing := state.Users[idx].DisplayID
		if existing == "" {
			existing, err = e.ids.Generate(user.Role, displayid.ExistingSet(state.Users))
			if err != nil {
				return nil, fmt.Errorf("generate display id: %w", err)
			}
		}
		user.DisplayID = existing
		state.Users[idx] = user
	} else {
		displayID, err := e.ids.Generate(user.Role, displayid.ExistingSet(state.Users))
		if err != nil {
			return nil, fmt.Errorf("generate display id: %w", err)
		}
		user.DisplayID = displayID
		state.Users = append([]appstate.User{user}, state.Users...)
	}
	if state.CurrentUser != nil && state.CurrentUser.ID == user.ID {
		current := user
		state.CurrentUser = &current
	}
	return e.writeLocked(state)
}

// dispatch hands a patch to the outbox, or sends it once when there is no
// outbox or the outbox refuses it.
func (e *Engine) dispatch(patch appstate.Patch) *PendingWrite {
	mutation := remote.Mutation{Fields: patch}
	if e.detectConflicts {
		mutation.BaseRevisions = e.revisions.base(patch.Names())
	}

	pending := newPendingWrite(uuid.NewString(), patch.Names())
	e.trackUnacked(pending.id, patch)

	if e.outbox != nil {
		// The worker may deliver the item before Enqueue returns, so the
		// waiter is registered first.
		e.unackedMu.Lock()
		e.waiters[pending.id] = pending
		e.unackedMu.Unlock()
		pending.inFlight()
		ctx, cancel := context.WithTimeout(e.ctx, e.remoteTimeout)
		_, err := e.outbox.Enqueue(ctx, outbox.Item{
			ID:            pending.id,
			Fields:        patch,
			BaseRevisions: mutation.BaseRevisions,
		})
		cancel()
		if err == nil {
			e.metrics.setOutboxDepth(e.outbox.Depth())
			return pending
		}
		e.unackedMu.Lock()
		delete(e.waiters, pending.id)
		e.unackedMu.Unlock()
		e.logger.Warn().Err(err).Msg("outbox refused write; sending it once")
	}

	// Sends without the outbox go out one at a time in write order.
	prev := e.lastSend
	done := make(chan struct{})
	e.lastSend = done
	e.inflight.Add(1)
	e.wg.Add(1)
	pending.inFlight()
	go func() {
		defer e.wg.Done()
		defer e.inflight.Add(-1)
		defer close(done)
		if prev != nil {
			<-prev
		}
		mutation.BaseRevisions = e.revisions.rebase(mutation.BaseRevisions)
		ack, err := e.upsert(mutation)
		e.untrackUnacked(pending.id)
		if err != nil {
			e.metrics.observeWrite(writeFailed)
			e.logger.Warn().Err(err).Strs("fields", pending.fields).Msg("remote write failed")
			e.refreshAfterConflict(err)
			pending.resolve(remote.Ack{}, fmt.Errorf("%w: %w", ErrRemoteWrite, err))
			return
		}
		e.metrics.observeWrite(writeAcked)
		e.revisions.acked(patch.Names(), ack)
		pending.resolve(ack, nil)
	}()
	return pending
}

func (e *Engine) upsert(mutation remote.Mutation) (remote.Ack, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.remoteTimeout)
	defer cancel()
	return e.remote.Upsert(ctx, mutation)
}

// refreshAfterConflict rewrites the local cache from the remote document
// once a write was rejected as stale, so the rejected value does not linger
// locally. Writes still awaiting acknowledgement are laid back on top.
func (e *Engine) refreshAfterConflict(cause error) {
	if !errors.Is(cause, remote.ErrConflict) || e.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.remoteTimeout)
	defer cancel()
	snap, err := e.remote.Fetch(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("refetch remote document after conflict")
		return
	}
	if !snap.Exists {
		return
	}
	e.revisions.snapshot(snap)
	if _, err := e.applyRemote(snap); err != nil {
		e.logger.Warn().Err(err).Msg("apply remote document after conflict")
	}
}

func (e *Engine) trackUnacked(id string, patch appstate.Patch) {
	e.unackedMu.Lock()
	defer e.unackedMu.Unlock()
	e.unacked = append(e.unacked, unackedWrite{id: id, patch: patch.Clone()})
}

func (e *Engine) untrackUnacked(id string) {
	e.unackedMu.Lock()
	defer e.unackedMu.Unlock()
	for i, w := range e.unacked {
		if w.id == id {
			e.unacked = append(e.unacked[:i], e.unacked[i+1:]...)
			return
		}
	}
}

// overlayUnacked reapplies local writes the remote store has not confirmed
// on top of a remote snapshot, oldest first.
func (e *Engine) overlayUnacked(state appstate.AppState) (appstate.AppState, error) {
	e.unackedMu.Lock()
	writes := append([]unackedWrite(nil), e.unacked...)
	e.unackedMu.Unlock()
	for _, w := range writes {
		next, err := appstate.Apply(state, w.patch)
		if err != nil {
			return appstate.AppState{}, err
		}
		state = next
	}
	return state, nil
}

// Flush nudges the outbox worker to retry now and waits until every write
// has been acknowledged or given up on, or ctx ends.
func (e *Engine) Flush(ctx context.Context) error {
	select {
	case e.kick <- struct{}{}:
	default:
	}
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		if e.settled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) settled() bool {
	if e.inflight.Load() > 0 {
		return false
	}
	return e.outbox == nil || e.outbox.Depth() == 0
}

// Pending returns the number of writes not yet acknowledged remotely.
func (e *Engine) Pending() int {
	e.unackedMu.Lock()
	defer e.unackedMu.Unlock()
	return len(e.unacked)
}

// Close stops background delivery. Writes still in the outbox stay there
// for the next engine; their pending handles fail with ErrClosed. The
// cache, remote store and outbox are left open.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	first := e.closed.CompareAndSwap(false, true)
	e.writeMu.Unlock()
	if !first {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.unackedMu.Lock()
	waiters := e.waiters
	e.waiters = map[string]*PendingWrite{}
	e.unackedMu.Unlock()
	for _, pending := range waiters {
		pending.resolve(remote.Ack{}, ErrClosed)
	}
	return nil
}
