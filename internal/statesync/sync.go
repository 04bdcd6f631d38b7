package statesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/remote"
)

// SyncHandle is a running remote subscription started by StartSync.
type SyncHandle struct {
	sub  *remote.Subscription
	done chan struct{}
}

// Stop ends the subscription and waits for the sync loop to return.
func (h *SyncHandle) Stop() {
	_ = h.sub.Close()
	<-h.done
}

// Done is closed once the sync loop has returned, after Stop or after the
// subscription failed.
func (h *SyncHandle) Done() <-chan struct{} {
	return h.done
}

// Err reports why the subscription ended. It is remote.ErrSubscriptionClosed
// after Stop.
func (h *SyncHandle) Err() error {
	return h.sub.Err()
}

// StartSync subscribes to the remote document. Each remote snapshot is
// written into the local cache, with writes the remote store has not yet
// confirmed laid back on top, and then passed to onRemoteUpdate. When the
// remote document does not exist it is seeded from the local cache.
// Subscription failures end the sync and are passed to onError; the caller
// starts a new sync to recover.
func (e *Engine) StartSync(
	ctx context.Context,
	onRemoteUpdate func(appstate.AppState),
	onError func(error),
) (*SyncHandle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := e.remote.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to remote document: %w", err)
	}
	if onRemoteUpdate == nil {
		onRemoteUpdate = func(appstate.AppState) {}
	}
	report := func(err error) {
		e.metrics.syncError()
		e.logger.Error().Err(err).Msg("sync error")
		if onError != nil {
			onError(err)
		}
	}

	h := &SyncHandle{sub: sub, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for snap := range sub.Changes() {
			e.revisions.snapshot(snap)
			if !snap.Exists {
				if err := e.seed(); err != nil {
					report(err)
				}
				continue
			}
			state, err := e.applyRemote(snap)
			if err != nil {
				report(err)
				continue
			}
			e.metrics.remoteUpdate()
			onRemoteUpdate(state)
		}
		if err := sub.Err(); err != nil && !errors.Is(err, remote.ErrSubscriptionClosed) {
			report(err)
		}
	}()
	return h, nil
}

// seed pushes the whole local document to a remote store that has none.
func (e *Engine) seed() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	state, err := e.cache.Read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	patch, err := appstate.FieldsOf(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	e.logger.Info().Msg("remote document missing; seeding it from the local cache")
	e.dispatch(patch)
	return nil
}

func (e *Engine) applyRemote(snap remote.Snapshot) (appstate.AppState, error) {
	state, err := snap.State()
	if err != nil {
		return appstate.AppState{}, fmt.Errorf("decode remote document: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	merged, err := e.overlayUnacked(state)
	if err != nil {
		return appstate.AppState{}, fmt.Errorf("apply unacknowledged writes: %w", err)
	}
	if err := e.cache.Write(merged); err != nil {
		return appstate.AppState{}, fmt.Errorf("%w: %v", ErrLocalPersistence, err)
	}
	return merged, nil
}
