package statesync

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/outbox"
	"github.com/spaceya/propsync/internal/remote"
)

// runOutbox delivers outbox items in order. A failing head item blocks the
// ones behind it until it is delivered or dead-lettered, so a later write
// to a field never lands before an earlier one.
func (e *Engine) runOutbox() {
	defer e.wg.Done()
	for {
		item, ok := e.outbox.Peek(e.ctx)
		if !ok {
			return
		}
		mutation := remote.Mutation{
			Fields:        appstate.Patch(item.Fields),
			BaseRevisions: e.revisions.rebase(item.BaseRevisions),
		}
		ack, err := e.upsert(mutation)
		if e.ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			e.revisions.acked(appstate.Patch(item.Fields).Names(), ack)
			e.finishItem(item, ack, nil)
			e.metrics.observeWrite(writeAcked)
		case permanent(err):
			e.deadLetter(item, err)
		default:
			updated, nackErr := e.outbox.Nack(item.ID, err)
			if nackErr != nil {
				e.logger.Error().Err(nackErr).Str("item", item.ID).Msg("record outbox attempt failed")
				updated = item
				updated.Attempts++
			}
			if updated.Attempts >= e.maxAttempts {
				e.deadLetter(updated, err)
				continue
			}
			e.metrics.observeWrite(writeRetried)
			delay := e.backoff.Delay(updated.Attempts)
			e.logger.Warn().
				Err(err).
				Str("item", item.ID).
				Int("attempt", updated.Attempts).
				Dur("retry_in", delay).
				Msg("remote write failed; will retry")
			if !e.sleep(delay) {
				return
			}
		}
	}
}

func (e *Engine) deadLetter(item outbox.Item, cause error) {
	e.logger.Error().
		Err(cause).
		Str("item", item.ID).
		Int("attempts", item.Attempts).
		Strs("fields", appstate.Patch(item.Fields).Names()).
		Msg("dead-lettered remote write")
	e.metrics.observeWrite(writeDeadLettered)
	e.removeItem(item)
	e.refreshAfterConflict(cause)
	e.resolveItem(item, remote.Ack{}, fmt.Errorf("%w: %w", ErrRemoteWrite, cause))
}

func (e *Engine) finishItem(item outbox.Item, ack remote.Ack, err error) {
	e.removeItem(item)
	e.resolveItem(item, ack, err)
}

// removeItem drops a delivered or dead-lettered item from the outbox and
// from the writes laid over remote snapshots.
func (e *Engine) removeItem(item outbox.Item) {
	if ackErr := e.outbox.Ack(item.ID); ackErr != nil && !errors.Is(ackErr, outbox.ErrNotFound) {
		e.logger.Error().Err(ackErr).Str("item", item.ID).Msg("remove outbox item failed")
	}
	e.untrackUnacked(item.ID)
	e.metrics.setOutboxDepth(e.outbox.Depth())
}

func (e *Engine) resolveItem(item outbox.Item, ack remote.Ack, err error) {
	e.unackedMu.Lock()
	pending := e.waiters[item.ID]
	delete(e.waiters, item.ID)
	e.unackedMu.Unlock()
	if pending != nil {
		pending.resolve(ack, err)
	}
}

// sleep waits for delay, returning early when Flush asks for a retry. It
// reports false once the engine is closing.
func (e *Engine) sleep(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-e.kick:
		return true
	case <-timer.C:
		return true
	}
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	if errors.Is(err, remote.ErrConflict) ||
		errors.Is(err, remote.ErrPreconditionUnsupported) ||
		errors.Is(err, docstore.ErrInvalidInput) {
		return true
	}
	var httpErr *remote.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
			httpErr.StatusCode != http.StatusTooManyRequests &&
			httpErr.StatusCode != http.StatusRequestTimeout
	}
	return false
}
