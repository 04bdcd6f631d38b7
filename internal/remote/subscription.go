package remote

import (
	"context"
	"sync"
)

const subscriptionBuffer = 16

// Subscription is a cancellable stream of document snapshots. The first
// snapshot is the document's value when the subscription started. Once the
// stream ends, Changes is closed and Err explains why.
type Subscription struct {
	changes chan Snapshot
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// pumpFunc delivers snapshots through emit until ctx ends or the transport
// fails.
type pumpFunc func(ctx context.Context, emit func(Snapshot) error) error

func newSubscription(parent context.Context, pump pumpFunc) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		changes: make(chan Snapshot, subscriptionBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	emit := func(snap Snapshot) error {
		select {
		case s.changes <- snap:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		err := pump(ctx, emit)
		s.finish(err)
	}()
	return s
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.err = ErrSubscriptionClosed
	case err == nil:
		s.err = ErrStreamEnded
	default:
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
	close(s.changes)
	close(s.done)
}

func (s *Subscription) Changes() <-chan Snapshot {
	return s.changes
}

// Done is closed after the stream has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next blocks until the next snapshot arrives, the stream ends or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	select {
	case snap, ok := <-s.changes:
		if !ok {
			return Snapshot{}, s.Err()
		}
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Err is nil while the stream is live. After Close it is
// ErrSubscriptionClosed; after a transport failure it is that failure.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for it to wind down.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}
