package statesync

import (
	"context"
	"sync"

	"github.com/spaceya/propsync/internal/remote"
)

// Phase is where a write is on its way to the remote store.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLocalWritten
	PhaseRemoteInFlight
	PhaseRemoteAcked
	PhaseRemoteFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLocalWritten:
		return "local_written"
	case PhaseRemoteInFlight:
		return "remote_in_flight"
	case PhaseRemoteAcked:
		return "remote_acked"
	case PhaseRemoteFailed:
		return "remote_failed"
	default:
		return "unknown"
	}
}

// PendingWrite reports the remote outcome of a write whose local part has
// already succeeded. Callers may ignore it.
type PendingWrite struct {
	id     string
	fields []string

	mu    sync.Mutex
	phase Phase
	ack   remote.Ack
	err   error
	done  chan struct{}
}

func newPendingWrite(id string, fields []string) *PendingWrite {
	return &PendingWrite{
		id:     id,
		fields: fields,
		phase:  PhaseLocalWritten,
		done:   make(chan struct{}),
	}
}

// ID is the write's outbox item id, or a local id when there is no outbox.
func (p *PendingWrite) ID() string {
	return p.id
}

func (p *PendingWrite) Fields() []string {
	return append([]string(nil), p.fields...)
}

func (p *PendingWrite) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *PendingWrite) Done() <-chan struct{} {
	return p.done
}

// Err is nil until the write has failed remotely.
func (p *PendingWrite) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the remote outcome is known or ctx ends.
func (p *PendingWrite) Wait(ctx context.Context) (remote.Ack, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.ack, p.err
	case <-ctx.Done():
		return remote.Ack{}, ctx.Err()
	}
}

func (p *PendingWrite) inFlight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseLocalWritten {
		p.phase = PhaseRemoteInFlight
	}
}

func (p *PendingWrite) resolve(ack remote.Ack, err error) {
	p.mu.Lock()
	if p.phase == PhaseRemoteAcked || p.phase == PhaseRemoteFailed {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.phase = PhaseRemoteFailed
		p.err = err
	} else {
		p.phase = PhaseRemoteAcked
		p.ack = ack
	}
	p.mu.Unlock()
	close(p.done)
}
