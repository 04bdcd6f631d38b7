// Package outbox holds remote writes that have been committed locally but not
// yet acknowledged by the remote store. Items leave the queue in enqueue
// order and only once they are acknowledged, so delivery is at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 1024

var (
	ErrInvalidInput   = errors.New("invalid outbox input")
	ErrNotFound       = errors.New("outbox item not found")
	ErrQueueFull      = errors.New("outbox is full")
	ErrQueueClosed    = errors.New("outbox is closed")
	ErrNotImplemented = errors.New("outbox backend not implemented")
	ErrQueueLocked    = errors.New("outbox is in use by another process")
)

// Item is one pending merge-write.
type Item struct {
	ID            string                     `json:"id"`
	Fields        map[string]json.RawMessage `json:"fields"`
	BaseRevisions map[string]int64           `json:"baseRevisions,omitempty"`
	Attempts      int                        `json:"attempts"`
	LastError     string                     `json:"lastError,omitempty"`
	EnqueuedAt    time.Time                  `json:"enqueuedAt"`
}

// Queue is implemented by every outbox backend.
type Queue interface {
	// Enqueue appends an item. An empty ID is filled in.
	Enqueue(ctx context.Context, item Item) (Item, error)
	// Peek blocks until the head item is available or ctx ends. The item
	// stays queued until it is acknowledged.
	Peek(ctx context.Context) (Item, bool)
	Ack(id string) error
	// Nack records a failed delivery attempt on an item and returns it.
	Nack(id string, cause error) (Item, error)
	Depth() int
	Items() []Item
	Close() error
}

func prepareItem(item Item, now time.Time) (Item, error) {
	if len(item.Fields) == 0 {
		return Item{}, ErrInvalidInput
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now.UTC()
	}
	return item, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func waitForPoll(ctx context.Context, wake <-chan struct{}, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
