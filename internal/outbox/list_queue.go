package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spaceya/propsync/internal/fsutil"
)

// listQueue keeps items in memory. When persist is set every mutation is
// written through it and rolled back if the write fails.
type listQueue struct {
	capacity     int
	pollInterval time.Duration
	persist      func([]Item) error
	onClose      func() error
	now          func() time.Time

	mu     sync.Mutex
	items  []Item
	closed bool
	wake   chan struct{}
}

func newListQueue(capacity int, persist func([]Item) error) *listQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &listQueue{
		capacity:     capacity,
		pollInterval: 50 * time.Millisecond,
		persist:      persist,
		now:          time.Now,
		items:        []Item{},
		wake:         make(chan struct{}, 1),
	}
}

// NewInMemoryQueue returns a queue that does not survive a restart.
func NewInMemoryQueue(capacity int) Queue {
	return newListQueue(capacity, nil)
}

func (q *listQueue) saveLocked(next []Item) error {
	if q.persist != nil {
		if err := q.persist(next); err != nil {
			return err
		}
	}
	q.items = next
	return nil
}

func (q *listQueue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	item, err := prepareItem(item, q.now())
	if err != nil {
		return Item{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item{}, ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return Item{}, ErrQueueFull
	}
	next := append(append(make([]Item, 0, len(q.items)+1), q.items...), item)
	if err := q.saveLocked(next); err != nil {
		return Item{}, err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item, nil
}

func (q *listQueue) Peek(ctx context.Context) (Item, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		if !waitForPoll(ctx, q.wake, q.pollInterval) {
			return Item{}, false
		}
	}
}

func (q *listQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	next := make([]Item, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)
	return q.saveLocked(next)
}

func (q *listQueue) Nack(id string, cause error) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Item{}, ErrNotFound
	}
	next := append([]Item(nil), q.items...)
	next[idx].Attempts++
	next[idx].LastError = errorText(cause)
	if err := q.saveLocked(next); err != nil {
		return Item{}, err
	}
	return next[idx], nil
}

func (q *listQueue) indexLocked(id string) int {
	id = strings.TrimSpace(id)
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *listQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *listQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *listQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.onClose != nil {
		return q.onClose()
	}
	return nil
}

type fileQueueState struct {
	Items []Item `json:"items"`
}

// NewFileQueue returns a queue persisted as JSON at path. Items already in
// the file are loaded; when there are more than capacity the oldest are
// discarded. The queue holds an exclusive lock on path+".lock" until Close,
// and opening a queue another process holds fails with ErrQueueLocked.
func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := fsutil.TryLock(path + ".lock")
	if errors.Is(err, fsutil.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrQueueLocked, path)
	}
	if err != nil {
		return nil, err
	}
	q, err := loadFileQueue(path, capacity)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	q.onClose = lock.Unlock
	return q, nil
}

func loadFileQueue(path string, capacity int) (*listQueue, error) {
	persist := func(items []Item) error {
		data, err := json.Marshal(fileQueueState{Items: items})
		if err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(path, data, 0o644)
	}
	q := newListQueue(capacity, persist)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if len(state.Items) > q.capacity {
		trimmed := append([]Item(nil), state.Items[len(state.Items)-q.capacity:]...)
		if err := q.saveLocked(trimmed); err != nil {
			return nil, err
		}
		return q, nil
	}
	q.items = append([]Item{}, state.Items...)
	return q, nil
}
