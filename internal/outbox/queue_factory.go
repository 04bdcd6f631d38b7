package outbox

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type QueueFactory func(dsn string, capacity int) (Queue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]QueueFactory
}{
	factories: map[string]QueueFactory{},
}

// RegisterQueueFactory makes BuildQueueFromDSN hand DSNs with the given
// scheme to factory. Registered schemes take precedence over the built-in
// ones.
func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildQueueFromDSN selects a queue by DSN scheme. An empty DSN yields a
// nil queue, which disables the outbox.
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		queueKey := parsed.Query().Get("queue")
		if queueKey != "" {
			query := parsed.Query()
			query.Del("queue")
			parsed.RawQuery = query.Encode()
			dsn = parsed.String()
		}
		q, pgErr := NewPostgresQueue(dsn, queueKey, capacity)
		if pgErr != nil {
			return nil, pgErr
		}
		return q, nil
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: outbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	host := strings.TrimSpace(parsed.Host)
	switch {
	case host != "" && path != "":
		path = host + path
	case path == "":
		path = host
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
