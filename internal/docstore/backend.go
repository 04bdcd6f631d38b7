package docstore

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spaceya/propsync/internal/fsutil"
)

// StateBackend persists documents. SaveFields receives the whole document
// after a merge along with the names of the fields that changed, so backends
// that store fields separately only write what changed.
type StateBackend interface {
	Load() ([]Document, error)
	SaveFields(doc Document, changed []string) error
}

type stateBackendCloser interface {
	Close() error
}

type persistedState struct {
	Documents []Document `json:"documents"`
}

type InMemoryStateBackend struct {
	mu   sync.Mutex
	docs map[Key]Document
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{docs: map[Key]Document{}}
}

func (b *InMemoryStateBackend) Load() ([]Document, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedDocuments(b.docs), nil
}

func (b *InMemoryStateBackend) SaveFields(doc Document, changed []string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.docs[doc.Key()]
	if !ok {
		stored = Document{Collection: doc.Collection, ID: doc.ID, Fields: map[string]Field{}}
	}
	stored = stored.Clone()
	for _, name := range changed {
		stored.Fields[name] = doc.Fields[name]
	}
	stored.Revision = doc.Revision
	b.docs[doc.Key()] = stored.Clone()
	return nil
}

// JSONFileStateBackend keeps every document in one JSON file that is
// rewritten atomically on each save.
type JSONFileStateBackend struct {
	Path string

	mu     sync.Mutex
	loaded bool
	docs   map[Key]Document
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() ([]Document, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return sortedDocuments(b.docs), nil
}

func (b *JSONFileStateBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	b.docs = map[Key]Document{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, doc := range snapshot.Documents {
		if doc.Fields == nil {
			doc.Fields = map[string]Field{}
		}
		b.docs[doc.Key()] = doc
	}
	b.loaded = true
	return nil
}

func (b *JSONFileStateBackend) SaveFields(doc Document, changed []string) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	next := make(map[Key]Document, len(b.docs)+1)
	for key, stored := range b.docs {
		next[key] = stored
	}
	next[doc.Key()] = doc.Clone()
	data, err := json.Marshal(persistedState{Documents: sortedDocuments(next)})
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(b.Path, data, 0o644); err != nil {
		return err
	}
	b.docs = next
	return nil
}

func sortedDocuments(docs map[Key]Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ID < out[j].ID
	})
	return out
}
