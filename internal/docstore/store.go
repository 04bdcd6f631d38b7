// Package docstore holds the documents served by the propsync document
// server. A document is a set of top-level JSON fields, each stored with its
// own revision, so concurrent writers that touch different fields never
// overwrite each other.
package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrSubscriberLagged = errors.New("subscriber lagged behind and was dropped")
	ErrStoreClosed      = errors.New("store closed")
	ErrNotImplemented   = errors.New("not implemented")
)

const defaultSubscriberBuffer = 64

type ConflictError struct {
	Field            string
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.Field, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

type Field struct {
	Value     json.RawMessage `json:"value"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Document struct {
	Collection string           `json:"collection"`
	ID         string           `json:"id"`
	Revision   int64            `json:"revision"`
	Fields     map[string]Field `json:"fields"`
}

func (d Document) Key() Key {
	return Key{Collection: d.Collection, ID: d.ID}
}

// Values returns the field values keyed by name.
func (d Document) Values() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.Fields))
	for name, f := range d.Fields {
		out[name] = slices.Clone(f.Value)
	}
	return out
}

// Revisions returns the per-field revisions keyed by name.
func (d Document) Revisions() map[string]int64 {
	out := make(map[string]int64, len(d.Fields))
	for name, f := range d.Fields {
		out[name] = f.Revision
	}
	return out
}

func (d Document) Clone() Document {
	out := d
	out.Fields = make(map[string]Field, len(d.Fields))
	for name, f := range d.Fields {
		f.Value = slices.Clone(f.Value)
		out.Fields[name] = f
	}
	return out
}

type MergeRequest struct {
	Collection    string
	ID            string
	Fields        map[string]json.RawMessage
	BaseRevisions map[string]int64
	CorrelationID string
}

type MergeResult struct {
	Revision  int64
	Revisions map[string]int64
	// Changed lists the fields whose stored value actually changed.
	Changed []string
}

// Change is delivered to subscribers after every merge that changed at
// least one field.
type Change struct {
	Document      Document
	Changed       []string
	CorrelationID string
}

// ValidateFunc inspects the fields of a merge before anything is stored.
type ValidateFunc func(collection string, fields map[string]json.RawMessage) error

type StoreOptions struct {
	Backend          StateBackend
	Validate         ValidateFunc
	SubscriberBuffer int
	Logger           zerolog.Logger
	Metrics          *Metrics
	Now              func() time.Time
}

type Store struct {
	mu        sync.RWMutex
	docs      map[Key]*Document
	watchers  map[Key]map[*Watch]struct{}
	closed    bool
	closeOnce sync.Once

	backend    StateBackend
	validate   ValidateFunc
	bufferSize int
	logger     zerolog.Logger
	metrics    *Metrics
	now        func() time.Time
}

func NewStore() *Store {
	s, _ := NewStoreWithOptions(StoreOptions{})
	return s
}

// NewStoreWithOptions builds a store and loads every document the backend
// holds.
func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	bufferSize := opts.SubscriberBuffer
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		docs:       map[Key]*Document{},
		watchers:   map[Key]map[*Watch]struct{}{},
		backend:    opts.Backend,
		validate:   opts.Validate,
		bufferSize: bufferSize,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        now,
	}
	if err := s.loadFromBackend(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	docs, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	for _, doc := range docs {
		if doc.Fields == nil {
			doc.Fields = map[string]Field{}
		}
		doc.Revision = maxRevision(doc.Fields)
		loaded := doc.Clone()
		s.docs[doc.Key()] = &loaded
	}
	s.logger.Debug().Int("documents", len(docs)).Msg("loaded documents from backend")
	return nil
}

// Get returns a copy of the document.
func (s *Store) Get(collection, id string) (Document, error) {
	key, err := documentKey(collection, id)
	if err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

// Merge upserts the given fields and leaves every other field alone. The
// document is created when it does not exist. A field listed in
// BaseRevisions must still be at that revision (0 meaning absent) unless its
// stored value already equals the requested one.
func (s *Store) Merge(req MergeRequest) (MergeResult, error) {
	key, err := documentKey(req.Collection, req.ID)
	if err != nil {
		s.metrics.observeMerge(mergeInvalid)
		return MergeResult{}, err
	}
	if len(req.Fields) == 0 {
		s.metrics.observeMerge(mergeInvalid)
		return MergeResult{}, fmt.Errorf("%w: no fields to merge", ErrInvalidInput)
	}
	values := make(map[string]json.RawMessage, len(req.Fields))
	for name, raw := range req.Fields {
		if strings.TrimSpace(name) == "" {
			s.metrics.observeMerge(mergeInvalid)
			return MergeResult{}, fmt.Errorf("%w: empty field name", ErrInvalidInput)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			s.metrics.observeMerge(mergeInvalid)
			return MergeResult{}, fmt.Errorf("%w: field %q is not valid JSON", ErrInvalidInput, name)
		}
		values[name] = buf.Bytes()
	}
	if s.validate != nil {
		if err := s.validate(key.Collection, values); err != nil {
			s.metrics.observeMerge(mergeInvalid)
			return MergeResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return MergeResult{}, ErrStoreClosed
	}

	current, exists := s.docs[key]
	if !exists {
		current = &Document{Collection: key.Collection, ID: key.ID, Fields: map[string]Field{}}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var changed []string
	for _, name := range names {
		stored, ok := current.Fields[name]
		if ok && bytes.Equal(stored.Value, values[name]) {
			continue
		}
		if base, conditional := req.BaseRevisions[name]; conditional && base != stored.Revision {
			s.metrics.observeMerge(mergeConflict)
			return MergeResult{}, &ConflictError{Field: name, ExpectedRevision: base, CurrentRevision: stored.Revision}
		}
		changed = append(changed, name)
	}
	if len(changed) == 0 {
		s.metrics.observeMerge(mergeUnchanged)
		return MergeResult{Revision: current.Revision, Revisions: current.Revisions(), Changed: []string{}}, nil
	}

	next := current.Clone()
	next.Revision = current.Revision + 1
	updatedAt := s.now()
	for _, name := range changed {
		next.Fields[name] = Field{Value: values[name], Revision: next.Revision, UpdatedAt: updatedAt}
	}
	if s.backend != nil {
		if err := s.backend.SaveFields(next.Clone(), changed); err != nil {
			s.metrics.observeMerge(mergeError)
			s.logger.Error().Err(err).Str("document", key.String()).Msg("persist merge failed")
			return MergeResult{}, fmt.Errorf("persist document: %w", err)
		}
	}
	s.docs[key] = &next
	s.metrics.observeMerge(mergeApplied)
	s.logger.Debug().
		Str("document", key.String()).
		Int64("revision", next.Revision).
		Strs("fields", changed).
		Str("correlation_id", req.CorrelationID).
		Msg("merged document fields")

	s.broadcastLocked(key, Change{Document: next, Changed: changed, CorrelationID: req.CorrelationID})
	return MergeResult{Revision: next.Revision, Revisions: next.Revisions(), Changed: changed}, nil
}

// Subscribe registers a watch on one document and returns it together with
// the document's current value. The document does not need to exist yet.
func (s *Store) Subscribe(collection, id string) (*Watch, Document, bool, error) {
	key, err := documentKey(collection, id)
	if err != nil {
		return nil, Document{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, Document{}, false, ErrStoreClosed
	}
	w := &Watch{
		store:  s,
		key:    key,
		events: make(chan Change, s.bufferSize),
	}
	if s.watchers[key] == nil {
		s.watchers[key] = map[*Watch]struct{}{}
	}
	s.watchers[key][w] = struct{}{}
	s.metrics.subscriberAdded()

	doc, ok := s.docs[key]
	if !ok {
		return w, Document{Collection: key.Collection, ID: key.ID, Fields: map[string]Field{}}, false, nil
	}
	return w, doc.Clone(), true, nil
}

func (s *Store) broadcastLocked(key Key, change Change) {
	for w := range s.watchers[key] {
		select {
		case w.events <- Change{Document: change.Document.Clone(), Changed: slices.Clone(change.Changed), CorrelationID: change.CorrelationID}:
		default:
			s.logger.Warn().Str("document", key.String()).Msg("dropping lagging subscriber")
			s.metrics.subscriberLagged()
			s.dropLocked(w, ErrSubscriberLagged)
		}
	}
}

func (s *Store) dropLocked(w *Watch, cause error) {
	set := s.watchers[w.key]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(s.watchers, w.key)
	}
	w.err = cause
	close(w.events)
	s.metrics.subscriberRemoved()
}

// Close ends every watch and closes the backend.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, set := range s.watchers {
			for w := range set {
				s.dropLocked(w, ErrStoreClosed)
			}
		}
		s.mu.Unlock()
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			err = closer.Close()
		}
	})
	return err
}

// Watch receives the changes made to one document. Events is closed when the
// watch ends; Err then reports why.
type Watch struct {
	store  *Store
	key    Key
	events chan Change
	err    error
}

func (w *Watch) Events() <-chan Change {
	return w.events
}

func (w *Watch) Err() error {
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	return w.err
}

func (w *Watch) Close() {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.dropLocked(w, nil)
}

func documentKey(collection, id string) (Key, error) {
	collection = strings.TrimSpace(collection)
	id = strings.TrimSpace(id)
	if collection == "" || id == "" {
		return Key{}, fmt.Errorf("%w: collection and id are required", ErrInvalidInput)
	}
	return Key{Collection: collection, ID: id}, nil
}

func maxRevision(fields map[string]Field) int64 {
	var rev int64
	for _, f := range fields {
		rev = max(rev, f.Revision)
	}
	return rev
}
