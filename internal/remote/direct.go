package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/docstore"
)

// Direct serves a document from a docstore.Store in the same process.
type Direct struct {
	store      *docstore.Store
	collection string
	documentID string
}

func NewDirect(store *docstore.Store) *Direct {
	return &Direct{store: store, collection: DefaultCollection, documentID: DefaultDocumentID}
}

func (d *Direct) ForDocument(collection, id string) *Direct {
	out := *d
	out.collection = collection
	out.documentID = id
	return &out
}

func (d *Direct) Fetch(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	doc, err := d.store.Get(d.collection, d.documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(doc), nil
}

func (d *Direct) Upsert(ctx context.Context, m Mutation) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	result, err := d.store.Merge(docstore.MergeRequest{
		Collection:    d.collection,
		ID:            d.documentID,
		Fields:        m.Fields,
		BaseRevisions: m.BaseRevisions,
	})
	var conflict *docstore.ConflictError
	if errors.As(err, &conflict) {
		return Ack{}, &ConflictError{
			Field:            conflict.Field,
			ExpectedRevision: conflict.ExpectedRevision,
			CurrentRevision:  conflict.CurrentRevision,
		}
	}
	if err != nil {
		return Ack{}, fmt.Errorf("merge document: %w", err)
	}
	return Ack{Revision: result.Revision, Revisions: result.Revisions}, nil
}

func (d *Direct) Subscribe(ctx context.Context) (*Subscription, error) {
	watch, doc, exists, err := d.store.Subscribe(d.collection, d.documentID)
	if err != nil {
		return nil, err
	}
	initial := Snapshot{}
	if exists {
		initial = snapshotOf(doc)
	}
	return newSubscription(ctx, func(ctx context.Context, emit func(Snapshot) error) error {
		defer watch.Close()
		if err := emit(initial); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case change, ok := <-watch.Events():
				if !ok {
					return watch.Err()
				}
				if err := emit(snapshotOf(change.Document)); err != nil {
					return err
				}
			}
		}
	}), nil
}

// Close leaves the underlying store open; its owner closes it.
func (d *Direct) Close() error {
	return nil
}

func snapshotOf(doc docstore.Document) Snapshot {
	return Snapshot{
		Exists:    true,
		Revision:  doc.Revision,
		Fields:    appstate.Patch(doc.Values()),
		Revisions: doc.Revisions(),
	}
}
