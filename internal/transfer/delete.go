package transfer

import (
	"context"
	"sync"

	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/recordstore"
)

// DeleteEngine removes one record by identity. Terminal success only on a
// clean batch completion; deleting a nonexistent record surfaces
// ErrItemNotFound rather than being treated as success, and there is no
// retry policy.
type DeleteEngine struct {
	db recordstore.Database
	id recordstore.RecordID

	mu  sync.Mutex
	sub *subscription
}

// NewDeleteEngine builds a deletion of the identified record.
func NewDeleteEngine(db recordstore.Database, id recordstore.RecordID) *DeleteEngine {
	return &DeleteEngine{db: db, id: id}
}

// Subscribe starts the deletion and returns its event channel. Subscribing
// again while a subscription is active returns the same channel.
func (e *DeleteEngine) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	if e.sub != nil {
		ch := e.sub.events
		e.mu.Unlock()

		return ch
	}

	e.sub = newSubscription()
	sub := e.sub
	e.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("record_id", e.id.Name())

	op := &recordstore.ModifyOperation{
		Delete: []recordstore.RecordID{e.id},
		OnDone: func(_ []*recordstore.Record, _ []recordstore.RecordID, err error) {
			if err != nil {
				derr := Translate(err)
				logger.Error("delete failed", "err", derr)
				sub.terminate(derr)

				return
			}

			sub.terminate(nil)
		},
	}

	sub.setOperation(op)

	if err := e.db.Modify(ctx, op); err != nil {
		sub.terminate(Translate(err))
	}

	return sub.events
}

// Cancel cancels the in-flight operation and terminates with ErrCancelled.
func (e *DeleteEngine) Cancel() {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
}
