package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recordvault/internal/crypto"
	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/recordstore"
)

const (
	dirPerm = 0o755

	// progressTotal is the unit scale the engines report progress on.
	progressTotal = 100
)

// UploadEngine transfers one item's payload into a store record. It is a
// one-shot reactive source: Subscribe yields zero or more Progress events
// followed by exactly one terminal event. If the target zone does not exist
// the engine creates it and retries the whole upload once; a second missing
// zone is terminal.
type UploadEngine struct {
	db         recordstore.Database
	zone       recordstore.ZoneID
	item       Item
	key        []byte
	sealer     crypto.Sealer
	stagingDir string

	mu      sync.Mutex
	sub     *subscription
	retried atomic.Bool
}

// NewUploadEngine builds an upload of item into zone. key may be nil for an
// unencrypted upload; stagingDir holds the engine-owned temporary file for
// the duration of the save.
func NewUploadEngine(db recordstore.Database, zone recordstore.ZoneID, item Item, key []byte, stagingDir string) *UploadEngine {
	return &UploadEngine{
		db:         db,
		zone:       zone,
		item:       item,
		key:        key,
		sealer:     crypto.NewSealer(),
		stagingDir: stagingDir,
	}
}

// Subscribe starts the upload and returns its event channel. Subscribing
// again while a subscription is active returns the same channel without
// resubmitting.
func (e *UploadEngine) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	if e.sub != nil {
		ch := e.sub.events
		e.mu.Unlock()

		return ch
	}

	e.sub = newSubscription()
	sub := e.sub
	e.mu.Unlock()

	if err := e.start(ctx); err != nil {
		sub.terminate(err)
	}

	return sub.events
}

// Cancel cancels the in-flight store operation and terminates the
// subscription with ErrCancelled. Safe to call repeatedly.
func (e *UploadEngine) Cancel() {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
}

func (e *UploadEngine) start(ctx context.Context) error {
	payload, err := e.item.Payload()
	if err != nil {
		return &DiskError{Path: e.item.ID().FileName(), Err: err}
	}

	blob := payload

	if e.key != nil {
		blob, err = e.sealer.Seal(payload, e.key)
		if err != nil {
			return &DecryptionError{Err: err}
		}
	}

	return e.submit(ctx, blob)
}

// submit stages the blob and submits the save operation. Called once more on
// the zone-creation retry path.
func (e *UploadEngine) submit(ctx context.Context, blob []byte) error {
	logger := logctx.LoggerFromContext(ctx).With("record_id", e.item.ID().Name())

	stagePath, err := e.stage(blob)
	if err != nil {
		return err
	}

	rec := recordstore.NewRecord(e.item.ID(), e.item.RecordType(), e.zone)
	rec.Assets[recordstore.AssetPayload] = stagePath
	rec.Fields[recordstore.FieldFileSize] = int64(len(blob))

	if e.key != nil {
		rec.Fields[recordstore.FieldSealed] = true
	}

	logger.Debug("submitting upload",
		"zone", e.zone.Name,
		"size", humanize.Bytes(uint64(len(blob))))

	op := &recordstore.ModifyOperation{
		Save:   []*recordstore.Record{rec},
		Policy: recordstore.SaveOverwrite,
		OnProgress: func(_ *recordstore.Record, fraction float64) {
			e.emitFraction(fraction)
		},
		OnDone: func(_ []*recordstore.Record, _ []recordstore.RecordID, err error) {
			e.finish(ctx, blob, stagePath, err)
		},
	}

	e.withSub(func(s *subscription) { s.setOperation(op) })

	if err := e.db.Modify(ctx, op); err != nil {
		return Translate(err)
	}

	return nil
}

// stage writes the blob to a private temporary file the engine owns until the
// terminal callback fires.
func (e *UploadEngine) stage(blob []byte) (string, error) {
	if err := os.MkdirAll(e.stagingDir, dirPerm); err != nil {
		return "", &DiskError{Path: e.stagingDir, Err: err}
	}

	f, err := os.CreateTemp(e.stagingDir, e.item.ID().Name()+"-*.upload")
	if err != nil {
		return "", &DiskError{Path: e.stagingDir, Err: err}
	}

	if _, err := f.Write(blob); err != nil {
		f.Close()

		return "", &DiskError{Path: f.Name(), Err: err}
	}

	if err := f.Close(); err != nil {
		return "", &DiskError{Path: f.Name(), Err: err}
	}

	return f.Name(), nil
}

// finish handles the save operation's terminal callback. On success the
// staging file is removed unconditionally; on failure it is left in place for
// inspection.
func (e *UploadEngine) finish(ctx context.Context, blob []byte, stagePath string, err error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", e.item.ID().Name())

	if err == nil {
		if rmErr := os.Remove(stagePath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("failed to remove staging file", "path", stagePath, "err", rmErr)
		}

		e.withSub(func(s *subscription) {
			s.emitProgress(Progress{Completed: progressTotal, Total: progressTotal})
			s.terminate(nil)
		})

		return
	}

	derr := Translate(err)

	var zerr *ZoneNotFoundError
	if errors.As(derr, &zerr) && !e.retried.Swap(true) {
		e.retry(ctx, blob, stagePath, zerr.Zone)

		return
	}

	logger.Error("upload failed", "zone", e.zone.Name, "err", derr)
	e.withSub(func(s *subscription) { s.terminate(derr) })
}

// retry creates the missing zone and resubmits the upload. Entered at most
// once per upload: a zone-not-found reported after this point, including by
// the zone creation itself, is terminal.
func (e *UploadEngine) retry(ctx context.Context, blob []byte, stagePath string, zone recordstore.ZoneID) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", e.item.ID().Name())

	logger.Info("target zone missing, creating and retrying", "zone", zone.Name)

	e.withSub(func(s *subscription) { s.awaitRetry() })

	if err := e.db.SaveZone(ctx, zone); err != nil {
		e.withSub(func(s *subscription) { s.terminate(Translate(err)) })

		return
	}

	// The first attempt's staging file is superseded by the retry's.
	if err := os.Remove(stagePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove staging file", "path", stagePath, "err", err)
	}

	if err := e.submit(ctx, blob); err != nil {
		e.withSub(func(s *subscription) { s.terminate(err) })
	}
}

func (e *UploadEngine) emitFraction(fraction float64) {
	e.withSub(func(s *subscription) {
		s.emitProgress(Progress{
			Completed: int64(fraction * progressTotal),
			Total:     progressTotal,
		})
	})
}

func (e *UploadEngine) withSub(fn func(*subscription)) {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()

	if sub == nil {
		panic(fmt.Sprintf("upload %s: callback before subscription", e.item.ID().Name()))
	}

	fn(sub)
}
