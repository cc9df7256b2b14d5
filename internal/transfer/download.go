package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recordvault/internal/crypto"
	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/transfer/progress"
)

// progressLogInterval is how many bytes flow between debug progress logs
// while copying an attachment to its destination.
const progressLogInterval = 16 * 1024 * 1024 // 16MB

// DownloadEngine fetches one record and delivers its payload to a local
// destination. One-shot reactive source, same contract as UploadEngine.
// The destination file exists with correct content if and only if the
// terminal success event was emitted: delivery is staged to a temporary file
// in the destination directory and renamed over the target.
type DownloadEngine struct {
	db         recordstore.Database
	id         recordstore.RecordID
	recordType string
	dest       string
	key        []byte
	sealer     crypto.Sealer

	mu  sync.Mutex
	sub *subscription
}

// NewDownloadEngine builds a download of the identified record. dest may be
// an existing directory, in which case the final name is derived from the
// identity. key may be nil when the stored payload is not sealed.
func NewDownloadEngine(db recordstore.Database, id recordstore.RecordID, recordType, dest string, key []byte) *DownloadEngine {
	return &DownloadEngine{
		db:         db,
		id:         id,
		recordType: recordType,
		dest:       dest,
		key:        key,
		sealer:     crypto.NewSealer(),
	}
}

// Subscribe starts the download and returns its event channel. Subscribing
// again while a subscription is active returns the same channel.
func (e *DownloadEngine) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	if e.sub != nil {
		ch := e.sub.events
		e.mu.Unlock()

		return ch
	}

	e.sub = newSubscription()
	sub := e.sub
	e.mu.Unlock()

	op := recordstore.NewFetchOperation(e.recordType, e.id)
	op.OnProgress = func(_ recordstore.RecordID, fraction float64) {
		sub.emitProgress(Progress{
			Completed: int64(fraction * progressTotal),
			Total:     progressTotal,
		})
	}
	op.OnDone = func(recs map[recordstore.RecordID]*recordstore.Record, err error) {
		e.finish(ctx, sub, recs, err)
	}

	sub.setOperation(op)

	if err := e.db.Fetch(ctx, op); err != nil {
		sub.terminate(Translate(err))
	}

	return sub.events
}

// Cancel cancels the in-flight fetch and terminates with ErrCancelled.
func (e *DownloadEngine) Cancel() {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
}

func (e *DownloadEngine) finish(ctx context.Context, sub *subscription, recs map[recordstore.RecordID]*recordstore.Record, err error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", e.id.Name())

	if err != nil {
		sub.terminate(Translate(err))

		return
	}

	// The engine never requests more than one identity; anything else is a
	// contract violation on the store's side.
	if len(recs) != 1 {
		derr := &DevelopmentError{
			Message: fmt.Sprintf("fetch of a single identity resolved to %d records", len(recs)),
		}
		logger.Error("download failed", "err", derr)
		sub.terminate(derr)

		return
	}

	rec, ok := recs[e.id]
	if !ok {
		derr := &DevelopmentError{Message: "fetch resolved to a record with a foreign identity"}
		logger.Error("download failed", "err", derr)
		sub.terminate(derr)

		return
	}

	if derr := e.deliver(ctx, rec); derr != nil {
		logger.Error("download failed", "err", derr)
		sub.terminate(derr)

		return
	}

	sub.emitProgress(Progress{Completed: progressTotal, Total: progressTotal})
	sub.terminate(nil)
}

// deliver moves the record's payload to the destination, opening the sealed
// envelope when a key is present.
func (e *DownloadEngine) deliver(ctx context.Context, rec *recordstore.Record) error {
	src, ok := rec.Assets[recordstore.AssetPayload]
	if !ok {
		return ErrNoData
	}

	sealed, _ := rec.Fields[recordstore.FieldSealed].(bool)

	dest, err := e.destPath()
	if err != nil {
		return err
	}

	if e.key == nil {
		// A sealed payload without a key would be delivered as ciphertext;
		// refuse instead of reporting a bogus success.
		if sealed {
			return &DecryptionError{Err: fmt.Errorf("payload is sealed but no key was provided")}
		}

		return e.copyPayload(ctx, rec, src, dest)
	}

	blob, err := os.ReadFile(src)
	if err != nil {
		return &DiskError{Path: src, Err: err}
	}

	plain, err := e.sealer.Open(blob, e.key)
	if err != nil {
		return &DecryptionError{Err: err}
	}

	return writeReplacing(dest, func(w io.Writer) error {
		_, err := w.Write(plain)

		return err
	})
}

// copyPayload streams the attachment bytes to the destination, logging
// progress as they flow.
func (e *DownloadEngine) copyPayload(ctx context.Context, rec *recordstore.Record, src, dest string) error {
	logger := logctx.LoggerFromContext(ctx).With("record_id", e.id.Name())

	in, err := os.Open(src)
	if err != nil {
		return &DiskError{Path: src, Err: err}
	}
	defer in.Close()

	size, _ := rec.Fields[recordstore.FieldFileSize].(int64)

	pr := progress.NewReader(in, size, progressLogInterval, func(written, total int64) {
		if total > 0 {
			logger.Debug("delivering payload",
				"written", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)))
		} else {
			logger.Debug("delivering payload", "written", humanize.Bytes(uint64(written)))
		}
	})

	return writeReplacing(dest, func(w io.Writer) error {
		_, err := io.Copy(w, pr)

		return err
	})
}

// destPath resolves the destination: a directory destination gets the
// identity-derived file name appended.
func (e *DownloadEngine) destPath() (string, error) {
	info, err := os.Stat(e.dest)
	if err == nil && info.IsDir() {
		return filepath.Join(e.dest, e.id.FileName()), nil
	}

	if err != nil && !os.IsNotExist(err) {
		return "", &DiskError{Path: e.dest, Err: err}
	}

	return e.dest, nil
}

// writeReplacing writes through a temporary file in the destination
// directory and renames it over the target, so an existing file is replaced
// atomically and a crash mid-write never leaves a truncated destination.
func writeReplacing(dest string, write func(io.Writer) error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &DiskError{Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*.part")
	if err != nil {
		return &DiskError{Path: dir, Err: err}
	}

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return &DiskError{Path: tmp.Name(), Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return &DiskError{Path: tmp.Name(), Err: err}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())

		return &DiskError{Path: dest, Err: err}
	}

	return nil
}
