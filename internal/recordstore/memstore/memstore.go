// Package memstore is a deterministic, in-memory implementation of the
// record store capability. Latency is simulated with a configurable delay,
// intermediate progress callbacks are scheduled on a background worker, and
// failures can be injected per database, which lets the transfer engines'
// retry, progress and cancellation logic be exercised without a network.
package memstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/italolelis/recordvault/internal/recordstore"
)

const (
	// progressSteps intermediate progress callbacks are spaced evenly
	// across the configured delay before the batch completion fires.
	progressSteps = 3

	filePerm = 0o644
	dirPerm  = 0o755
)

// Store is the in-memory record store. Asset bytes are copied into a private
// scratch directory so fetched records resolve to real local byte sources.
type Store struct {
	delay   time.Duration
	scratch string

	mu  sync.Mutex
	dbs map[recordstore.Scope]*Database
}

// New builds a store whose operations complete after delay. scratchDir holds
// the asset copies; the caller owns its lifecycle (tests pass t.TempDir()).
func New(delay time.Duration, scratchDir string) *Store {
	return &Store{
		delay:   delay,
		scratch: scratchDir,
		dbs:     make(map[recordstore.Scope]*Database),
	}
}

// Database returns the handle for scope, creating it on first use. Scopes
// are independent; each serializes its own callback delivery.
func (s *Store) Database(scope recordstore.Scope) recordstore.Database {
	return s.database(scope)
}

// Scope is the concrete-typed variant of Database for tests that need the
// failure-injection surface.
func (s *Store) Scope(scope recordstore.Scope) *Database {
	return s.database(scope)
}

func (s *Store) database(scope recordstore.Scope) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.dbs[scope]
	if !ok {
		db = newDatabase(s.delay, filepath.Join(s.scratch, string(scope)))
		s.dbs[scope] = db
	}

	return db
}

// Close stops every database's callback worker.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, db := range s.dbs {
		db.close()
	}
}

type recordKey struct {
	zone recordstore.ZoneID
	id   recordstore.RecordID
	typ  string
}

// Database is one scope's table of records, assets and zones. All mutation
// happens on the callback worker goroutine, which both serializes delivery
// (max one concurrent unit of progress work) and gives single-writer
// semantics per scope.
type Database struct {
	delay   time.Duration
	scratch string

	mu      sync.Mutex
	zones   map[recordstore.ZoneID]struct{}
	records map[recordKey]*recordstore.Record
	assets  map[recordKey]string
	injects []*recordstore.Error
	zoneErr *recordstore.Error

	queue     chan func()
	closeOnce sync.Once
	done      chan struct{}
}

func newDatabase(delay time.Duration, scratch string) *Database {
	db := &Database{
		delay:   delay,
		scratch: scratch,
		zones:   make(map[recordstore.ZoneID]struct{}),
		records: make(map[recordKey]*recordstore.Record),
		assets:  make(map[recordKey]string),
		queue:   make(chan func(), 64),
		done:    make(chan struct{}),
	}

	go db.run()

	return db
}

func (d *Database) run() {
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *Database) close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *Database) enqueue(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// FailNext queues an injected batch-level error. Each submitted operation
// consumes at most one.
func (d *Database) FailNext(err *recordstore.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.injects = append(d.injects, err)
}

// FailZoneSave makes every subsequent SaveZone call fail with err.
func (d *Database) FailZoneSave(err *recordstore.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.zoneErr = err
}

// HasZone reports whether the zone exists, for test assertions.
func (d *Database) HasZone(zone recordstore.ZoneID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.zones[zone]

	return ok
}

// SaveZone creates the zone. Idempotent.
func (d *Database) SaveZone(ctx context.Context, zone recordstore.ZoneID) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.zoneErr != nil {
		return d.zoneErr
	}

	d.zones[zone] = struct{}{}

	return nil
}

// Fetch submits a fetch operation. Authentication fails closed at
// submission; results arrive asynchronously through the callbacks.
func (d *Database) Fetch(ctx context.Context, op *recordstore.FetchOperation) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	injected := d.takeInjected()

	go d.simulate(fetchProgressAdapter{op}, op.IDs, func() {
		d.completeFetch(op, injected)
	}, func(err *recordstore.Error) {
		if op.OnDone != nil {
			op.OnDone(nil, err)
		}
	})

	return nil
}

// Modify submits a save/delete operation, same asynchronous shape as Fetch.
func (d *Database) Modify(ctx context.Context, op *recordstore.ModifyOperation) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	injected := d.takeInjected()

	ids := make([]recordstore.RecordID, 0, len(op.Save)+len(op.Delete))
	for _, rec := range op.Save {
		ids = append(ids, rec.ID)
	}

	ids = append(ids, op.Delete...)

	go d.simulate(modifyProgressAdapter{op}, ids, func() {
		d.completeModify(op, injected)
	}, func(err *recordstore.Error) {
		if op.OnDone != nil {
			op.OnDone(nil, nil, err)
		}
	})

	return nil
}

// progressSource adapts the two operation shapes for the shared simulation
// loop.
type progressSource interface {
	recordstore.Operation
	emit(id recordstore.RecordID, fraction float64)
}

type fetchProgressAdapter struct {
	*recordstore.FetchOperation
}

func (op fetchProgressAdapter) emit(id recordstore.RecordID, fraction float64) {
	if op.OnProgress != nil {
		op.OnProgress(id, fraction)
	}
}

type modifyProgressAdapter struct {
	*recordstore.ModifyOperation
}

func (op modifyProgressAdapter) emit(_ recordstore.RecordID, fraction float64) {
	if op.OnProgress == nil {
		return
	}

	for _, rec := range op.Save {
		op.OnProgress(rec, fraction)
	}
}

// simulate spaces the intermediate progress callbacks evenly across the
// configured delay, then delivers completion. Cancellation at any step
// suppresses completion and delivers an operationCancelled error instead.
// Every callback is handed to the worker queue so delivery stays serial.
func (d *Database) simulate(op progressSource, ids []recordstore.RecordID, complete func(), cancelled func(*recordstore.Error)) {
	step := d.delay / (progressSteps + 1)

	deliverCancelled := func() {
		d.enqueue(func() {
			cancelled(recordstore.NewError(recordstore.CodeOperationCancelled, "operation cancelled"))
		})
	}

	for i := 1; i <= progressSteps; i++ {
		time.Sleep(step)

		if op.Cancelled() {
			deliverCancelled()

			return
		}

		fraction := float64(i) / (progressSteps + 1)

		d.enqueue(func() {
			for _, id := range ids {
				op.emit(id, fraction)
			}
		})
	}

	time.Sleep(d.delay - progressSteps*step)

	if op.Cancelled() {
		deliverCancelled()

		return
	}

	d.enqueue(complete)
}

func (d *Database) takeInjected() *recordstore.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.injects) == 0 {
		return nil
	}

	err := d.injects[0]
	d.injects = d.injects[1:]

	return err
}

// completeFetch runs on the worker. Missing identities become per-identity
// unknownItem entries of a partial failure.
func (d *Database) completeFetch(op *recordstore.FetchOperation, injected *recordstore.Error) {
	if injected != nil {
		if op.OnDone != nil {
			op.OnDone(nil, injected)
		}

		return
	}

	d.mu.Lock()

	recs := make(map[recordstore.RecordID]*recordstore.Record, len(op.IDs))
	partial := make(map[recordstore.RecordID]*recordstore.Error)

	for _, id := range op.IDs {
		key := d.findKey(id, op.RecordType)
		if key == nil {
			partial[id] = recordstore.NewError(recordstore.CodeUnknownItem, id.Name())

			continue
		}

		rec := d.records[*key].Clone()
		rec.Assets[recordstore.AssetPayload] = d.assets[*key]
		recs[id] = rec
	}

	d.mu.Unlock()

	for _, id := range op.IDs {
		if op.OnRecord == nil {
			break
		}

		if perr, ok := partial[id]; ok {
			op.OnRecord(id, nil, perr)
		} else {
			op.OnRecord(id, recs[id], nil)
		}
	}

	if op.OnDone == nil {
		return
	}

	if len(partial) > 0 {
		op.OnDone(nil, recordstore.PartialFailure(partial))

		return
	}

	op.OnDone(recs, nil)
}

// findKey locates a record by identity, ignoring the zone: identities are
// unique per scope. Caller holds d.mu.
func (d *Database) findKey(id recordstore.RecordID, typ string) *recordKey {
	for key := range d.records {
		if key.id == id && key.typ == typ {
			k := key

			return &k
		}
	}

	return nil
}

// completeModify runs on the worker. A save into a missing zone and a delete
// of a missing record both surface as per-identity entries of a partial
// failure; a fully successful batch persists metadata and copies asset bytes
// into the scratch directory.
func (d *Database) completeModify(op *recordstore.ModifyOperation, injected *recordstore.Error) {
	if injected != nil {
		if op.OnDone != nil {
			op.OnDone(nil, nil, injected)
		}

		return
	}

	d.mu.Lock()

	partial := make(map[recordstore.RecordID]*recordstore.Error)

	for _, rec := range op.Save {
		if _, ok := d.zones[rec.Zone]; !ok {
			partial[rec.ID] = recordstore.ZoneNotFound(rec.Zone)
		}
	}

	for _, id := range op.Delete {
		if d.findKeyAnyType(id) == nil {
			partial[id] = recordstore.NewError(recordstore.CodeUnknownItem, id.Name())
		}
	}

	if len(partial) > 0 {
		d.mu.Unlock()

		d.notifyRecords(op, partial)

		if op.OnDone != nil {
			op.OnDone(nil, nil, recordstore.PartialFailure(partial))
		}

		return
	}

	var failed *recordstore.Error

	for _, rec := range op.Save {
		key := recordKey{zone: rec.Zone, id: rec.ID, typ: rec.Type}

		path, err := d.copyAsset(rec)
		if err != nil {
			failed = recordstore.NewError(recordstore.CodeInternalError, err.Error())

			break
		}

		stored := rec.Clone()
		delete(stored.Assets, recordstore.AssetPayload)

		d.records[key] = stored
		if path != "" {
			d.assets[key] = path
		}
	}

	if failed == nil {
		for _, id := range op.Delete {
			key := d.findKeyAnyType(id)

			if path, ok := d.assets[*key]; ok {
				os.Remove(path)
			}

			delete(d.records, *key)
			delete(d.assets, *key)
		}
	}

	d.mu.Unlock()

	if failed != nil {
		if op.OnDone != nil {
			op.OnDone(nil, nil, failed)
		}

		return
	}

	d.notifyRecords(op, nil)

	if op.OnDone != nil {
		op.OnDone(op.Save, op.Delete, nil)
	}
}

func (d *Database) notifyRecords(op *recordstore.ModifyOperation, partial map[recordstore.RecordID]*recordstore.Error) {
	if op.OnRecord == nil {
		return
	}

	for _, rec := range op.Save {
		if perr, ok := partial[rec.ID]; ok {
			op.OnRecord(rec.ID, perr)
		} else {
			op.OnRecord(rec.ID, nil)
		}
	}

	for _, id := range op.Delete {
		if perr, ok := partial[id]; ok {
			op.OnRecord(id, perr)
		} else {
			op.OnRecord(id, nil)
		}
	}
}

func (d *Database) findKeyAnyType(id recordstore.RecordID) *recordKey {
	for key := range d.records {
		if key.id == id {
			k := key

			return &k
		}
	}

	return nil
}

// copyAsset copies the staged payload into the scratch directory so the
// stored record outlives the caller's staging file.
func (d *Database) copyAsset(rec *recordstore.Record) (string, error) {
	src, ok := rec.Assets[recordstore.AssetPayload]
	if !ok {
		return "", nil
	}

	if err := os.MkdirAll(d.scratch, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open staged asset: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(d.scratch, rec.ID.Name())

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch asset: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return "", fmt.Errorf("failed to copy asset: %w", err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close scratch asset: %w", err)
	}

	return dst, nil
}
