package transfer

import (
	"context"

	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/telemetry"
)

// InstrumentedDatabase wraps a record store database with telemetry.
type InstrumentedDatabase struct {
	db        recordstore.Database
	telemetry *telemetry.Telemetry
	backend   string
}

// NewInstrumentedDatabase decorates db; backend is the bounded-cardinality
// backend name recorded on metrics ("memory", "httpapi").
func NewInstrumentedDatabase(db recordstore.Database, tel *telemetry.Telemetry, backend string) *InstrumentedDatabase {
	return &InstrumentedDatabase{
		db:        db,
		telemetry: tel,
		backend:   backend,
	}
}

// Fetch submits a fetch operation with telemetry around the submission.
func (d *InstrumentedDatabase) Fetch(ctx context.Context, op *recordstore.FetchOperation) error {
	return d.telemetry.InstrumentStoreOperation(ctx, d.backend, "fetch", func(ctx context.Context) error {
		return d.db.Fetch(ctx, op)
	})
}

// Modify submits a modify operation with telemetry around the submission.
func (d *InstrumentedDatabase) Modify(ctx context.Context, op *recordstore.ModifyOperation) error {
	return d.telemetry.InstrumentStoreOperation(ctx, d.backend, "modify", func(ctx context.Context) error {
		return d.db.Modify(ctx, op)
	})
}

// SaveZone creates a zone with telemetry.
func (d *InstrumentedDatabase) SaveZone(ctx context.Context, zone recordstore.ZoneID) error {
	return d.telemetry.InstrumentStoreOperation(ctx, d.backend, "save_zone", func(ctx context.Context) error {
		return d.db.SaveZone(ctx, zone)
	})
}
