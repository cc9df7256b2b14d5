package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/recordvault/internal/storage"
	"github.com/italolelis/recordvault/internal/telemetry"
)

// InstrumentedJournal wraps Journal with telemetry.
type InstrumentedJournal struct {
	journal   *Journal
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJournal creates a new instrumented journal.
func NewInstrumentedJournal(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJournal {
	return &InstrumentedJournal{
		journal:   NewJournal(dbConn),
		telemetry: tel,
	}
}

// TrackTransfer appends one terminal outcome with telemetry.
func (j *InstrumentedJournal) TrackTransfer(rec storage.TransferRecord) error {
	return j.telemetry.InstrumentDBOperation(context.Background(), "track_transfer", func(ctx context.Context) error {
		return j.journal.TrackTransfer(rec)
	})
}

// GetTransfers retrieves all journaled transfers with telemetry.
func (j *InstrumentedJournal) GetTransfers() ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	var err error

	instrumentedErr := j.telemetry.InstrumentDBOperation(context.Background(), "get_transfers", func(ctx context.Context) error {
		result, err = j.journal.GetTransfers()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetFailedUploads retrieves failed uploads with telemetry.
func (j *InstrumentedJournal) GetFailedUploads() ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	var err error

	instrumentedErr := j.telemetry.InstrumentDBOperation(context.Background(), "get_failed_uploads", func(ctx context.Context) error {
		result, err = j.journal.GetFailedUploads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
