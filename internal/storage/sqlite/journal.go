package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/recordvault/internal/storage"
)

// Journal stores terminal transfer outcomes in SQLite.
type Journal struct {
	db *sql.DB
}

func NewJournal(dbConn *sql.DB) *Journal {
	return &Journal{db: dbConn}
}

// TrackTransfer appends one terminal outcome. CompletedAt defaults to now
// when the caller leaves it empty.
func (j *Journal) TrackTransfer(rec storage.TransferRecord) error {
	completedAt := rec.CompletedAt
	if completedAt == "" {
		completedAt = time.Now().Format(time.RFC3339)
	}

	_, err := j.db.Exec(
		`INSERT INTO transfers (record_id, direction, status, bytes, completed_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RecordID, rec.Direction, rec.Status, rec.Bytes, completedAt,
	)

	return err
}

// GetTransfers returns every journaled transfer, newest first.
func (j *Journal) GetTransfers() ([]storage.TransferRecord, error) {
	rows, err := j.db.Query(
		`SELECT record_id, direction, status, bytes, completed_at FROM transfers ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

// GetFailedUploads returns failed uploads, whose staging files are the
// cleanup sweep's candidates.
func (j *Journal) GetFailedUploads() ([]storage.TransferRecord, error) {
	rows, err := j.db.Query(
		`SELECT record_id, direction, status, bytes, completed_at
		FROM transfers
		WHERE direction = 'upload' AND status = 'failed'
		ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func scanTransfers(rows *sql.Rows) ([]storage.TransferRecord, error) {
	var transfers []storage.TransferRecord

	for rows.Next() {
		var rec storage.TransferRecord
		if err := rows.Scan(&rec.RecordID, &rec.Direction, &rec.Status, &rec.Bytes, &rec.CompletedAt); err != nil {
			return nil, err
		}

		transfers = append(transfers, rec)
	}

	return transfers, rows.Err()
}
