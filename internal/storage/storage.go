package storage

// TransferRecord is one journal row: a terminal transfer outcome.
type TransferRecord struct {
	RecordID    string
	Direction   string // upload, download or delete
	Status      string // finished, failed or cancelled
	Bytes       int64
	CompletedAt string
}

// JournalReader reads back journaled transfers.
type JournalReader interface {
	GetTransfers() ([]TransferRecord, error)
	GetFailedUploads() ([]TransferRecord, error)
}

// JournalWriter appends terminal transfer outcomes.
type JournalWriter interface {
	TrackTransfer(rec TransferRecord) error
}

// Journal combines both sides for callers that need them together.
type Journal interface {
	JournalReader
	JournalWriter
}
