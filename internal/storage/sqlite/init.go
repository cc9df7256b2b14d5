package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal at path and creates the transfers table if
// it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		record_id TEXT,
		direction TEXT,
		status TEXT,
		bytes INTEGER DEFAULT 0,
		completed_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
