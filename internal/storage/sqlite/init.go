package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "transfers.db"

// InitDB opens the SQLite database at path and creates the transfer tables if they don't exist.
// Writes are serialized through a single connection.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		group_name TEXT PRIMARY KEY,
		source_url TEXT NOT NULL DEFAULT '',
		relay_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		byte_size INTEGER NOT NULL DEFAULT 0,
		start_time TEXT,
		end_time TEXT,
		error_message TEXT,
		error_kind TEXT,
		run_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_name TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		relay_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		byte_size INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		error_kind TEXT,
		run_id TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers (status)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
