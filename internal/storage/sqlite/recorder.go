package sqlite

import (
	"database/sql"
)

// Recorder combines the read and write repositories into a storage.Recorder.
type Recorder struct {
	*TransferReadRepository
	*TransferWriteRepository

	db *sql.DB
}

func NewRecorder(db *sql.DB, history bool) *Recorder {
	return &Recorder{
		TransferReadRepository:  NewTransferReadRepository(db),
		TransferWriteRepository: NewTransferWriteRepository(db, history),
		db:                      db,
	}
}

// Open initializes the database at path and returns a Recorder over it.
func Open(path string, history bool) (*Recorder, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}

	return NewRecorder(db, history), nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
