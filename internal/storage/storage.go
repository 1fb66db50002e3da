package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// ErrNotFound is returned by Get when no record exists for a group.
var ErrNotFound = errors.New("transfer record not found")

// TransferRecord is the status row kept for one group name. Upserts merge non-empty
// fields into the existing row; a success upsert clears the error fields.
type TransferRecord struct {
	GroupName    string          `json:"group_name"`
	SourceURL    string          `json:"source_url"`
	RelayKey     string          `json:"relay_key"`
	Status       transfer.Status `json:"status"`
	ByteSize     int64           `json:"byte_size"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	ErrorMessage string          `json:"error_message"`
	ErrorKind    string          `json:"error_kind"`
	RunID        string          `json:"run_id"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TransferEvent is one entry of the append-only upsert history.
type TransferEvent struct {
	TransferRecord

	RecordedAt time.Time `json:"recorded_at"`
}

// Recorder persists transfer status. Implementations are safe for concurrent use and
// resolve concurrent upserts to the same group with last-writer-wins.
type Recorder interface {
	Upsert(ctx context.Context, rec TransferRecord) error
	Get(ctx context.Context, group string) (*TransferRecord, error)
	// List returns records with the given status, or every record when status is empty.
	List(ctx context.Context, status transfer.Status) ([]TransferRecord, error)
	Close() error
}

// HistoryReader is implemented by recorders that keep the upsert history.
type HistoryReader interface {
	History(ctx context.Context, group string) ([]TransferEvent, error)
}
