package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// upsertTransfer keeps the row in step with the latest attempt. Error fields only survive
// on failed, a pending attempt clears the previous end time, and byte_size is always the
// latest value. start_time and the identifying fields fall back to the stored values.
const upsertTransfer = `INSERT INTO transfers (
		group_name, source_url, relay_key, status, byte_size,
		start_time, end_time, error_message, error_kind, run_id, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(group_name) DO UPDATE SET
		source_url = COALESCE(NULLIF(excluded.source_url, ''), transfers.source_url),
		relay_key = COALESCE(NULLIF(excluded.relay_key, ''), transfers.relay_key),
		status = excluded.status,
		byte_size = excluded.byte_size,
		start_time = COALESCE(excluded.start_time, transfers.start_time),
		end_time = CASE WHEN excluded.status = 'pending' THEN NULL
			ELSE COALESCE(excluded.end_time, transfers.end_time) END,
		error_message = CASE WHEN excluded.status = 'failed' THEN excluded.error_message ELSE NULL END,
		error_kind = CASE WHEN excluded.status = 'failed' THEN excluded.error_kind ELSE NULL END,
		run_id = COALESCE(NULLIF(excluded.run_id, ''), transfers.run_id),
		updated_at = excluded.updated_at`

// TransferWriteRepository stores transfer records in SQLite.
type TransferWriteRepository struct {
	db      *sql.DB
	history bool
}

// NewTransferWriteRepository creates a write repository. When history is set every upsert is
// also appended to transfer_events.
func NewTransferWriteRepository(db *sql.DB, history bool) *TransferWriteRepository {
	return &TransferWriteRepository{db: db, history: history}
}

// Upsert inserts the record or replaces the stored attempt with rec. An empty status is
// stored as pending.
func (r *TransferWriteRepository) Upsert(ctx context.Context, rec storage.TransferRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	status := rec.Status
	if status == "" {
		status = transfer.StatusPending
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, upsertTransfer,
		rec.GroupName, rec.SourceURL, rec.RelayKey, string(status), rec.ByteSize,
		formatTime(rec.StartTime), formatTime(rec.EndTime),
		nullString(rec.ErrorMessage), nullString(rec.ErrorKind),
		rec.RunID, formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return err
	}

	if r.history {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transfer_events (
				group_name, source_url, relay_key, status, byte_size, error_message, error_kind, run_id, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.GroupName, rec.SourceURL, rec.RelayKey, string(status), rec.ByteSize,
			nullString(rec.ErrorMessage), nullString(rec.ErrorKind), rec.RunID, formatTime(rec.UpdatedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}

	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
