package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

const selectTransfer = `SELECT
		group_name,
		source_url,
		relay_key,
		status,
		byte_size,
		start_time,
		end_time,
		error_message,
		error_kind,
		run_id,
		updated_at
	FROM transfers`

type TransferReadRepository struct {
	db *sql.DB
}

func NewTransferReadRepository(db *sql.DB) *TransferReadRepository {
	return &TransferReadRepository{db: db}
}

// Get returns the record for group or storage.ErrNotFound.
func (r *TransferReadRepository) Get(ctx context.Context, group string) (*storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, selectTransfer+` WHERE group_name = ?`, group)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// List returns records with status ordered by group name, or all records when status is empty.
func (r *TransferReadRepository) List(ctx context.Context, status transfer.Status) ([]storage.TransferRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		rows, err = r.db.QueryContext(ctx, selectTransfer+` ORDER BY group_name`)
	} else {
		rows, err = r.db.QueryContext(ctx, selectTransfer+` WHERE status = ? ORDER BY group_name`, string(status))
	}

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

// History returns the upsert history of group, oldest first.
func (r *TransferReadRepository) History(ctx context.Context, group string) ([]storage.TransferEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			group_name,
			source_url,
			relay_key,
			status,
			byte_size,
			error_message,
			error_kind,
			run_id,
			recorded_at
		FROM transfer_events
		WHERE group_name = ?
		ORDER BY id`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []storage.TransferEvent

	for rows.Next() {
		var (
			ev                  storage.TransferEvent
			status              string
			errMessage, errKind sql.NullString
			recordedAt          string
		)

		if err := rows.Scan(&ev.GroupName, &ev.SourceURL, &ev.RelayKey, &status, &ev.ByteSize,
			&errMessage, &errKind, &ev.RunID, &recordedAt); err != nil {
			return nil, err
		}

		ev.Status = transfer.Status(status)
		ev.ErrorMessage = errMessage.String
		ev.ErrorKind = errKind.String

		if ev.RecordedAt, err = parseTime(sql.NullString{String: recordedAt, Valid: true}); err != nil {
			return nil, err
		}

		ev.UpdatedAt = ev.RecordedAt

		events = append(events, ev)
	}

	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.TransferRecord, error) {
	var (
		rec                 storage.TransferRecord
		status              string
		startTime, endTime  sql.NullString
		errMessage, errKind sql.NullString
		updatedAt           string
	)

	if err := s.Scan(&rec.GroupName, &rec.SourceURL, &rec.RelayKey, &status, &rec.ByteSize,
		&startTime, &endTime, &errMessage, &errKind, &rec.RunID, &updatedAt); err != nil {
		return nil, err
	}

	rec.Status = transfer.Status(status)
	rec.ErrorMessage = errMessage.String
	rec.ErrorKind = errKind.String

	var err error

	if rec.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}

	if rec.EndTime, err = parseTime(endTime); err != nil {
		return nil, err
	}

	if rec.UpdatedAt, err = parseTime(sql.NullString{String: updatedAt, Valid: true}); err != nil {
		return nil, err
	}

	return &rec, nil
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s.String, err)
	}

	return t, nil
}
