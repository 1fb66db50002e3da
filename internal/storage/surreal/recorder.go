package surreal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

const conflictRetries = 5

type transferRow struct {
	ID           *surrealmodels.RecordID `json:"id,omitempty"`
	GroupName    string                  `json:"group_name"`
	SourceURL    string                  `json:"source_url"`
	RelayKey     string                  `json:"relay_key"`
	Status       string                  `json:"status"`
	ByteSize     int64                   `json:"byte_size"`
	StartTime    time.Time               `json:"start_time"`
	EndTime      time.Time               `json:"end_time"`
	ErrorMessage string                  `json:"error_message"`
	ErrorKind    string                  `json:"error_kind"`
	RunID        string                  `json:"run_id"`
	UpdatedAt    time.Time               `json:"updated_at"`
	RecordedAt   time.Time               `json:"recorded_at"`
}

func (r transferRow) record() storage.TransferRecord {
	return storage.TransferRecord{
		GroupName:    r.GroupName,
		SourceURL:    r.SourceURL,
		RelayKey:     r.RelayKey,
		Status:       transfer.Status(r.Status),
		ByteSize:     r.ByteSize,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		ErrorMessage: r.ErrorMessage,
		ErrorKind:    r.ErrorKind,
		RunID:        r.RunID,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Recorder is a storage.Recorder backed by SurrealDB.
type Recorder struct {
	client  *client
	history bool
}

// Open connects to SurrealDB and prepares the transfer tables.
func Open(ctx context.Context, cfg Config, history bool, log *slog.Logger) (*Recorder, error) {
	c, err := connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return &Recorder{client: c, history: history}, nil
}

// Upsert replaces the stored attempt with rec, keeping the identifying fields and
// start_time when rec leaves them empty. Writes that lose a transaction conflict are retried.
func (r *Recorder) Upsert(ctx context.Context, rec storage.TransferRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if rec.Status == "" {
		rec.Status = transfer.StatusPending
	}

	data := mergeFields(rec)

	sql := `UPSERT type::record("transfer", $group) MERGE $data RETURN NONE`
	vars := map[string]any{"group": rec.GroupName, "data": data}

	if r.history {
		sql += `; CREATE transfer_event CONTENT $event RETURN NONE`
		vars["event"] = eventFields(rec)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := surrealdb.Query[any](ctx, r.client.db, sql, vars)

		err = wrapQueryError(err)
		if err != nil && !errors.Is(err, ErrTransactionConflict) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(conflictRetries),
	)
	if err != nil {
		return fmt.Errorf("upsert transfer: %w", err)
	}

	return nil
}

// Get returns the record for group or storage.ErrNotFound.
func (r *Recorder) Get(ctx context.Context, group string) (*storage.TransferRecord, error) {
	results, err := surrealdb.Query[[]transferRow](ctx, r.client.db,
		`SELECT * FROM type::record("transfer", $group)`, map[string]any{"group": group})
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, storage.ErrNotFound
	}

	rec := (*results)[0].Result[0].record()

	return &rec, nil
}

// List returns records with status ordered by group name, or all records when status is empty.
func (r *Recorder) List(ctx context.Context, status transfer.Status) ([]storage.TransferRecord, error) {
	sql := `SELECT * FROM transfer ORDER BY group_name`
	vars := map[string]any{}

	if status != "" {
		sql = `SELECT * FROM transfer WHERE status = $status ORDER BY group_name`
		vars["status"] = string(status)
	}

	results, err := surrealdb.Query[[]transferRow](ctx, r.client.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	rows := (*results)[0].Result
	records := make([]storage.TransferRecord, 0, len(rows))

	for _, row := range rows {
		records = append(records, row.record())
	}

	return records, nil
}

// History returns the upsert history of group, oldest first.
func (r *Recorder) History(ctx context.Context, group string) ([]storage.TransferEvent, error) {
	results, err := surrealdb.Query[[]transferRow](ctx, r.client.db,
		`SELECT * FROM transfer_event WHERE group_name = $group ORDER BY recorded_at ASC`,
		map[string]any{"group": group})
	if err != nil {
		return nil, fmt.Errorf("transfer history: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	events := make([]storage.TransferEvent, 0, len((*results)[0].Result))

	for _, row := range (*results)[0].Result {
		events = append(events, storage.TransferEvent{TransferRecord: row.record(), RecordedAt: row.RecordedAt})
	}

	return events, nil
}

// Close closes the SurrealDB connection.
func (r *Recorder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.client.close(ctx)
}

func mergeFields(rec storage.TransferRecord) map[string]any {
	data := map[string]any{
		"group_name": rec.GroupName,
		"status":     string(rec.Status),
		"byte_size":  rec.ByteSize,
		"updated_at": rec.UpdatedAt,
	}

	setString := func(key, value string) {
		if value != "" {
			data[key] = value
		}
	}

	setString("source_url", rec.SourceURL)
	setString("relay_key", rec.RelayKey)
	setString("run_id", rec.RunID)

	if !rec.StartTime.IsZero() {
		data["start_time"] = rec.StartTime.UTC()
	}

	switch {
	case rec.Status == transfer.StatusPending:
		data["end_time"] = nil
	case !rec.EndTime.IsZero():
		data["end_time"] = rec.EndTime.UTC()
	}

	if rec.Status == transfer.StatusFailed {
		data["error_message"] = rec.ErrorMessage
		data["error_kind"] = rec.ErrorKind
	} else {
		data["error_message"] = ""
		data["error_kind"] = ""
	}

	return data
}

func eventFields(rec storage.TransferRecord) map[string]any {
	return map[string]any{
		"group_name":    rec.GroupName,
		"source_url":    rec.SourceURL,
		"relay_key":     rec.RelayKey,
		"status":        string(rec.Status),
		"byte_size":     rec.ByteSize,
		"error_message": rec.ErrorMessage,
		"error_kind":    rec.ErrorKind,
		"run_id":        rec.RunID,
		"recorded_at":   rec.UpdatedAt.UTC(),
	}
}
