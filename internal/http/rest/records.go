package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// RecordsHandler exposes the transfer records of the status store.
type RecordsHandler struct {
	recorder storage.Recorder
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(recorder storage.Recorder) *RecordsHandler {
	return &RecordsHandler{recorder: recorder}
}

// Routes mounts the handlers. Group names may contain slashes, so they are matched
// with a wildcard.
func (h *RecordsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Get("/records", h.HandleList)
	r.Get("/records/*", h.HandleGet)
	r.Get("/history/*", h.HandleHistory)

	return r
}

// HandleHealth reports that the process is serving.
func (h *RecordsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleList returns every record, or those with the status given in ?status=.
func (h *RecordsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	status := transfer.Status(r.URL.Query().Get("status"))

	switch status {
	case "", transfer.StatusPending, transfer.StatusSuccess, transfer.StatusFailed, transfer.StatusSkipped:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)

		return
	}

	records, err := h.recorder.List(r.Context(), status)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to list records", "status", status, "err", err)
		http.Error(w, "failed to list records", http.StatusInternalServerError)

		return
	}

	if records == nil {
		records = []storage.TransferRecord{}
	}

	writeJSON(w, r, http.StatusOK, records)
}

// HandleGet returns the record of one group.
func (h *RecordsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	group := chi.URLParam(r, "*")
	if group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)

		return
	}

	rec, err := h.recorder.Get(r.Context(), group)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)

		return
	}

	if err != nil {
		logger.ErrorContext(r.Context(), "failed to get record", "group", group, "err", err)
		http.Error(w, "failed to get record", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

// HandleHistory returns the upsert history of one group when the store keeps one.
func (h *RecordsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	hr, ok := h.recorder.(storage.HistoryReader)
	if !ok {
		http.Error(w, "history is not available", http.StatusNotImplemented)

		return
	}

	group := chi.URLParam(r, "*")

	events, err := hr.History(r.Context(), group)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to read history", "group", group, "err", err)
		http.Error(w, "failed to read history", http.StatusInternalServerError)

		return
	}

	if events == nil {
		events = []storage.TransferEvent{}
	}

	writeJSON(w, r, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
