package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/storage/sqlite"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Recorder) {
	t.Helper()

	rec, err := sqlite.Open(filepath.Join(t.TempDir(), "transfers.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	ctx := context.Background()
	require.NoError(t, rec.Upsert(ctx, storage.TransferRecord{GroupName: "book/vol1.pdf", Status: transfer.StatusSuccess, ByteSize: 10}))
	require.NoError(t, rec.Upsert(ctx, storage.TransferRecord{GroupName: "book/vol2.pdf", Status: transfer.StatusFailed, ErrorMessage: "404"}))

	srv := httptest.NewServer(NewRecordsHandler(rec).Routes())
	t.Cleanup(srv.Close)

	return srv, rec
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && v != nil {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

func TestRecordsHandler_Get(t *testing.T) {
	srv, _ := newTestServer(t)

	var rec storage.TransferRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/records/book/vol1.pdf", &rec))
	assert.Equal(t, "book/vol1.pdf", rec.GroupName)
	assert.Equal(t, transfer.StatusSuccess, rec.Status)
	assert.Equal(t, int64(10), rec.ByteSize)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/records/missing", nil))
}

func TestRecordsHandler_List(t *testing.T) {
	srv, _ := newTestServer(t)

	var all []storage.TransferRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/records", &all))
	assert.Len(t, all, 2)

	var failed []storage.TransferRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/records?status=failed", &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "404", failed[0].ErrorMessage)

	var skipped []storage.TransferRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/records?status=skipped", &skipped))
	assert.Empty(t, skipped)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/records?status=weird", nil))
}

func TestRecordsHandler_History(t *testing.T) {
	srv, _ := newTestServer(t)

	var events []storage.TransferEvent
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/history/book/vol2.pdf", &events))
	require.Len(t, events, 1)
	assert.Equal(t, transfer.StatusFailed, events[0].Status)
}

func TestRecordsHandler_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}
