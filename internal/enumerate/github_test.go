package enumerate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

func readCheckpoint(t *testing.T, path string) Checkpoint {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cp Checkpoint
	require.NoError(t, yaml.Unmarshal(data, &cp))

	return cp
}

func TestGitHubSearch_CollectsRepositories(t *testing.T) {
	var auth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))

		q := r.URL.Query().Get("q")

		var resp searchResponse

		switch {
		case strings.HasPrefix(q, "size:0..10 "):
			resp = searchResponse{TotalCount: 2, Items: []GitHubRepo{
				{Name: "acme/one", Stars: 150, Language: "Go"},
				{Name: "acme/two", Stars: 300, Language: "Rust"},
			}}
		case strings.HasPrefix(q, "size:11..21 "):
			resp = searchResponse{TotalCount: 1, Items: []GitHubRepo{{Name: "acme/one", Stars: 150}}}
		}

		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	checkpoint := filepath.Join(t.TempDir(), "checkpoint.yaml")

	g := &GitHubSearch{
		BaseURL:        srv.URL,
		Token:          "ghp_test",
		CheckpointPath: checkpoint,
		MaxSize:        30,
		KeyPrefix:      "github",
		Client:         srv.Client(),
	}

	items, err := g.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2, "duplicate repositories are collected once")

	assert.Equal(t, "Bearer ghp_test", auth.Load())
	assert.Equal(t, "acme/one", items[0].Group)
	assert.Equal(t, srv.URL+"/repos/acme/one/zipball", items[0].Sources[0].URL)
	assert.Equal(t, "github/acme/two.zip", items[1].Sources[0].Key)

	cp := readCheckpoint(t, checkpoint)
	assert.GreaterOrEqual(t, cp.Lower, 30)
	assert.Len(t, cp.Repos, 2)
}

func TestGitHubSearch_RateLimitSavesCheckpoint(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			json.NewEncoder(w).Encode(searchResponse{TotalCount: 1, Items: []GitHubRepo{{Name: "acme/one"}}})

			return
		}

		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	checkpoint := filepath.Join(t.TempDir(), "checkpoint.yaml")

	g := &GitHubSearch{BaseURL: srv.URL, CheckpointPath: checkpoint, Client: srv.Client()}

	_, err := g.Enumerate(context.Background())
	require.ErrorIs(t, err, transfer.ErrRateLimited)

	cp := readCheckpoint(t, checkpoint)
	assert.Equal(t, 11, cp.Lower, "the checkpoint resumes at the range that hit the limit")
	assert.Equal(t, 21, cp.Upper)
	require.Len(t, cp.Repos, 1)
	assert.Equal(t, "acme/one", cp.Repos[0].Name)
}

func TestGitHubSearch_UnprocessableEndsScan(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	items, err := (&GitHubSearch{BaseURL: srv.URL, Client: srv.Client()}).Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitHubSearch_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	checkpoint := filepath.Join(t.TempDir(), "checkpoint.yaml")

	_, err := (&GitHubSearch{BaseURL: srv.URL, CheckpointPath: checkpoint, Client: srv.Client()}).Enumerate(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, transfer.ErrRateLimited)
	assert.FileExists(t, checkpoint)
}

func TestGitHubSearch_CompletedCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("a completed checkpoint must not query the API")
	}))
	defer srv.Close()

	checkpoint := filepath.Join(t.TempDir(), "checkpoint.yaml")
	require.NoError(t, os.WriteFile(checkpoint, []byte(
		"lower: 101\nupper: 100\nrepos:\n  - name: acme/done\n    stars: 500\n",
	), 0o644))

	items, err := (&GitHubSearch{BaseURL: srv.URL, CheckpointPath: checkpoint, Client: srv.Client()}).Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "acme/done", items[0].Group)
}
