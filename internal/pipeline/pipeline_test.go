package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/dataset_relay/internal/fetch"
	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/objectstore/blobstore"
	"github.com/italolelis/dataset_relay/internal/relay"
	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/storage/sqlite"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

type env struct {
	store    objectstore.Store
	recorder *sqlite.Recorder
	staging  string
	hits     *atomic.Int32
	server   *httptest.Server
}

var _ storage.Recorder = (*sqlite.Recorder)(nil)

func newEnv(t *testing.T) *env {
	t.Helper()

	hits := &atomic.Int32{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	rec, err := sqlite.Open(filepath.Join(t.TempDir(), "transfers.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	store := blobstore.New(memblob.OpenBucket(nil))
	t.Cleanup(func() { store.Close() })

	return &env{
		store:    store,
		recorder: rec,
		staging:  t.TempDir(),
		hits:     hits,
		server:   srv,
	}
}

func (e *env) driver(fetcher transfer.Fetcher, opts Options) *Driver {
	opts.StagingDir = e.staging
	if opts.RunID == "" {
		opts.RunID = "run-test"
	}

	return New(fetcher, relay.New(e.store), e.recorder, opts)
}

func fastFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Options{
		Policy:   fetch.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Timeout: 2 * time.Second},
		Fallback: &http.Client{Timeout: 2 * time.Second},
	})
}

func unreachableURL(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	return u
}

func item(id int64, group string, urls ...string) *transfer.WorkItem {
	sources := make([]transfer.Source, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, transfer.Source{URL: u, Key: "out/" + group + "/" + transfer.FileName(u)})
	}

	return &transfer.WorkItem{ID: id, Group: group, Sources: sources}
}

func stagedFiles(t *testing.T, dir string) []string {
	t.Helper()

	var files []string

	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			files = append(files, path)
		}

		return nil
	}))

	return files
}

func TestRun_RelayedFilesAreRemovedFromStaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	summary, err := e.driver(fastFetcher(), Options{Workers: 2}).Run(ctx, []*transfer.WorkItem{
		item(1, "a", e.server.URL+"/a.bin"),
	})
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Succeeded)
	assert.Positive(t, summary.Bytes)

	assert.Empty(t, stagedFiles(t, e.staging))

	exists, err := e.store.Exists(ctx, "out/a/a.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	rec, err := e.recorder.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusSuccess, rec.Status)
	assert.Equal(t, summary.Bytes, rec.ByteSize)
	assert.Equal(t, "run-test", rec.RunID)
	assert.False(t, rec.StartTime.IsZero(), "the pending write keeps its start time")
	assert.False(t, rec.EndTime.IsZero())
}

func TestRun_UnreachableSourceIsRecordedAsFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	summary, err := e.driver(fastFetcher(), Options{}).Run(ctx, []*transfer.WorkItem{
		item(1, "gone", unreachableURL(t)+"/file.pdf"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.ErrorIs(t, summary.Err(), transfer.ErrItemsFailed)

	rec, err := e.recorder.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Equal(t, "transient", rec.ErrorKind)

	assert.Empty(t, stagedFiles(t, e.staging), "no staged file may survive a failed fetch")
}

func TestRun_ExistingDestinationSkipsFetch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	it := item(1, "present", e.server.URL+"/present.bin")
	require.NoError(t, e.store.Put(ctx, it.Sources[0].Key, strings.NewReader("old"), 3))

	summary, err := e.driver(fastFetcher(), Options{}).Run(ctx, []*transfer.WorkItem{it})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.NoError(t, summary.Err())
	assert.Equal(t, int32(0), e.hits.Load(), "no fetch call for an existing destination")

	rec, err := e.recorder.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusSkipped, rec.Status)
}

func TestRun_SecondRunRecordReflectsOnlyLatestAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	it := item(1, "retry", unreachableURL(t)+"/book.pdf")

	_, err := e.driver(fastFetcher(), Options{RunID: "run-1"}).Run(ctx, []*transfer.WorkItem{it})
	require.NoError(t, err)

	first, err := e.recorder.Get(ctx, "retry")
	require.NoError(t, err)
	require.Equal(t, transfer.StatusFailed, first.Status)
	require.Equal(t, "transient", first.ErrorKind)

	require.NoError(t, e.store.Put(ctx, it.Sources[0].Key, strings.NewReader("pdf"), 3))

	summary, err := e.driver(fastFetcher(), Options{RunID: "run-2"}).Run(ctx, []*transfer.WorkItem{it})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	got, err := e.recorder.Get(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusSkipped, got.Status)
	assert.Equal(t, "run-2", got.RunID)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.ErrorKind)
	assert.False(t, got.StartTime.Before(first.EndTime), "start time comes from the second run")
	assert.False(t, got.EndTime.Before(got.StartTime))
}

func TestRun_MixedOutcomes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dead := unreachableURL(t)

	items := []*transfer.WorkItem{
		item(1, "ok-1", e.server.URL+"/1.bin"),
		item(2, "bad-1", dead+"/2.bin"),
		item(3, "ok-2", e.server.URL+"/3.bin"),
		item(4, "bad-2", dead+"/4.bin"),
		item(5, "ok-3", e.server.URL+"/5.bin"),
	}

	var (
		mu       sync.Mutex
		outcomes []transfer.Outcome
	)

	summary, err := e.driver(fastFetcher(), Options{
		Workers: 3,
		OnOutcome: func(o transfer.Outcome) {
			mu.Lock()
			defer mu.Unlock()

			outcomes = append(outcomes, o)
		},
	}).Run(ctx, items)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	require.ErrorIs(t, summary.Err(), transfer.ErrItemsFailed)
	assert.Len(t, outcomes, 5)

	all, err := e.recorder.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	success, err := e.recorder.List(ctx, transfer.StatusSuccess)
	require.NoError(t, err)
	assert.Len(t, success, 3)

	failed, err := e.recorder.List(ctx, transfer.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestRun_MultiSourceItemRecordsPerFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	it := item(7, "book", e.server.URL+"/vol1.pdf", unreachableURL(t)+"/vol2.pdf")

	summary, err := e.driver(fastFetcher(), Options{}).Run(ctx, []*transfer.WorkItem{it})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed, "an item with a failed file is failed")

	vol1, err := e.recorder.Get(ctx, "book/vol1.pdf")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusSuccess, vol1.Status)

	vol2, err := e.recorder.Get(ctx, "book/vol2.pdf")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, vol2.Status)
}

func TestRun_LongFileNameIsTruncated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	long := strings.Repeat("x", 300) + ".bin"

	var staged string

	fetcher := fetcherFunc(func(ctx context.Context, rawURL, dir string) (*transfer.FetchResult, error) {
		res, err := fastFetcher().Fetch(ctx, rawURL, dir)
		if err == nil {
			staged = filepath.Base(res.Path)
		}

		return res, err
	})

	it := &transfer.WorkItem{ID: 1, Group: "long", Sources: []transfer.Source{{URL: e.server.URL + "/" + long, Key: "out/long.bin"}}}

	summary, err := e.driver(fetcher, Options{}).Run(ctx, []*transfer.WorkItem{it})
	require.NoError(t, err)
	assert.NoError(t, summary.Err())
	assert.Len(t, []rune(staged), transfer.MaxFileNameLength)
}

type fetcherFunc func(ctx context.Context, rawURL, dir string) (*transfer.FetchResult, error)

func (f fetcherFunc) Fetch(ctx context.Context, rawURL, dir string) (*transfer.FetchResult, error) {
	return f(ctx, rawURL, dir)
}

func TestRun_RecoversFromPanics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "pipeline_test"})
	require.NoError(t, err)

	defer tel.Shutdown(ctx)

	fetcher := fetcherFunc(func(_ context.Context, rawURL, _ string) (*transfer.FetchResult, error) {
		panic("boom: " + rawURL)
	})

	summary, err := e.driver(fetcher, Options{Workers: 2, Telemetry: tel}).Run(ctx, []*transfer.WorkItem{
		item(1, "p1", e.server.URL+"/1"),
		item(2, "p2", e.server.URL+"/2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed)

	rec, err := e.recorder.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.Equal(t, "panic", rec.ErrorKind)
	assert.Empty(t, stagedFiles(t, e.staging))

	metrics := httptest.NewRecorder()
	tel.Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := metrics.Body.String()
	assert.Contains(t, body, `status="failed"`)
	assert.NotContains(t, body, `status=""`)
}

func TestRun_CanceledContextStopsScheduling(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := e.driver(fastFetcher(), Options{}).Run(ctx, []*transfer.WorkItem{
		item(1, "c1", e.server.URL+"/1"),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, int32(0), e.hits.Load())
}

func TestSummary_Err(t *testing.T) {
	assert.NoError(t, Summary{Total: 3, Succeeded: 2, Skipped: 1}.Err())
	assert.ErrorIs(t, Summary{Total: 3, Failed: 1}.Err(), transfer.ErrItemsFailed)
}

func TestRun_RecorderFailureDoesNotFailItem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.recorder.Close())

	summary, err := New(fastFetcher(), relay.New(e.store), e.recorder, Options{StagingDir: e.staging}).Run(ctx, []*transfer.WorkItem{
		item(1, "a", e.server.URL+"/a.bin"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}
