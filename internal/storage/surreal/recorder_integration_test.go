//go:build integration

package surreal

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

var testRecorder *Recorder

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}

	if host == "" || host == "null" {
		host = "localhost"
	}

	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testRecorder, err = Open(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, true, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	code := m.Run()

	_ = testRecorder.Close()
	_ = container.Terminate(ctx)

	os.Exit(code)
}

func TestRecorder_LifecycleMerge(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, testRecorder.Upsert(ctx, storage.TransferRecord{
		GroupName: "surreal/lifecycle",
		SourceURL: "https://example.com/a.bin",
		RelayKey:  "surreal/lifecycle/a.bin",
		Status:    transfer.StatusPending,
		StartTime: start,
		RunID:     "run-1",
	}))

	require.NoError(t, testRecorder.Upsert(ctx, storage.TransferRecord{
		GroupName:    "surreal/lifecycle",
		Status:       transfer.StatusFailed,
		ErrorMessage: "connection reset",
		ErrorKind:    "transient",
	}))

	got, err := testRecorder.Get(ctx, "surreal/lifecycle")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, got.Status)
	assert.Equal(t, "https://example.com/a.bin", got.SourceURL)
	assert.Equal(t, "connection reset", got.ErrorMessage)

	require.NoError(t, testRecorder.Upsert(ctx, storage.TransferRecord{
		GroupName: "surreal/lifecycle",
		Status:    transfer.StatusSuccess,
		ByteSize:  42,
	}))

	got, err = testRecorder.Get(ctx, "surreal/lifecycle")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusSuccess, got.Status)
	assert.Equal(t, int64(42), got.ByteSize)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "run-1", got.RunID)

	events, err := testRecorder.History(ctx, "surreal/lifecycle")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	success, err := testRecorder.List(ctx, transfer.StatusSuccess)
	require.NoError(t, err)
	assert.NotEmpty(t, success)
}

func TestRecorder_GetMissing(t *testing.T) {
	_, err := testRecorder.Get(context.Background(), "surreal/missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecorder_ConcurrentUpsertsKeepOneRecord(t *testing.T) {
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			assert.NoError(t, testRecorder.Upsert(ctx, storage.TransferRecord{
				GroupName: "surreal/shared",
				Status:    transfer.StatusSuccess,
				RunID:     fmt.Sprintf("run-%d", i),
			}))
		}(i)
	}

	wg.Wait()

	all, err := testRecorder.List(ctx, "")
	require.NoError(t, err)

	count := 0

	for _, rec := range all {
		if rec.GroupName == "surreal/shared" {
			count++
		}
	}

	assert.Equal(t, 1, count)
}
