package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

func TestStore_MemBucket(t *testing.T) {
	ctx := context.Background()
	store := New(memblob.OpenBucket(nil))

	defer store.Close()

	exists, err := store.Exists(ctx, "hf/model/config.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Put(ctx, "hf/model/config.json", strings.NewReader("{}"), 2))
	require.NoError(t, store.Put(ctx, "hf/model/weights.bin", strings.NewReader("0101"), 4))
	require.NoError(t, store.Put(ctx, "other/readme.md", strings.NewReader("#"), 1))

	exists, err = store.Exists(ctx, "hf/model/config.json")
	require.NoError(t, err)
	assert.True(t, exists)

	objects, err := store.List(ctx, "hf/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "hf/model/config.json", objects[0].Key)
	assert.Equal(t, int64(4), objects[1].Size)

	require.NoError(t, store.Delete(ctx, "hf/model/config.json"))
	require.NoError(t, store.Delete(ctx, "hf/model/config.json"), "deleting a missing key is not an error")

	exists, err = store.Exists(ctx, "hf/model/config.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpen_FileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, "file://"+filepath.ToSlash(dir))
	require.NoError(t, err)

	defer store.Close()

	require.NoError(t, store.Put(ctx, "archive/item/book.pdf", strings.NewReader("pdf"), 3))

	data, err := os.ReadFile(filepath.Join(dir, "archive", "item", "book.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))
}

func TestOpen_UnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "nope://bucket")
	require.Error(t, err)
}

func TestInstrumentedStore_Delegates(t *testing.T) {
	ctx := context.Background()
	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "blobstore_test"})
	require.NoError(t, err)

	defer tel.Shutdown(ctx)

	var store objectstore.Store = objectstore.NewInstrumentedStore(New(memblob.OpenBucket(nil)), tel, "blob")
	defer store.Close()

	require.NoError(t, store.Put(ctx, "a", strings.NewReader("abc"), 3))

	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	objects, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	require.NoError(t, store.Delete(ctx, "a"))
}

func TestPut_SniffsContentType(t *testing.T) {
	ctx := context.Background()
	bkt := memblob.OpenBucket(nil)
	store := New(bkt)

	defer store.Close()

	require.NoError(t, store.Put(ctx, "empty.bin", strings.NewReader(""), 0))
	require.NoError(t, store.Put(ctx, "page.html", strings.NewReader("<html><body>hi</body></html>"), 28))

	attrs, err := bkt.Attributes(ctx, "page.html")
	require.NoError(t, err)
	assert.Contains(t, attrs.ContentType, "text/html")

	attrs, err = bkt.Attributes(ctx, "empty.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), attrs.Size)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestPut_ReaderErrorLeavesNoObject(t *testing.T) {
	ctx := context.Background()
	store := New(memblob.OpenBucket(nil))

	defer store.Close()

	err := store.Put(ctx, "broken.bin", failingReader{}, 10)
	require.Error(t, err)
	assert.Equal(t, "store", transfer.KindOf(err))

	exists, err := store.Exists(ctx, "broken.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}
