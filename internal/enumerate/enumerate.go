// Package enumerate produces the work items a run moves through the pipeline.
package enumerate

import (
	"context"
	"net/http"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// Enumerator lists the work items of a run. Item IDs are unique and increasing
// within one call.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]*transfer.WorkItem, error)
}

const defaultHTTPTimeout = 60 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   defaultHTTPTimeout,
	}
}

// builder allocates item IDs and fills in default destination keys.
type builder struct {
	keyPrefix string
	next      int64
	items     []*transfer.WorkItem
}

func newBuilder(keyPrefix string) *builder {
	return &builder{keyPrefix: keyPrefix}
}

// add appends an item. Sources without a key are stored under KeyPrefix/group/<file name>.
func (b *builder) add(group string, sources ...transfer.Source) {
	if len(sources) == 0 {
		return
	}

	srcs := make([]transfer.Source, len(sources))

	for i, src := range sources {
		if src.Key == "" {
			src.Key = DefaultKey(b.keyPrefix, group, src.URL)
		}

		srcs[i] = src
	}

	b.next++
	b.items = append(b.items, &transfer.WorkItem{
		ID:      b.next,
		Group:   group,
		Sources: srcs,
	})
}

func (b *builder) result() []*transfer.WorkItem {
	return b.items
}

// DefaultKey is the destination key of a source that did not set one.
func DefaultKey(keyPrefix, group, rawURL string) string {
	return path.Join(keyPrefix, group, transfer.FileName(rawURL))
}

// groupFromURL names an item after the last path segment of its URL.
func groupFromURL(rawURL string) string {
	return transfer.FileName(rawURL)
}
