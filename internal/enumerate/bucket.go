package enumerate

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// BucketListing emits one item per object under Prefix in a source store whose key ends
// with Suffix. Objects are fetched from BaseURL/<key>, so the source bucket must be
// readable over HTTP. Items already present in the destination are still emitted.
type BucketListing struct {
	Store     objectstore.Store
	Prefix    string
	Suffix    string
	BaseURL   string
	KeyPrefix string
}

// Enumerate implements Enumerator.
func (l *BucketListing) Enumerate(ctx context.Context) ([]*transfer.WorkItem, error) {
	if l.BaseURL == "" {
		return nil, fmt.Errorf("bucket listing needs a base url to fetch objects from")
	}

	objects, err := l.Store.List(ctx, l.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list source bucket: %w", err)
	}

	base := strings.TrimSuffix(l.BaseURL, "/")
	b := newBuilder(l.KeyPrefix)

	for _, obj := range objects {
		if l.Suffix != "" && !strings.HasSuffix(obj.Key, l.Suffix) {
			continue
		}

		b.add(obj.Key, transfer.Source{
			URL: base + "/" + pathEscapeAll(obj.Key),
			Key: path.Join(l.KeyPrefix, obj.Key),
		})
	}

	return b.result(), nil
}
