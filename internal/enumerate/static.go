package enumerate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// Manifest is the YAML document read by Static.
//
//	key_prefix: datasets/books
//	items:
//	  - group: item-1
//	    sources:
//	      - url: https://example.com/a.pdf
//	urls:
//	  - https://example.com/b.pdf
type Manifest struct {
	KeyPrefix string              `yaml:"key_prefix"`
	Items     []transfer.WorkItem `yaml:"items"`
	URLs      []string            `yaml:"urls"`
}

// Static emits items from a YAML manifest file and/or a literal URL list.
type Static struct {
	Path      string
	URLs      []string
	KeyPrefix string
}

// Enumerate implements Enumerator.
func (s *Static) Enumerate(_ context.Context) ([]*transfer.WorkItem, error) {
	var m Manifest

	if s.Path != "" {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	}

	keyPrefix := s.KeyPrefix
	if m.KeyPrefix != "" {
		keyPrefix = m.KeyPrefix
	}

	b := newBuilder(keyPrefix)

	for i, item := range m.Items {
		if item.Group == "" {
			return nil, fmt.Errorf("manifest item %d: %w", i, errMissingGroup)
		}

		b.add(item.Group, item.Sources...)
	}

	for _, u := range append(m.URLs, s.URLs...) {
		b.add(groupFromURL(u), transfer.Source{URL: u})
	}

	return b.result(), nil
}

var errMissingGroup = errors.New("group is required")
