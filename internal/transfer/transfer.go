package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// MaxFileNameLength is the longest staged file name, in characters.
const MaxFileNameLength = 255

// Status is the state of a single transfer as written to the status store.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Fetcher retrieves the bytes behind a URL into a local directory.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir string) (*FetchResult, error)
}

// FetchResult describes a file staged on local disk by a Fetcher.
type FetchResult struct {
	Path      string
	Size      int64
	Transport string // "primary" or "fallback"
	Attempts  int
}

// Source is one remote file and the object-store key it is relayed to.
type Source struct {
	URL string `yaml:"url"`
	Key string `yaml:"key,omitempty"`
}

// WorkItem is one logical unit to download. Items are produced by an enumerator
// and never modified afterwards.
type WorkItem struct {
	ID      int64    `yaml:"-"`
	Group   string   `yaml:"group"`
	Sources []Source `yaml:"sources"`
}

// RecordKey returns the status record key for one of the item's sources. Items
// with a single source record under their group name; multi-file items keep one
// record per file.
func (w *WorkItem) RecordKey(src Source) string {
	if len(w.Sources) <= 1 {
		return w.Group
	}

	name := path.Base(src.Key)
	if src.Key == "" {
		name = FileName(src.URL)
	}

	return w.Group + "/" + name
}

// FileOutcome is the result of moving one source through fetch, relay and record.
type FileOutcome struct {
	Source Source
	Status Status
	Bytes  int64
	Err    error
}

// Outcome aggregates the per-file results of a work item.
type Outcome struct {
	Item  *WorkItem
	Files []FileOutcome
}

// Status reports failed if any file failed, skipped if every file was skipped
// and success otherwise.
func (o *Outcome) Status() Status {
	if len(o.Files) == 0 {
		return StatusFailed
	}

	skipped := 0

	for _, f := range o.Files {
		switch f.Status {
		case StatusFailed, StatusPending:
			return StatusFailed
		case StatusSkipped:
			skipped++
		}
	}

	if skipped == len(o.Files) {
		return StatusSkipped
	}

	return StatusSuccess
}

// Bytes is the number of bytes relayed for the item.
func (o *Outcome) Bytes() int64 {
	var total int64
	for _, f := range o.Files {
		total += f.Bytes
	}

	return total
}

// Err returns the first file error, if any.
func (o *Outcome) Err() error {
	for _, f := range o.Files {
		if f.Err != nil {
			return f.Err
		}
	}

	return nil
}

// FileName derives the local file name from the last path segment of a URL,
// truncated to MaxFileNameLength characters. URLs without a usable segment are
// named after the SHA-1 of the URL.
func FileName(rawURL string) string {
	var name string

	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	} else {
		trimmed := rawURL
		if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
			trimmed = trimmed[:i]
		}

		name = path.Base(trimmed)
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		sum := sha1.Sum([]byte(rawURL))
		name = hex.EncodeToString(sum[:])
	}

	if runes := []rune(name); len(runes) > MaxFileNameLength {
		name = string(runes[:MaxFileNameLength])
	}

	return name
}

// URLHash is a short stable identifier for a URL, used to namespace staging paths.
func URLHash(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))

	return hex.EncodeToString(sum[:4])
}
