package enumerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// DefaultHFEndpoint is the HuggingFace Hub.
const DefaultHFEndpoint = "https://huggingface.co"

// hfNode is an entry of the HuggingFace tree API.
type hfNode struct {
	Type string `json:"type"` // "file"|"directory" (sometimes "blob"|"tree")
	Path string `json:"path"`
}

// HFTree walks a HuggingFace model or dataset repository and emits one item per file,
// keyed KeyPrefix/<repo>/<path in repo>.
type HFTree struct {
	Endpoint  string
	Repo      string
	Revision  string
	Dataset   bool
	Prefix    string
	Token     string
	KeyPrefix string
	Client    *http.Client
}

// Enumerate implements Enumerator.
func (h *HFTree) Enumerate(ctx context.Context) ([]*transfer.WorkItem, error) {
	if h.Repo == "" {
		return nil, fmt.Errorf("huggingface repo is required")
	}

	client := h.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	b := newBuilder(h.KeyPrefix)

	err := h.walk(ctx, client, strings.Trim(h.Prefix, "/"), func(n hfNode) {
		b.add(path.Join(h.Repo, n.Path), transfer.Source{
			URL: h.resolveURL(n.Path),
			Key: path.Join(h.KeyPrefix, h.Repo, n.Path),
		})
	})
	if err != nil {
		return nil, err
	}

	return b.result(), nil
}

func (h *HFTree) walk(ctx context.Context, client *http.Client, prefix string, fn func(hfNode)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.treeURL(prefix), nil)
	if err != nil {
		return err
	}

	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("401 unauthorized: repo %s requires a token", h.Repo)
	case http.StatusForbidden:
		return fmt.Errorf("403 forbidden: accept the terms of repo %s first", h.Repo)
	default:
		return fmt.Errorf("tree API failed: %s", resp.Status)
	}

	var nodes []hfNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return fmt.Errorf("decode tree: %w", err)
	}

	for _, n := range nodes {
		switch n.Type {
		case "directory", "tree":
			if err := h.walk(ctx, client, n.Path, fn); err != nil {
				return err
			}
		case "file", "blob":
			fn(n)
		}
	}

	return nil
}

func (h *HFTree) endpoint() string {
	if h.Endpoint == "" {
		return DefaultHFEndpoint
	}

	return strings.TrimSuffix(h.Endpoint, "/")
}

func (h *HFTree) revision() string {
	if h.Revision == "" {
		return "main"
	}

	return h.Revision
}

func (h *HFTree) treeURL(prefix string) string {
	kind := "models"
	if h.Dataset {
		kind = "datasets"
	}

	u := fmt.Sprintf("%s/api/%s/%s/tree/%s", h.endpoint(), kind, h.Repo, url.PathEscape(h.revision()))
	if prefix != "" {
		u += "/" + pathEscapeAll(prefix)
	}

	return u
}

func (h *HFTree) resolveURL(p string) string {
	repo := h.Repo
	if h.Dataset {
		repo = "datasets/" + repo
	}

	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint(), repo, url.PathEscape(h.revision()), pathEscapeAll(p))
}

// pathEscapeAll escapes each segment and keeps the slashes.
func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}

	return strings.Join(segs, "/")
}
