package enumerate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

const (
	DefaultGitHubAPI = "https://api.github.com"

	defaultMinStars      = 100
	defaultMaxSize       = 100
	defaultSizeStep      = 10
	defaultMaxRepos      = 10
	defaultPerPage       = 10
	defaultMaxPages      = 2
	defaultRequestBudget = 30
	defaultBudgetPause   = 60 * time.Second

	maxSearchPages = 10
)

// GitHubRepo is a repository found by the search.
type GitHubRepo struct {
	Name     string `yaml:"name" json:"full_name"`
	Stars    int    `yaml:"stars" json:"stargazers_count"`
	Language string `yaml:"language" json:"language"`
}

// Checkpoint is the resumable state of a GitHub search, persisted as YAML.
type Checkpoint struct {
	Lower int          `yaml:"lower"`
	Upper int          `yaml:"upper"`
	Repos []GitHubRepo `yaml:"repos"`
}

// GitHubSearch walks the repository search API over size ranges (size:lo..hi stars:>MinStars)
// and emits the zipball of every repository it finds. Progress is kept in a checkpoint file;
// a rate limit or unexpected response saves the checkpoint and aborts the scan.
type GitHubSearch struct {
	BaseURL        string
	Token          string
	CheckpointPath string
	MinStars       int
	MaxSize        int
	Step           int
	MaxRepos       int
	PerPage        int
	MaxPages       int
	// RequestBudget requests are sent before the search pauses for BudgetPause.
	RequestBudget int
	BudgetPause   time.Duration
	KeyPrefix     string
	Client        *http.Client
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []GitHubRepo `json:"items"`
}

// errRangeRejected is GitHub's 422 for a query it will not serve; it ends the scan.
var errRangeRejected = errors.New("search range rejected")

type githubScan struct {
	*GitHubSearch

	client    *http.Client
	cp        *Checkpoint
	seen      map[string]struct{}
	remaining int
}

// Enumerate implements Enumerator.
func (g *GitHubSearch) Enumerate(ctx context.Context) ([]*transfer.WorkItem, error) {
	logger := logctx.LoggerFromContext(ctx)

	cp, err := g.loadCheckpoint()
	if err != nil {
		return nil, err
	}

	if cp.Lower >= g.maxSize() {
		logger.InfoContext(ctx, "github checkpoint already covers the full size range", "checkpoint", g.CheckpointPath, "repos", len(cp.Repos))

		return g.items(cp.Repos), nil
	}

	s := &githubScan{
		GitHubSearch: g,
		client:       g.httpClient(ctx),
		cp:           cp,
		seen:         make(map[string]struct{}, len(cp.Repos)),
		remaining:    g.requestBudget(),
	}

	for _, r := range cp.Repos {
		s.seen[r.Name] = struct{}{}
	}

	if err := s.run(ctx); err != nil {
		return nil, err
	}

	if err := g.saveCheckpoint(cp); err != nil {
		return nil, err
	}

	return g.items(cp.Repos), nil
}

func (s *githubScan) run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	maxSize := s.maxSize()

	for s.cp.Lower < maxSize && len(s.cp.Repos) < s.maxRepos() {
		upper := max(s.cp.Lower+1, min(maxSize, s.cp.Lower+s.step()))
		s.cp.Upper = upper

		logger.DebugContext(ctx, "querying github size range", "lower", s.cp.Lower, "upper", upper)

		first, err := s.search(ctx, s.cp.Lower, upper, 1)
		if errors.Is(err, errRangeRejected) {
			return nil
		}

		if err != nil {
			return err
		}

		if first.TotalCount > 0 {
			if err := s.collectRange(ctx, s.cp.Lower, upper, first); err != nil {
				if errors.Is(err, errRangeRejected) {
					return nil
				}

				return err
			}

			logger.InfoContext(ctx, "collected github repositories", "lower", s.cp.Lower, "upper", upper, "total", len(s.cp.Repos))
		}

		s.cp.Lower = upper + 1
	}

	return nil
}

func (s *githubScan) collectRange(ctx context.Context, lower, upper int, first *searchResponse) error {
	pages := min((first.TotalCount+s.perPage()-1)/s.perPage(), maxSearchPages, s.maxPages())
	resp := first

	for page := 1; ; page++ {
		for _, r := range resp.Items {
			if _, ok := s.seen[r.Name]; !ok {
				s.seen[r.Name] = struct{}{}
				s.cp.Repos = append(s.cp.Repos, r)
			}

			if len(s.cp.Repos) >= s.maxRepos() {
				return nil
			}
		}

		if page >= pages {
			return nil
		}

		next, err := s.search(ctx, lower, upper, page+1)
		if err != nil {
			return err
		}

		resp = next
	}
}

func (s *githubScan) search(ctx context.Context, lower, upper, page int) (*searchResponse, error) {
	if err := s.spend(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", fmt.Sprintf("size:%d..%d stars:>%d", lower, upper, s.minStars()))
	q.Set("per_page", fmt.Sprint(s.perPage()))
	q.Set("page", fmt.Sprint(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL()+"/search/repositories?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.abort(ctx, fmt.Errorf("github search request: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, s.abort(ctx, fmt.Errorf("%w: github search returned %s", transfer.ErrRateLimited, resp.Status))
	case http.StatusUnprocessableEntity:
		return nil, errRangeRejected
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, s.abort(ctx, fmt.Errorf("unexpected github search status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, s.abort(ctx, fmt.Errorf("decode github search: %w", err))
	}

	return &out, nil
}

// spend accounts for one request and pauses once the budget is used up.
func (s *githubScan) spend(ctx context.Context) error {
	if s.remaining > 0 {
		s.remaining--

		return nil
	}

	if err := s.saveCheckpoint(s.cp); err != nil {
		return err
	}

	pause := s.budgetPause()
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "github request budget used, pausing", "pause", pause)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pause):
	}

	s.remaining = s.requestBudget() - 1

	return nil
}

// abort persists the checkpoint before returning err.
func (s *githubScan) abort(ctx context.Context, err error) error {
	if saveErr := s.saveCheckpoint(s.cp); saveErr != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to save github checkpoint", "err", saveErr)
	}

	return err
}

func (g *GitHubSearch) items(repos []GitHubRepo) []*transfer.WorkItem {
	b := newBuilder(g.KeyPrefix)

	for _, r := range repos {
		b.add(r.Name, transfer.Source{
			URL: g.baseURL() + "/repos/" + r.Name + "/zipball",
			Key: path.Join(g.KeyPrefix, r.Name+".zip"),
		})
	}

	return b.result()
}

func (g *GitHubSearch) httpClient(ctx context.Context) *http.Client {
	client := g.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	if g.Token == "" {
		return client
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: g.Token}))
}

func (g *GitHubSearch) loadCheckpoint() (*Checkpoint, error) {
	cp := &Checkpoint{Lower: 0, Upper: 5}

	if g.CheckpointPath == "" {
		return cp, nil
	}

	data, err := os.ReadFile(g.CheckpointPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read github checkpoint: %w", err)
	}

	if err := yaml.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("parse github checkpoint: %w", err)
	}

	return cp, nil
}

func (g *GitHubSearch) saveCheckpoint(cp *Checkpoint) error {
	if g.CheckpointPath == "" {
		return nil
	}

	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode github checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.CheckpointPath), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("write github checkpoint: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write github checkpoint: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("write github checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), g.CheckpointPath); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("write github checkpoint: %w", err)
	}

	return nil
}

func (g *GitHubSearch) baseURL() string {
	if g.BaseURL == "" {
		return DefaultGitHubAPI
	}

	return strings.TrimSuffix(g.BaseURL, "/")
}

func (g *GitHubSearch) minStars() int      { return orDefault(g.MinStars, defaultMinStars) }
func (g *GitHubSearch) maxSize() int       { return orDefault(g.MaxSize, defaultMaxSize) }
func (g *GitHubSearch) step() int          { return orDefault(g.Step, defaultSizeStep) }
func (g *GitHubSearch) maxRepos() int      { return orDefault(g.MaxRepos, defaultMaxRepos) }
func (g *GitHubSearch) perPage() int       { return orDefault(g.PerPage, defaultPerPage) }
func (g *GitHubSearch) maxPages() int      { return orDefault(g.MaxPages, defaultMaxPages) }
func (g *GitHubSearch) requestBudget() int { return orDefault(g.RequestBudget, defaultRequestBudget) }

func (g *GitHubSearch) budgetPause() time.Duration {
	if g.BudgetPause <= 0 {
		return defaultBudgetPause
	}

	return g.BudgetPause
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}
