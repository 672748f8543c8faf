// Package comm implements the external-reach primitives (search, fetch,
// brief) behind the chat guards. Every artifact leaving this package is
// fenced, attributed to the calling session, and SSRF-checked.
package comm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentos-dev/agentos/internal/guards"
	"github.com/agentos-dev/agentos/internal/net/ssrf"
	"github.com/agentos-dev/agentos/internal/observability"
)

const (
	// maxFetchBytes caps how much of a remote document is read.
	maxFetchBytes = 1 << 20

	defaultTimeout      = 30 * time.Second
	defaultBriefSources = 3
)

// SearchItem is one search hit. Items carry the lowest content tier:
// nothing has been fetched yet.
type SearchItem struct {
	Title       string             `json:"title"`
	URL         string             `json:"url"`
	Snippet     string             `json:"snippet,omitempty"`
	Tier        guards.ContentTier `json:"trust_tier"`
	Attribution string             `json:"attribution"`
}

// SearchProvider performs the actual search. Implementations live at
// the edge; the service only governs what comes back.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchItem, error)
}

// Artifact is a fetched external document: fenced content plus its
// mandatory attribution.
type Artifact struct {
	Attribution string                `json:"attribution"`
	Fenced      *guards.FencedContent `json:"fenced"`
	FetchedAt   time.Time             `json:"fetched_at"`
	Truncated   bool                  `json:"truncated,omitempty"`
}

// Brief is a multi-source digest assembled from fetched artifacts.
type Brief struct {
	Query       string     `json:"query"`
	Attribution string     `json:"attribution"`
	Sections    []Artifact `json:"sections"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Option configures the service.
type Option func(*Service)

// WithSearchProvider installs the search backend.
func WithSearchProvider(p SearchProvider) Option {
	return func(s *Service) { s.provider = p }
}

// WithHTTPClient replaces the SSRF-pinned fetch client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// withHostCheck replaces the pre-dial host validation (tests only).
func withHostCheck(check func(ctx context.Context, host string) error) Option {
	return func(s *Service) { s.checkHost = check }
}

// Service is the governed external-reach surface.
type Service struct {
	gate      *guards.PhaseGate
	provider  SearchProvider
	client    *http.Client
	checkHost func(ctx context.Context, host string) error
	logger    *slog.Logger
}

// NewService creates the comm service. Without a search provider,
// Search and Brief return an error.
func NewService(opts ...Option) *Service {
	s := &Service{
		gate:   guards.NewPhaseGate(),
		client: ssrf.Client(defaultTimeout),
		checkHost: func(ctx context.Context, host string) error {
			_, err := ssrf.Resolve(ctx, host)
			return err
		},
		logger: observability.Component("comm"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search runs a query and attributes every hit to the session.
func (s *Service) Search(ctx context.Context, sessionID string, phase guards.Phase, query string, limit int) ([]SearchItem, error) {
	if err := s.gate.Check("comm.search", phase); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, fmt.Errorf("no search provider configured")
	}
	if limit <= 0 {
		limit = 10
	}
	items, err := s.provider.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	attribution := guards.FormatAttribution("search", sessionID)
	for i := range items {
		items[i].Tier = guards.TierSearchResult
		items[i].Attribution = attribution
	}
	s.logger.Info("search completed", "session_id", sessionID, "results", len(items))
	return items, nil
}

// Fetch retrieves one URL and returns it fenced. Fetching upgrades the
// content from search_result to external_source: the document itself
// has now been seen, not just a snippet about it.
func (s *Service) Fetch(ctx context.Context, sessionID string, phase guards.Phase, rawURL string) (*Artifact, error) {
	if err := s.gate.Check("comm.fetch", phase); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if s.checkHost != nil {
		if err := s.checkHost(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "agentos-comm/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	truncated := false
	if len(body) > maxFetchBytes {
		body = body[:maxFetchBytes]
		truncated = true
	}

	artifact := &Artifact{
		Attribution: guards.FormatAttribution("fetch", sessionID),
		Fenced:      guards.Fence(rawURL, string(body), guards.TierExternalSource),
		FetchedAt:   time.Now().UTC(),
		Truncated:   truncated,
	}
	s.logger.Info("fetch completed",
		"session_id", sessionID, "url", rawURL, "bytes", len(body), "truncated", truncated)
	return artifact, nil
}

// BuildBrief searches, fetches up to maxSources hits, and assembles a
// digest. Individual fetch failures skip the source; the brief fails
// only when nothing could be fetched.
func (s *Service) BuildBrief(ctx context.Context, sessionID string, phase guards.Phase, query string, maxSources int) (*Brief, error) {
	if err := s.gate.Check("comm.brief", phase); err != nil {
		return nil, err
	}
	if maxSources <= 0 {
		maxSources = defaultBriefSources
	}

	items, err := s.Search(ctx, sessionID, phase, query, maxSources*2)
	if err != nil {
		return nil, err
	}

	brief := &Brief{
		Query:       query,
		Attribution: guards.FormatAttribution("brief", sessionID),
		CreatedAt:   time.Now().UTC(),
	}
	var errs []string
	for _, item := range items {
		if len(brief.Sections) >= maxSources {
			break
		}
		artifact, err := s.Fetch(ctx, sessionID, phase, item.URL)
		if err != nil {
			s.logger.Warn("brief source skipped", "url", item.URL, "error", err)
			errs = append(errs, err.Error())
			continue
		}
		brief.Sections = append(brief.Sections, *artifact)
	}
	if len(brief.Sections) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("brief: no sources fetched: %s", strings.Join(errs, "; "))
		}
		return nil, fmt.Errorf("brief: no search results for %q", query)
	}
	return brief, nil
}
