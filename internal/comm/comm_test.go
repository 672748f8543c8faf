package comm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentos-dev/agentos/internal/guards"
	"github.com/agentos-dev/agentos/internal/net/ssrf"
)

type stubProvider struct {
	items []SearchItem
	err   error
}

func (p *stubProvider) Search(context.Context, string, int) ([]SearchItem, error) {
	return p.items, p.err
}

// localService bypasses SSRF host pinning so fetches can reach httptest
// servers on loopback.
func localService(provider SearchProvider) *Service {
	return NewService(
		WithSearchProvider(provider),
		WithHTTPClient(http.DefaultClient),
		withHostCheck(func(context.Context, string) error { return nil }),
	)
}

func TestFetchBlocksPrivateDestinations(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	urls := []string{
		"http://127.0.0.1/",
		"http://10.0.0.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://localhost/",
	}
	for _, u := range urls {
		_, err := s.Fetch(ctx, "S1", guards.PhaseExecution, u)
		if err == nil {
			t.Fatalf("Fetch(%s) succeeded", u)
		}
		if !ssrf.IsBlocked(err) {
			t.Fatalf("Fetch(%s) error = %v, want SSRF_BLOCKED", u, err)
		}
	}
}

func TestCommRequiresExecutionPhase(t *testing.T) {
	s := localService(&stubProvider{})
	ctx := context.Background()

	if _, err := s.Search(ctx, "S1", guards.PhasePlanning, "agentos", 5); err == nil {
		t.Fatal("search allowed during planning")
	}
	if _, err := s.Fetch(ctx, "S1", guards.PhasePlanning, "http://example.com"); err == nil {
		t.Fatal("fetch allowed during planning")
	}
	if _, err := s.BuildBrief(ctx, "S1", guards.Phase("unknown"), "agentos", 2); err == nil {
		t.Fatal("brief allowed with unknown phase")
	}
}

func TestSearchStampsTierAndAttribution(t *testing.T) {
	provider := &stubProvider{items: []SearchItem{
		{Title: "AgentOS", URL: "https://example.com/a"},
		{Title: "Docs", URL: "https://example.com/b"},
	}}
	s := localService(provider)

	items, err := s.Search(context.Background(), "S1", guards.PhaseExecution, "agentos", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	for _, item := range items {
		if item.Tier != guards.TierSearchResult {
			t.Fatalf("tier = %q, want search_result", item.Tier)
		}
		if item.Attribution != "CommunicationOS (search) in session S1" {
			t.Fatalf("attribution = %q", item.Attribution)
		}
	}
}

func TestFetchUpgradesTierAndFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "page body")
	}))
	defer srv.Close()

	s := localService(nil)
	artifact, err := s.Fetch(context.Background(), "S1", guards.PhaseExecution, srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if artifact.Fenced.Tier != guards.TierExternalSource {
		t.Fatalf("tier = %q, want external_source", artifact.Fenced.Tier)
	}
	if artifact.Attribution != "CommunicationOS (fetch) in session S1" {
		t.Fatalf("attribution = %q", artifact.Attribution)
	}
	if artifact.Fenced.UnwrapForDisplay() != "page body" {
		t.Fatalf("content = %q", artifact.Fenced.UnwrapForDisplay())
	}
	if !strings.Contains(artifact.Fenced.WrapForModel(), guards.FenceTag) {
		t.Fatal("model form lacks the fence tag")
	}

	if err := guards.NewAttributionGuard().Enforce(artifact.Attribution, "S1"); err != nil {
		t.Fatalf("attribution failed its own guard: %v", err)
	}
}

func TestFetchTruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, maxFetchBytes+4096))
	}))
	defer srv.Close()

	s := localService(nil)
	artifact, err := s.Fetch(context.Background(), "S1", guards.PhaseExecution, srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !artifact.Truncated {
		t.Fatal("oversized body not marked truncated")
	}
	if len(artifact.Fenced.Content) != maxFetchBytes {
		t.Fatalf("content bytes = %d, want %d", len(artifact.Fenced.Content), maxFetchBytes)
	}
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	s := localService(nil)
	if _, err := s.Fetch(context.Background(), "S1", guards.PhaseExecution, "file:///etc/passwd"); err == nil {
		t.Fatal("file scheme accepted")
	}
}

func TestBuildBriefSkipsFailedSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "content of "+r.URL.Path)
	}))
	defer srv.Close()

	provider := &stubProvider{items: []SearchItem{
		{Title: "bad", URL: srv.URL + "/bad"},
		{Title: "one", URL: srv.URL + "/one"},
		{Title: "two", URL: srv.URL + "/two"},
		{Title: "three", URL: srv.URL + "/three"},
	}}
	s := localService(provider)

	brief, err := s.BuildBrief(context.Background(), "S1", guards.PhaseExecution, "agentos", 2)
	if err != nil {
		t.Fatalf("BuildBrief: %v", err)
	}
	if brief.Attribution != "CommunicationOS (brief) in session S1" {
		t.Fatalf("attribution = %q", brief.Attribution)
	}
	if len(brief.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(brief.Sections))
	}
	if brief.Sections[0].Fenced.SourceURL != srv.URL+"/one" {
		t.Fatalf("first section = %q", brief.Sections[0].Fenced.SourceURL)
	}
}

func TestBuildBriefFailsWhenNothingFetchable(t *testing.T) {
	provider := &stubProvider{items: nil}
	s := localService(provider)
	if _, err := s.BuildBrief(context.Background(), "S1", guards.PhaseExecution, "nothing", 2); err == nil {
		t.Fatal("empty brief returned success")
	}
}
