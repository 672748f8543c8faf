package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentos-dev/agentos/internal/config"
	"github.com/agentos-dev/agentos/internal/evolution"
	"github.com/agentos-dev/agentos/pkg/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default()
	cfg.Home = home
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Channels.ManifestDir = filepath.Join(home, "manifests")
	cfg.MCP.ServersFile = filepath.Join(home, "mcp_servers.yaml")
	cfg.Audit.Enabled = false

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.bus.Close()
		s.capability.Close()
		_ = s.auditLog.Close()
	})
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestToolsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/tools", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/tools", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestInvokeUnknownToolReturnsDenial(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/tools/invoke",
		`{"tool_id": "ext:ghost:run", "actor": "tester"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var result models.ToolExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != "UNKNOWN_TOOL" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeRejectsMissingToolID(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/tools/invoke", `{"actor": "tester"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDecisionReviewEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := &models.TrustRecord{
		ExtensionID: "com.example.hello",
		RiskScore:   80,
		Trajectory:  models.TrajectoryCritical,
	}
	d, err := s.queue.Propose(context.Background(), rec, evolution.NewEngine().Evaluate(rec))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	list := doRequest(t, s, http.MethodGet, "/api/decisions", "", nil)
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), d.DecisionID) {
		t.Fatalf("list = %d %s", list.Code, list.Body)
	}

	// Reviews require an identity.
	anon := doRequest(t, s, http.MethodPost, "/api/decisions/"+d.DecisionID+"/approve", "", nil)
	if anon.Code != http.StatusBadRequest {
		t.Fatalf("anonymous review status = %d", anon.Code)
	}

	reviewer := map[string]string{"X-Reviewer": "alice"}
	ok := doRequest(t, s, http.MethodPost, "/api/decisions/"+d.DecisionID+"/approve", "", reviewer)
	if ok.Code != http.StatusOK {
		t.Fatalf("approve status = %d %s", ok.Code, ok.Body)
	}

	// The decision already left PROPOSED, so a second review loses the
	// compare-and-set.
	again := doRequest(t, s, http.MethodPost, "/api/decisions/"+d.DecisionID+"/reject", "", reviewer)
	if again.Code != http.StatusConflict {
		t.Fatalf("second review status = %d", again.Code)
	}

	missing := doRequest(t, s, http.MethodPost, "/api/decisions/nope/approve", "", reviewer)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing decision status = %d", missing.Code)
	}
}

func TestChannelsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/channels", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
