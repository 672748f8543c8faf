package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/internal/mcp"
	"github.com/agentos-dev/agentos/internal/sandbox"
	"github.com/agentos-dev/agentos/pkg/models"
)

type staticSource struct {
	source models.ToolSource
	tools  []*models.ToolDescriptor
	err    error
	calls  int
}

func (s *staticSource) Type() models.ToolSource { return s.source }

func (s *staticSource) Descriptors(ctx context.Context) ([]*models.ToolDescriptor, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.tools, nil
}

type fakeMCP struct {
	result  *mcp.ToolCallResult
	err     error
	lastArg json.RawMessage
	calls   int
}

func (f *fakeMCP) CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.ToolCallResult, error) {
	f.calls++
	f.lastArg = arguments
	return f.result, f.err
}

type fakeSandbox struct {
	available bool
	result    *sandbox.Result
	executed  bool
}

func (f *fakeSandbox) Available(ctx context.Context) bool { return f.available }

func (f *fakeSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.executed = true
	return f.result, nil
}

func descriptor(id string, source models.ToolSource, sourceID string, risk models.RiskLevel) *models.ToolDescriptor {
	return &models.ToolDescriptor{
		ToolID:     id,
		Name:       id[len("xxx:"+sourceID+":"):],
		RiskLevel:  risk,
		SourceType: source,
		SourceID:   sourceID,
		Enabled:    true,
	}
}

func invocation(toolID string) *models.ToolInvocation {
	return &models.ToolInvocation{
		InvocationID: "inv-1",
		ToolID:       toolID,
		Actor:        "agent",
		SessionID:    "sess-1",
		Mode:         models.ModeExecution,
		Timestamp:    time.Now().UTC(),
	}
}

func newRouterWith(t *testing.T, tools []*models.ToolDescriptor, opts ...RouterOption) *Router {
	t.Helper()
	var bySource = map[models.ToolSource][]*models.ToolDescriptor{}
	for _, d := range tools {
		bySource[d.SourceType] = append(bySource[d.SourceType], d)
	}
	var sources []Source
	for st, ds := range bySource {
		sources = append(sources, &staticSource{source: st, tools: ds})
	}
	registry := NewRegistry(time.Minute, sources...)
	registry.Refresh(context.Background())
	return NewRouter(registry, nil, nil, opts...)
}

func TestInvokeUnknownTool(t *testing.T) {
	router := newRouterWith(t, nil)
	result, err := router.Invoke(context.Background(), invocation("ext:ghost:missing"), ExecutionContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Success || result.ErrorCode != CodeUnknownTool {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeSpecNotFrozen(t *testing.T) {
	desc := descriptor("ext:com.example:delete_all", models.SourceExtension, "com.example", models.RiskHigh)
	router := newRouterWith(t, []*models.ToolDescriptor{desc})

	inv := invocation(desc.ToolID)
	inv.SpecFrozen = false
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeSpecNotFrozen {
		t.Fatalf("code = %s", result.ErrorCode)
	}
}

func TestInvokeApprovalRequired(t *testing.T) {
	desc := descriptor("ext:com.example:charge", models.SourceExtension, "com.example", models.RiskCritical)
	sb := &fakeSandbox{available: true, result: &sandbox.Result{ExitCode: 0}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc},
		WithSandbox(sb, func(string) string { return "/tmp/ext" }),
		WithApprovalCheck(func(token string) bool { return token == "admin-token" }))

	inv := invocation(desc.ToolID)
	inv.SpecFrozen = true
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeApprovalRequired {
		t.Fatalf("code = %s", result.ErrorCode)
	}

	inv.ApprovalToken = "wrong-token"
	result, err = router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeApprovalRequired {
		t.Fatalf("code = %s", result.ErrorCode)
	}

	inv.ApprovalToken = "admin-token"
	result, err = router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("approved invocation failed: %+v", result)
	}
	if !sb.executed {
		t.Fatal("critical tool did not go through the sandbox")
	}
}

func TestInvokeApprovalDefaultFailsClosed(t *testing.T) {
	desc := descriptor("ext:com.example:charge", models.SourceExtension, "com.example", models.RiskCritical)
	sb := &fakeSandbox{available: true, result: &sandbox.Result{ExitCode: 0}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc},
		WithSandbox(sb, func(string) string { return "/tmp/ext" }))

	inv := invocation(desc.ToolID)
	inv.SpecFrozen = true
	inv.ApprovalToken = "anything-at-all"
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeApprovalRequired {
		t.Fatalf("code = %s, want %s without a wired approval check", result.ErrorCode, CodeApprovalRequired)
	}
	if sb.executed {
		t.Fatal("critical tool ran without a wired approval check")
	}
}

func TestInvokePlanningModeBlocksSideEffects(t *testing.T) {
	desc := descriptor("mcp:srv:send_email", models.SourceMCP, "srv", models.RiskLow)
	desc.SideEffectTags = []string{"email.send"}
	caller := &fakeMCP{result: &mcp.ToolCallResult{Content: []mcp.ToolContent{{Type: "text", Text: "sent"}}}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc})
	router.mcp = caller

	inv := invocation(desc.ToolID)
	inv.Mode = models.ModePlanning
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != CodeModeViolation {
		t.Fatalf("result = %+v", result)
	}
	if caller.calls != 0 {
		t.Fatalf("side-effecting tool dispatched %d times in PLANNING mode", caller.calls)
	}

	inv.Mode = models.ModeExecution
	result, err = router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || caller.calls != 1 {
		t.Fatalf("EXECUTION invocation blocked: %+v (calls=%d)", result, caller.calls)
	}
}

func TestInvokePlanningModeAllowsPureReads(t *testing.T) {
	desc := descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow)
	caller := &fakeMCP{result: &mcp.ToolCallResult{Content: []mcp.ToolContent{{Type: "text", Text: "ok"}}}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc})
	router.mcp = caller

	inv := invocation(desc.ToolID)
	inv.Mode = models.ModePlanning
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("side-effect-free tool blocked in PLANNING mode: %+v", result)
	}
}

func TestInvokeUnknownModeFailsClosed(t *testing.T) {
	desc := descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow)
	caller := &fakeMCP{result: &mcp.ToolCallResult{Content: []mcp.ToolContent{{Type: "text", Text: "ok"}}}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc})
	router.mcp = caller

	for _, mode := range []models.ExecutionMode{"", "DRY_RUN"} {
		inv := invocation(desc.ToolID)
		inv.Mode = mode
		result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.ErrorCode != CodeModeViolation {
			t.Fatalf("mode %q: result = %+v", mode, result)
		}
	}
	if caller.calls != 0 {
		t.Fatalf("unrecognized mode dispatched %d times", caller.calls)
	}
}

func TestInvokeSideEffectDenied(t *testing.T) {
	desc := descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow)
	desc.SideEffectTags = []string{"network"}
	router := newRouterWith(t, []*models.ToolDescriptor{desc},
		WithDenyList(map[models.ToolSource][]string{models.SourceMCP: {"network"}}))

	result, err := router.Invoke(context.Background(), invocation(desc.ToolID), ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeSideEffectDenied {
		t.Fatalf("code = %s", result.ErrorCode)
	}
}

func TestInvokeInputSchemaViolation(t *testing.T) {
	desc := descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow)
	desc.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	caller := &fakeMCP{result: &mcp.ToolCallResult{Content: []mcp.ToolContent{{Type: "text", Text: "ok"}}}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc})
	router.mcp = caller

	inv := invocation(desc.ToolID)
	inv.Inputs = json.RawMessage(`{"path": 42}`)
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != CodeInputSchemaViolation {
		t.Fatalf("code = %s", result.ErrorCode)
	}

	inv.Inputs = json.RawMessage(`{"path": "/etc/motd"}`)
	result, err = router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("valid inputs rejected: %+v", result)
	}
}

func TestInvokeSandboxUnavailable(t *testing.T) {
	desc := descriptor("ext:com.example:delete_all", models.SourceExtension, "com.example", models.RiskHigh)
	sb := &fakeSandbox{available: false}
	router := newRouterWith(t, []*models.ToolDescriptor{desc},
		WithSandbox(sb, func(string) string { return "/tmp/ext" }))

	inv := invocation(desc.ToolID)
	inv.SpecFrozen = true
	result, err := router.Invoke(context.Background(), inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("high-risk tool ran without a sandbox")
	}
	if result.ExitCode != sandbox.ExitUnavailable || result.ErrorCode != CodeSandboxUnavailable {
		t.Fatalf("result = %+v", result)
	}
	if sb.executed {
		t.Fatal("execution was attempted despite unavailable runtime")
	}
}

func TestInvokeMCPToolError(t *testing.T) {
	desc := descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow)
	caller := &fakeMCP{result: &mcp.ToolCallResult{
		Content: []mcp.ToolContent{{Type: "text", Text: "no such file"}},
		IsError: true,
	}}
	router := newRouterWith(t, []*models.ToolDescriptor{desc})
	router.mcp = caller

	result, err := router.Invoke(context.Background(), invocation(desc.ToolID), ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != CodeToolError {
		t.Fatalf("result = %+v", result)
	}

	caller.result = nil
	caller.err = fmt.Errorf("%w: pipe broke", mcp.ErrConnection)
	result, err = router.Invoke(context.Background(), invocation(desc.ToolID), ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != mcp.CodeConnectionError {
		t.Fatalf("code = %s", result.ErrorCode)
	}
}

func TestRegistryKeepsSnapshotOnSourceFailure(t *testing.T) {
	ctx := context.Background()
	ext := &staticSource{source: models.SourceExtension, tools: []*models.ToolDescriptor{
		descriptor("ext:com.example:hello", models.SourceExtension, "com.example", models.RiskLow),
	}}
	mcpSrc := &staticSource{source: models.SourceMCP, tools: []*models.ToolDescriptor{
		descriptor("mcp:files:read_file", models.SourceMCP, "files", models.RiskLow),
	}}
	registry := NewRegistry(time.Minute, ext, mcpSrc)
	registry.Refresh(ctx)
	if len(registry.List()) != 2 {
		t.Fatalf("tools = %d", len(registry.List()))
	}

	mcpSrc.err = errors.New("server down")
	ext.tools = append(ext.tools,
		descriptor("ext:com.example:goodbye", models.SourceExtension, "com.example", models.RiskLow))
	registry.Refresh(ctx)

	if _, ok := registry.Get("mcp:files:read_file"); !ok {
		t.Fatal("failing source lost its snapshot")
	}
	if _, ok := registry.Get("ext:com.example:goodbye"); !ok {
		t.Fatal("healthy source did not refresh")
	}
}
