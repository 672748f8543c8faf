package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/mcp"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/sandbox"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Invocation rejection codes.
const (
	CodeUnknownTool          = "UNKNOWN_TOOL"
	CodeInputSchemaViolation = "INPUT_SCHEMA_VIOLATION"
	CodeModeViolation        = "EXECUTION_MODE_VIOLATION"
	CodeSpecNotFrozen        = "SPEC_NOT_FROZEN"
	CodeApprovalRequired     = "APPROVAL_REQUIRED"
	CodeSideEffectDenied     = "SIDE_EFFECT_DENIED"
	CodeSandboxUnavailable   = "SANDBOX_UNAVAILABLE"
	CodeToolError            = "TOOL_ERROR"
)

// Sandboxer runs high-risk executions in containers.
type Sandboxer interface {
	Available(ctx context.Context) bool
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// MCPCaller dispatches tool calls to MCP servers.
type MCPCaller interface {
	CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
}

// Router applies the governance gates and dispatches invocations to the
// runner, the sandbox, or an MCP server.
type Router struct {
	registry *Registry
	runner   *Runner
	mcp      MCPCaller
	sandbox  Sandboxer
	audit    *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger

	// denyList maps a tool source to side-effect tags that are never
	// allowed from that source.
	denyList map[models.ToolSource][]string
	// approve validates an admin approval token for CRITICAL tools. The
	// default rejects every token; callers must wire a real verifier
	// before CRITICAL tools can run.
	approve func(token string) bool
	// extensionDir locates an extension's tree for sandbox mounts.
	extensionDir func(extensionID string) string

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// RouterOption configures optional router collaborators.
type RouterOption func(*Router)

// WithAuditLogger attaches the audit trail.
func WithAuditLogger(l *audit.Logger) RouterOption {
	return func(r *Router) { r.audit = l }
}

// WithSandbox attaches the container sandbox for HIGH/CRITICAL tools.
func WithSandbox(s Sandboxer, extensionDir func(string) string) RouterOption {
	return func(r *Router) {
		r.sandbox = s
		r.extensionDir = extensionDir
	}
}

// WithDenyList sets per-source denied side-effect tags.
func WithDenyList(denyList map[models.ToolSource][]string) RouterOption {
	return func(r *Router) { r.denyList = denyList }
}

// WithApprovalCheck replaces the approval token validator.
func WithApprovalCheck(approve func(token string) bool) RouterOption {
	return func(r *Router) { r.approve = approve }
}

// NewRouter wires the invocation path.
func NewRouter(registry *Registry, runner *Runner, mcpCaller MCPCaller, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		runner:   runner,
		mcp:      mcpCaller,
		metrics:  observability.NewMetrics(),
		logger:   observability.Component("capability"),
		approve:  func(string) bool { return false },
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs the full governance flow for one invocation. Rejections
// come back as failed results with the rejection code; the error return
// is reserved for infrastructure faults.
func (r *Router) Invoke(ctx context.Context, inv *models.ToolInvocation, execCtx ExecutionContext) (*models.ToolExecResult, error) {
	ctx, span := observability.StartSpan(ctx, "capability.invoke")
	defer span.End()

	desc, ok := r.registry.Get(inv.ToolID)
	if !ok {
		return r.deny(ctx, inv, "", CodeUnknownTool,
			fmt.Sprintf("tool %s is not registered", inv.ToolID)), nil
	}
	risk := string(desc.RiskLevel)

	if code, reason := r.checkGates(desc, inv); code != "" {
		return r.deny(ctx, inv, risk, code, reason), nil
	}

	if r.audit != nil {
		r.audit.LogToolInvocation(ctx, inv.ToolID, inv.InvocationID, inv.SessionID, inv.Inputs)
	}
	start := time.Now()
	result, err := r.dispatch(ctx, desc, inv, execCtx)
	if err != nil {
		return nil, err
	}
	duration := time.Since(start)

	status := "success"
	if !result.Success {
		status = "failed"
	}
	r.metrics.ToolInvocations.WithLabelValues(string(desc.SourceType), risk, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(string(desc.SourceType)).Observe(duration.Seconds())
	if r.audit != nil {
		r.audit.LogToolCompletion(ctx, inv.ToolID, inv.InvocationID, result.Success, result.ErrorCode, duration)
	}
	return result, nil
}

// checkGates runs the ordered policy gates and returns the first
// rejection.
func (r *Router) checkGates(desc *models.ToolDescriptor, inv *models.ToolInvocation) (code, reason string) {
	if err := r.validateInputs(desc, inv.Inputs); err != nil {
		return CodeInputSchemaViolation, err.Error()
	}
	// Only EXECUTION may reach a side-effecting tool. An absent or
	// unknown mode is not a pass.
	switch inv.Mode {
	case models.ModeExecution:
	case models.ModePlanning:
		if len(desc.SideEffectTags) > 0 {
			return CodeModeViolation,
				fmt.Sprintf("tool %s declares side effects; PLANNING invocations may not run it", desc.ToolID)
		}
	default:
		return CodeModeViolation, fmt.Sprintf("execution mode %q is not recognized", inv.Mode)
	}
	if desc.RiskLevel.AtLeast(models.RiskHigh) && !inv.SpecFrozen {
		return CodeSpecNotFrozen,
			fmt.Sprintf("%s risk tools require a frozen spec", desc.RiskLevel)
	}
	if desc.RiskLevel.AtLeast(models.RiskCritical) && !r.approve(inv.ApprovalToken) {
		return CodeApprovalRequired, "CRITICAL tools require an admin approval token"
	}
	for _, denied := range r.denyList[desc.SourceType] {
		if desc.HasSideEffect(denied) {
			return CodeSideEffectDenied,
				fmt.Sprintf("side effect %q is denied for %s tools", denied, desc.SourceType)
		}
	}
	return "", ""
}

func (r *Router) validateInputs(desc *models.ToolDescriptor, inputs json.RawMessage) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}
	schema, err := r.compiledSchema(desc)
	if err != nil {
		// A broken schema must not open the gate.
		return fmt.Errorf("input schema for %s does not compile: %w", desc.ToolID, err)
	}
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(inputs, &v); err != nil {
		return fmt.Errorf("inputs are not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("inputs do not match the tool schema: %w", err)
	}
	return nil
}

func (r *Router) compiledSchema(desc *models.ToolDescriptor) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if s, ok := r.schemas[desc.ToolID]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(desc.ToolID+".json", string(desc.InputSchema))
	if err != nil {
		return nil, err
	}
	r.schemas[desc.ToolID] = s
	return s, nil
}

func (r *Router) dispatch(ctx context.Context, desc *models.ToolDescriptor, inv *models.ToolInvocation, execCtx ExecutionContext) (*models.ToolExecResult, error) {
	switch desc.SourceType {
	case models.SourceExtension:
		if desc.RiskLevel.AtLeast(models.RiskHigh) {
			return r.dispatchSandboxed(ctx, desc, inv)
		}
		return r.runner.Execute(ctx, desc, inv, execCtx)
	case models.SourceMCP:
		return r.dispatchMCP(ctx, desc, inv)
	default:
		return nil, fmt.Errorf("unroutable tool source %q", desc.SourceType)
	}
}

// dispatchSandboxed runs HIGH/CRITICAL extension tools in a container.
// No runtime means no execution: the invocation is refused with exit
// code 451.
func (r *Router) dispatchSandboxed(ctx context.Context, desc *models.ToolDescriptor, inv *models.ToolInvocation) (*models.ToolExecResult, error) {
	result := &models.ToolExecResult{
		InvocationID:        inv.InvocationID,
		DeclaredSideEffects: desc.SideEffectTags,
	}
	if r.sandbox == nil || !r.sandbox.Available(ctx) {
		result.Success = false
		result.ErrorCode = CodeSandboxUnavailable
		result.Error = "no sandbox runtime; high-risk execution refused"
		result.ExitCode = sandbox.ExitUnavailable
		r.metrics.ToolInvocations.WithLabelValues(string(desc.SourceType), string(desc.RiskLevel), "rejected").Inc()
		if r.audit != nil {
			r.audit.LogToolDenied(ctx, inv.ToolID, inv.InvocationID, CodeSandboxUnavailable, result.Error)
		}
		return result, nil
	}

	run, err := r.sandbox.Execute(ctx, sandbox.Request{
		ExtensionID: desc.SourceID,
		Dir:         r.extensionDir(desc.SourceID),
		Command:     []string{"./bin/" + toolCommand(desc.ToolID), string(inv.Inputs)},
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	result.ExitCode = run.ExitCode
	result.DurationMS = run.Duration.Milliseconds()
	result.Payload = truncate(run.Stdout, maxResponseBytes)
	if run.TimedOut {
		result.ErrorCode = "TIMEOUT"
		result.Error = "sandboxed execution exceeded the wall clock limit"
	} else if run.ExitCode != 0 {
		result.ErrorCode = CodeToolError
		result.Error = string(truncate(run.Stderr, 512))
	} else {
		result.Success = true
	}
	return result, nil
}

func (r *Router) dispatchMCP(ctx context.Context, desc *models.ToolDescriptor, inv *models.ToolInvocation) (*models.ToolExecResult, error) {
	result := &models.ToolExecResult{
		InvocationID:        inv.InvocationID,
		DeclaredSideEffects: desc.SideEffectTags,
	}
	call, err := r.mcp.CallTool(ctx, desc.SourceID, desc.Name, inv.Inputs)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		if errors.Is(err, mcp.ErrProtocol) {
			result.ErrorCode = mcp.CodeProtocolError
		} else {
			result.ErrorCode = mcp.CodeConnectionError
		}
		return result, nil
	}
	payload, _ := json.Marshal(call)
	result.Payload = payload
	if call.IsError {
		result.Success = false
		result.ErrorCode = CodeToolError
		result.Error = string(truncate([]byte(call.Text()), 512))
		return result, nil
	}
	result.Success = true
	return result, nil
}

func (r *Router) deny(ctx context.Context, inv *models.ToolInvocation, risk, code, reason string) *models.ToolExecResult {
	if risk == "" {
		risk = "unknown"
	}
	r.metrics.ToolInvocations.WithLabelValues("router", risk, "rejected").Inc()
	if r.audit != nil {
		r.audit.LogToolDenied(ctx, inv.ToolID, inv.InvocationID, code, reason)
	}
	r.logger.Warn("tool invocation denied",
		"tool_id", inv.ToolID,
		"invocation_id", inv.InvocationID,
		"code", code)
	return &models.ToolExecResult{
		InvocationID: inv.InvocationID,
		Success:      false,
		ErrorCode:    code,
		Error:        reason,
	}
}
