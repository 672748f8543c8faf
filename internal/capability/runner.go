package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/agentos-dev/agentos/internal/extensions"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// defaultExecTimeout bounds host subprocess executions when the context
// carries no deadline of its own.
const defaultExecTimeout = 60 * time.Second

// Builtin analyzer commands the runner handles in-process.
const (
	commandAnalyzeResponse = "analyze.response"
	commandAnalyzeSchema   = "analyze.schema"
)

// ExecutionContext scopes one runner execution.
type ExecutionContext struct {
	SessionID string
	UserID    string
	// WorkDir must live under the agentos home; it is both cwd and HOME
	// for subprocesses.
	WorkDir      string
	Timeout      time.Duration
	EnvWhitelist []string
}

// Runner executes an extension's declared commands on the host. It
// covers LOW/MED risk executions; HIGH and CRITICAL go through the
// sandbox instead.
type Runner struct {
	extensions *extensions.Registry
	responses  *ResponseStore
	agentosDir string
	logger     *slog.Logger
}

// NewRunner creates a runner rooted at the agentos home directory.
func NewRunner(registry *extensions.Registry, responses *ResponseStore, agentosDir string) *Runner {
	return &Runner{
		extensions: registry,
		responses:  responses,
		agentosDir: agentosDir,
		logger:     observability.Component("runner"),
	}
}

// Execute runs one ext: tool invocation and reports the outcome. The
// error return covers runner malfunction only; tool failures come back
// inside the result.
func (r *Runner) Execute(ctx context.Context, desc *models.ToolDescriptor, inv *models.ToolInvocation, execCtx ExecutionContext) (*models.ToolExecResult, error) {
	command := toolCommand(desc.ToolID)
	start := time.Now()

	result := &models.ToolExecResult{
		InvocationID:        inv.InvocationID,
		DeclaredSideEffects: desc.SideEffectTags,
	}
	switch command {
	case commandAnalyzeResponse:
		r.analyzeResponse(execCtx.SessionID, result)
	case commandAnalyzeSchema:
		r.analyzeSchema(inv.Inputs, result)
	default:
		r.execSubprocess(ctx, desc, inv, execCtx, command, result)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// analyzeResponse summarizes the session's last captured response.
func (r *Runner) analyzeResponse(sessionID string, result *models.ToolExecResult) {
	data, ok := r.responses.Get(sessionID)
	if !ok {
		result.Success = false
		result.ErrorCode = "NO_RESPONSE"
		result.Error = "no captured response for this session"
		return
	}
	summary := map[string]any{
		"bytes": len(data),
		"lines": bytes.Count(data, []byte("\n")) + 1,
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err == nil {
		summary["json"] = true
		if obj, ok := parsed.(map[string]any); ok {
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			summary["top_level_keys"] = keys
		}
	} else {
		summary["json"] = false
		summary["head"] = string(truncate(data, 256))
	}
	payload, _ := json.Marshal(summary)
	result.Success = true
	result.Payload = payload
}

// analyzeSchema summarizes a JSON schema passed in the inputs.
func (r *Runner) analyzeSchema(inputs json.RawMessage, result *models.ToolExecResult) {
	var req struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(inputs, &req); err != nil || len(req.Schema) == 0 {
		result.Success = false
		result.ErrorCode = "INVALID_INPUT"
		result.Error = "analyze.schema requires a schema field"
		return
	}
	var schema map[string]any
	if err := json.Unmarshal(req.Schema, &schema); err != nil {
		result.Success = false
		result.ErrorCode = "INVALID_INPUT"
		result.Error = fmt.Sprintf("schema is not a JSON object: %v", err)
		return
	}

	summary := map[string]any{"type": schema["type"]}
	if props, ok := schema["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		summary["properties"] = names
	}
	if req, ok := schema["required"].([]any); ok {
		summary["required"] = req
	}
	payload, _ := json.Marshal(summary)
	result.Success = true
	result.Payload = payload
}

// execSubprocess runs the extension's command binary under the
// restricted environment: minimal PATH, whitelisted env, cwd pinned to
// the work dir, and the whole process group killed on timeout.
func (r *Runner) execSubprocess(ctx context.Context, desc *models.ToolDescriptor, inv *models.ToolInvocation, execCtx ExecutionContext, command string, result *models.ToolExecResult) {
	workDir := execCtx.WorkDir
	if workDir == "" {
		workDir = filepath.Join(r.agentosDir, "work", desc.SourceID)
	}
	if !strings.HasPrefix(filepath.Clean(workDir), filepath.Clean(r.agentosDir)+string(os.PathSeparator)) {
		result.Success = false
		result.ErrorCode = "INVALID_WORKDIR"
		result.Error = fmt.Sprintf("work dir %q is outside the agentos home", workDir)
		return
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		result.Success = false
		result.ErrorCode = "EXEC_FAILED"
		result.Error = err.Error()
		return
	}

	binary := filepath.Join(r.extensions.Dir(desc.SourceID), "bin", command)
	if _, err := os.Stat(binary); err != nil {
		result.Success = false
		result.ErrorCode = "EXEC_FAILED"
		result.Error = fmt.Sprintf("command binary %s not found", binary)
		return
	}

	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, string(inv.Inputs))
	cmd.Dir = workDir
	cmd.Env = r.buildEnv(workDir, execCtx.EnvWhitelist)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	result.Payload = truncate(stdout.Bytes(), maxResponseBytes)
	if runCtx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.ErrorCode = "TIMEOUT"
		result.Error = fmt.Sprintf("command exceeded %s", timeout)
		result.ExitCode = -1
		return
	}
	if err != nil {
		result.Success = false
		result.ErrorCode = "EXEC_FAILED"
		result.Error = string(truncate(stderr.Bytes(), 512))
		if result.Error == "" {
			result.Error = err.Error()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		return
	}

	result.Success = true
	result.ExitCode = 0
	if execCtx.SessionID != "" {
		r.responses.Put(execCtx.SessionID, stdout.Bytes())
	}
}

// buildEnv passes only PATH, HOME, TMPDIR, and explicitly whitelisted
// variables to the subprocess.
func (r *Runner) buildEnv(workDir string, whitelist []string) []string {
	execPath := strings.Join([]string{
		filepath.Join(r.agentosDir, "tools"),
		filepath.Join(r.agentosDir, "bin"),
		"/usr/bin", "/bin",
	}, string(os.PathListSeparator))

	env := []string{
		"PATH=" + execPath,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
	}
	for _, name := range whitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// toolCommand extracts the command from an ext:<extension>:<command> id.
func toolCommand(toolID string) string {
	parts := strings.SplitN(toolID, ":", 3)
	if len(parts) != 3 {
		return toolID
	}
	return parts[2]
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
