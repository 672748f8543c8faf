package installer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// EventPhase classifies a progress event.
type EventPhase string

const (
	PhaseStart   EventPhase = "start"
	PhaseEnd     EventPhase = "end"
	PhaseSkipped EventPhase = "skipped"
)

// Event is one step progress notification.
type Event struct {
	ExtensionID string
	StepID      string
	StepType    StepType
	Index       int
	Total       int
	Phase       EventPhase
	Progress    int
	Err         error
}

// EventFunc receives progress events during a run.
type EventFunc func(Event)

// Result is the outcome of one plan run.
type Result struct {
	InstallID  string
	Success    bool
	Progress   int
	FailedStep string
	ErrorCode  string
	Hint       string
	Err        error
}

// Engine executes install plans. One plan runs per extension at a
// time; concurrent requests fail with INSTALL_IN_PROGRESS.
type Engine struct {
	installs storage.InstallStore
	audit    *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger
	client   *http.Client
	// agentosDir anchors the restricted PATH for exec steps.
	agentosDir string

	// mu guards active, the in-process per-extension claim. The claim
	// is taken before the store is consulted so two concurrent runs for
	// the same extension can never both create a record.
	mu     sync.Mutex
	active map[string]bool
}

// NewEngine creates an install engine. auditLog may be nil.
func NewEngine(installs storage.InstallStore, auditLog *audit.Logger, agentosDir string) *Engine {
	return &Engine{
		installs:   installs,
		audit:      auditLog,
		metrics:    observability.NewMetrics(),
		logger:     observability.Component("installer"),
		client:     &http.Client{Timeout: 5 * time.Minute},
		agentosDir: agentosDir,
		active:     make(map[string]bool),
	}
}

// Run executes the plan's install steps for an extension.
func (e *Engine) Run(ctx context.Context, extensionID string, plan *Plan, workDir string, permissions []string, onEvent EventFunc) (*Result, error) {
	return e.run(ctx, extensionID, plan.Steps, workDir, permissions, onEvent)
}

// RunUninstall executes the plan's uninstall block.
func (e *Engine) RunUninstall(ctx context.Context, extensionID string, plan *Plan, workDir string, permissions []string, onEvent EventFunc) (*Result, error) {
	return e.run(ctx, extensionID, plan.Uninstall.Steps, workDir, permissions, onEvent)
}

func (e *Engine) run(ctx context.Context, extensionID string, steps []Step, workDir string, permissions []string, onEvent EventFunc) (*Result, error) {
	e.mu.Lock()
	if e.active[extensionID] {
		e.mu.Unlock()
		return nil, stepErrorf(CodeInstallInProgress, "an install for %s is already running", extensionID)
	}
	e.active[extensionID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, extensionID)
		e.mu.Unlock()
	}()

	// The store check catches RUNNING records left by another process
	// or a crashed run.
	if _, err := e.installs.ActiveForExtension(ctx, extensionID); err == nil {
		return nil, stepErrorf(CodeInstallInProgress, "an install for %s is already running", extensionID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	rec := &models.InstallRecord{
		InstallID:   uuid.New().String(),
		ExtensionID: extensionID,
		Status:      models.InstallRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.installs.Create(ctx, rec); err != nil {
		return nil, err
	}

	perms := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		perms[p] = true
	}
	sc := &stepContext{
		workDir:     workDir,
		vars:        make(map[string]string),
		permissions: perms,
		client:      e.client,
		execPath: strings.Join([]string{
			filepath.Join(e.agentosDir, "tools"),
			filepath.Join(e.agentosDir, "bin"),
			"/usr/bin", "/bin",
		}, string(os.PathListSeparator)),
	}

	result := &Result{InstallID: rec.InstallID}
	total := len(steps)
	completed := 0
	for i, step := range steps {
		rec.CurrentStep = step.ID
		rec.Progress = progress(completed, total)
		if err := e.installs.Update(ctx, rec); err != nil {
			return nil, err
		}
		e.emit(onEvent, Event{ExtensionID: extensionID, StepID: step.ID, StepType: step.Type,
			Index: i, Total: total, Phase: PhaseStart, Progress: rec.Progress})

		skipped, err := e.runStep(ctx, sc, step)
		if skipped {
			completed++
			e.metrics.InstallSteps.WithLabelValues(string(step.Type), "skipped").Inc()
			e.emit(onEvent, Event{ExtensionID: extensionID, StepID: step.ID, StepType: step.Type,
				Index: i, Total: total, Phase: PhaseSkipped, Progress: progress(completed, total)})
			continue
		}
		if e.audit != nil {
			e.audit.LogInstallStep(ctx, extensionID, step.ID, i, total, err)
		}
		if err != nil {
			e.metrics.InstallSteps.WithLabelValues(string(step.Type), "failed").Inc()
			e.emit(onEvent, Event{ExtensionID: extensionID, StepID: step.ID, StepType: step.Type,
				Index: i, Total: total, Phase: PhaseEnd, Progress: progress(completed, total), Err: err})
			return e.fail(ctx, rec, result, step, completed, total, err)
		}

		completed++
		e.metrics.InstallSteps.WithLabelValues(string(step.Type), "success").Inc()
		e.emit(onEvent, Event{ExtensionID: extensionID, StepID: step.ID, StepType: step.Type,
			Index: i, Total: total, Phase: PhaseEnd, Progress: progress(completed, total)})
	}

	now := time.Now().UTC()
	rec.Status = models.InstallCompleted
	rec.Progress = 100
	rec.CurrentStep = ""
	rec.CompletedAt = &now
	if err := e.installs.Update(ctx, rec); err != nil {
		return nil, err
	}

	result.Success = true
	result.Progress = 100
	return result, nil
}

// runStep evaluates the guard and dispatches one step. skipped reports
// a false guard; the step did not run and did not fail.
func (e *Engine) runStep(ctx context.Context, sc *stepContext, step Step) (skipped bool, err error) {
	for _, p := range step.RequiresPermissions {
		if !sc.permissions[p] {
			return false, stepErrorf(CodePermissionDenied,
				"step %s requires permission %q the extension did not declare", step.ID, p)
		}
	}

	cond, err := parseCondition(step.When)
	if err != nil {
		return false, &StepError{Code: CodeConditionError, Err: err}
	}
	if !cond.evaluate(sc.vars) {
		return true, nil
	}

	switch step.Type {
	case StepDetectPlatform:
		return false, sc.detectPlatform()
	case StepDownloadHTTP:
		return false, sc.downloadHTTP(ctx, step)
	case StepExtractZip:
		return false, sc.extractZip(step)
	case StepExecShell:
		return false, sc.execShell(ctx, step)
	case StepExecPowershell:
		return false, sc.execPowershell(ctx, step)
	case StepVerifyCommandExists:
		return false, sc.verifyCommandExists(step)
	case StepVerifyHTTP:
		return false, sc.verifyHTTP(ctx, step)
	case StepWriteConfig:
		return false, sc.writeConfig(step)
	default:
		// Unreachable for parsed plans; kept for defense in depth.
		return false, stepErrorf(CodeInvalidPlan, "unknown step type %q", step.Type)
	}
}

func (e *Engine) fail(ctx context.Context, rec *models.InstallRecord, result *Result, step Step, completed, total int, stepErr error) (*Result, error) {
	code := errorCode(stepErr)
	now := time.Now().UTC()
	rec.Status = models.InstallFailed
	rec.Progress = progress(completed, total)
	rec.Error = stepErr.Error()
	rec.CompletedAt = &now
	if err := e.installs.Update(ctx, rec); err != nil {
		e.logger.Error("install record update failed", "install_id", rec.InstallID, "error", err)
	}

	e.logger.Warn("install plan failed",
		"extension_id", rec.ExtensionID,
		"step", step.ID,
		"code", code,
		"error", stepErr)

	result.Success = false
	result.Progress = rec.Progress
	result.FailedStep = step.ID
	result.ErrorCode = code
	result.Hint = Hint(code)
	result.Err = stepErr
	return result, nil
}

func (e *Engine) emit(onEvent EventFunc, ev Event) {
	if onEvent != nil {
		onEvent(ev)
	}
}

func progress(completed, total int) int {
	if total == 0 {
		return 100
	}
	return completed * 100 / total
}
