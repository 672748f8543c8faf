package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/installer"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// defaultPlanPath is where a manifest's install plan lives when the
// manifest does not name one.
const defaultPlanPath = "install/plan.yaml"

// Manager runs the full extension lifecycle: package validation,
// extraction, plan execution, and record keeping. The Registry stays
// the read-side authority; the Manager owns the state transitions.
type Manager struct {
	registry *Registry
	engine   *installer.Engine
	store    storage.ExtensionStore
	audit    *audit.Logger
	client   *http.Client
	logger   *slog.Logger
}

// NewManager creates an extension manager. auditLog may be nil.
func NewManager(registry *Registry, engine *installer.Engine, store storage.ExtensionStore, auditLog *audit.Logger) *Manager {
	return &Manager{
		registry: registry,
		engine:   engine,
		store:    store,
		audit:    auditLog,
		client:   &http.Client{Timeout: 5 * time.Minute},
		logger:   observability.Component("extensions"),
	}
}

// Install validates a local package file and runs its install plan. On
// failure the extension record is left FAILED with the run's error
// captured on the install record.
func (m *Manager) Install(ctx context.Context, packagePath string, onEvent installer.EventFunc) (*installer.Result, error) {
	return m.install(ctx, packagePath, "file", packagePath, "", onEvent)
}

// InstallURL downloads a package over HTTPS and installs it. A non-empty
// expectedSHA256 must match the downloaded file's digest.
func (m *Manager) InstallURL(ctx context.Context, packageURL, expectedSHA256 string, onEvent installer.EventFunc) (*installer.Result, error) {
	u, err := url.Parse(packageURL)
	if err != nil {
		return nil, fmt.Errorf("parse package url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("package downloads require https, got %q", u.Scheme)
	}

	tmp, err := os.CreateTemp("", "agentos-ext-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if err := m.download(ctx, packageURL, tmp); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	if expectedSHA256 != "" {
		digest, err := FileSHA256(tmp.Name())
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(digest, expectedSHA256) {
			return nil, fmt.Errorf("package sha256 mismatch: want %s, got %s", expectedSHA256, digest)
		}
	}
	return m.install(ctx, tmp.Name(), "url", packageURL, expectedSHA256, onEvent)
}

func (m *Manager) install(ctx context.Context, packagePath, source, sourceURL, pinnedSHA string, onEvent installer.EventFunc) (*installer.Result, error) {
	info, err := InspectPackage(packagePath)
	if err != nil {
		return nil, err
	}
	manifest := info.Manifest
	if !manifest.SupportsPlatform(currentPlatform()) {
		return nil, fmt.Errorf("extension %s does not support %s", manifest.ID, currentPlatform())
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	rec := &models.ExtensionRecord{
		ExtensionID:  manifest.ID,
		Name:         manifest.Name,
		Version:      manifest.Version,
		Status:       models.ExtensionInstalling,
		Enabled:      false,
		SHA256:       info.SHA256,
		Source:       source,
		SourceURL:    sourceURL,
		InstalledAt:  time.Now().UTC(),
		ManifestJSON: string(manifestJSON),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	m.logEvent(ctx, audit.EventInstallStart, manifest.ID, map[string]any{
		"version": manifest.Version,
		"source":  source,
		"sha256":  info.SHA256,
	}, "")

	dir, err := m.materialize(packagePath, manifest.ID)
	if err != nil {
		m.markFailed(ctx, manifest.ID)
		return nil, err
	}

	plan, err := m.loadPlan(dir, manifest)
	if err != nil {
		m.markFailed(ctx, manifest.ID)
		return nil, err
	}

	result, err := m.engine.Run(ctx, manifest.ID, plan, dir, manifest.PermissionsRequired, onEvent)
	if err != nil {
		m.markFailed(ctx, manifest.ID)
		return nil, err
	}

	status := models.ExtensionInstalled
	if !result.Success {
		status = models.ExtensionFailed
	}
	if err := m.store.SetStatus(ctx, manifest.ID, status); err != nil {
		return nil, err
	}
	m.logEvent(ctx, audit.EventInstallDone, manifest.ID, map[string]any{
		"success":  result.Success,
		"progress": result.Progress,
		"code":     result.ErrorCode,
	}, result.ErrorCode)

	m.logger.Info("extension install finished",
		"extension_id", manifest.ID,
		"version", manifest.Version,
		"success", result.Success)
	return result, nil
}

// Uninstall runs the plan's uninstall block and removes the extension.
// The record and directory go away even when the uninstall steps fail;
// the failure is reported so the caller can surface leftover state.
func (m *Manager) Uninstall(ctx context.Context, extensionID string, onEvent installer.EventFunc) (*installer.Result, error) {
	inst, err := m.registry.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}

	dir := m.registry.Dir(extensionID)
	var result *installer.Result
	if plan, err := m.loadPlan(dir, inst.Manifest); err == nil && len(plan.Uninstall.Steps) > 0 {
		result, err = m.engine.RunUninstall(ctx, extensionID, plan, dir, inst.Manifest.PermissionsRequired, onEvent)
		if err != nil {
			return nil, err
		}
	} else {
		result = &installer.Result{Success: true, Progress: 100}
	}

	if err := m.registry.Remove(ctx, extensionID); err != nil {
		return result, err
	}
	m.logger.Info("extension uninstalled", "extension_id", extensionID, "clean", result.Success)
	return result, nil
}

// materialize extracts the package and moves its root into the
// registry's directory for the extension, replacing any previous tree.
func (m *Manager) materialize(packagePath, extensionID string) (string, error) {
	staging, err := os.MkdirTemp(m.registry.Root(), ".staging-*")
	if err != nil {
		if mkErr := os.MkdirAll(m.registry.Root(), 0o755); mkErr != nil {
			return "", mkErr
		}
		staging, err = os.MkdirTemp(m.registry.Root(), ".staging-*")
		if err != nil {
			return "", err
		}
	}
	defer os.RemoveAll(staging)

	extracted, err := ExtractPackage(packagePath, staging)
	if err != nil {
		return "", err
	}

	dir := m.registry.Dir(extensionID)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.Rename(extracted, dir); err != nil {
		return "", fmt.Errorf("move extension tree: %w", err)
	}
	return dir, nil
}

func (m *Manager) loadPlan(dir string, manifest *models.ExtensionManifest) (*installer.Plan, error) {
	rel := manifest.Install.Plan
	if rel == "" {
		rel = defaultPlanPath
	}
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("plan path %q escapes the extension directory", rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read install plan: %w", err)
	}
	return installer.ParsePlan(data)
}

func (m *Manager) download(ctx context.Context, packageURL string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, packageURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download package: status %d", resp.StatusCode)
	}
	n, err := io.Copy(dst, io.LimitReader(resp.Body, MaxPackageBytes+1))
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	if n > MaxPackageBytes {
		return fmt.Errorf("package exceeds %d bytes", int64(MaxPackageBytes))
	}
	return nil
}

func (m *Manager) markFailed(ctx context.Context, extensionID string) {
	if err := m.store.SetStatus(ctx, extensionID, models.ExtensionFailed); err != nil {
		m.logger.Error("mark extension failed", "extension_id", extensionID, "error", err)
	}
}

func (m *Manager) logEvent(ctx context.Context, typ audit.EventType, extensionID string, details map[string]any, errCode string) {
	if m.audit == nil {
		return
	}
	m.audit.Log(ctx, &audit.Event{
		Type:    typ,
		Level:   audit.LevelInfo,
		Action:  string(typ),
		ToolID:  extensionID,
		Details: details,
		Error:   errCode,
	})
}

// currentPlatform maps GOOS onto the manifest platform vocabulary.
func currentPlatform() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}
