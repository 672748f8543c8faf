package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/config"
	"github.com/agentos-dev/agentos/internal/extensions"
	"github.com/agentos-dev/agentos/internal/gateway"
	"github.com/agentos-dev/agentos/internal/installer"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := gateway.New(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		fmt.Println("memory storage needs no migrations")
		return nil
	}
	if err := storage.MigrateSQL(ctx, cfg.Storage.Driver, cfg.Storage.DSN); err != nil {
		return err
	}
	fmt.Printf("schema applied (%s)\n", cfg.Storage.Driver)
	return nil
}

// extensionEnv is the offline wiring the extension commands share.
type extensionEnv struct {
	cfg      *config.Config
	stores   storage.StoreSet
	registry *extensions.Registry
	manager  *extensions.Manager
	auditLog *audit.Logger
}

func (e *extensionEnv) close() {
	_ = e.auditLog.Close()
	_ = e.stores.Close()
}

func openExtensionEnv(configPath string) (*extensionEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	var stores storage.StoreSet
	if cfg.Storage.Driver == "memory" {
		stores = storage.NewMemoryStores()
	} else {
		stores, err = storage.NewSQLStores(cfg.Storage.Driver, cfg.Storage.DSN, nil)
		if err != nil {
			return nil, err
		}
	}
	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	registry := extensions.NewRegistry(stores.Extensions, stores.ExtensionConfigs,
		filepath.Join(cfg.Home, "extensions"))
	engine := installer.NewEngine(stores.Installs, auditLog, cfg.Home)
	return &extensionEnv{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		manager:  extensions.NewManager(registry, engine, stores.Extensions, auditLog),
		auditLog: auditLog,
	}, nil
}

// printProgress renders install step events to stdout.
func printProgress(ev installer.Event) {
	switch ev.Phase {
	case installer.PhaseStart:
		fmt.Printf("[%d/%d] %s (%s)...\n", ev.Index+1, ev.Total, ev.StepID, ev.StepType)
	case installer.PhaseSkipped:
		fmt.Printf("[%d/%d] %s skipped\n", ev.Index+1, ev.Total, ev.StepID)
	case installer.PhaseEnd:
		if ev.Err != nil {
			fmt.Printf("[%d/%d] %s failed: %v\n", ev.Index+1, ev.Total, ev.StepID, ev.Err)
		}
	}
}

// reportInstall turns an install result into the process outcome.
func reportInstall(result *installer.Result) error {
	if result.Success {
		fmt.Printf("done (progress %d%%)\n", result.Progress)
		return nil
	}
	msg := fmt.Sprintf("install failed at step %q: %s", result.FailedStep, result.ErrorCode)
	if result.Hint != "" {
		msg += "\nhint: " + result.Hint
	}
	return &exitError{code: exitCodeFor(result.ErrorCode), msg: msg}
}

func exitCodeFor(errorCode string) int {
	if errorCode == "SANDBOX_UNAVAILABLE" {
		return exitSandboxUnavailable
	}
	return exitFailure
}

func runExtensionsList(ctx context.Context, configPath string) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	installed, err := env.registry.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tENABLED")
	for _, i := range installed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
			i.Record.ExtensionID, i.Record.Version, i.Record.Status, i.Record.Enabled)
	}
	return w.Flush()
}

func runExtensionsShow(ctx context.Context, configPath, extensionID string) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	installed, err := env.registry.Get(ctx, extensionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("extension %s is not installed", extensionID)
		}
		return err
	}
	out, err := json.MarshalIndent(installed, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runExtensionsInstall(ctx context.Context, configPath, packagePath string) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.manager.Install(ctx, packagePath, printProgress)
	if err != nil {
		return err
	}
	return reportInstall(result)
}

func runExtensionsInstallURL(ctx context.Context, configPath, packageURL, sha256 string) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.manager.InstallURL(ctx, packageURL, sha256, printProgress)
	if err != nil {
		return err
	}
	return reportInstall(result)
}

func runExtensionsSetEnabled(ctx context.Context, configPath, extensionID string, enabled bool) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.registry.SetEnabled(ctx, extensionID, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("extension %s is not installed", extensionID)
		}
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", extensionID, state)
	return nil
}

func runExtensionsUninstall(ctx context.Context, configPath, extensionID string) error {
	env, err := openExtensionEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.manager.Uninstall(ctx, extensionID, printProgress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("extension %s is not installed", extensionID)
		}
		return err
	}
	if !result.Success {
		// The record and directory are gone either way; surface that the
		// uninstall steps did not complete cleanly.
		fmt.Printf("uninstall steps failed (%s); extension removed anyway\n", result.ErrorCode)
	} else {
		fmt.Printf("%s uninstalled\n", extensionID)
	}
	return nil
}

// gatewayAddr derives the admin API base URL.
func gatewayAddr(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	addr := cfg.Server.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func adminGet(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runToolsList(ctx context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	var body struct {
		Tools []*models.ToolDescriptor `json:"tools"`
	}
	if err := adminGet(ctx, gatewayAddr(cfg, addr)+"/api/tools", &body); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tRISK\tSOURCE\tSIDE EFFECTS")
	for _, tool := range body.Tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tool.ToolID, tool.RiskLevel, tool.SourceType, strings.Join(tool.SideEffectTags, ","))
	}
	return w.Flush()
}

type toolInvokeArgs struct {
	ToolID        string
	Inputs        string
	SessionID     string
	Mode          string
	ApprovalToken string
	SpecFrozen    bool
}

func runToolsInvoke(ctx context.Context, configPath, addr string, args toolInvokeArgs) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if args.Inputs != "" && !json.Valid([]byte(args.Inputs)) {
		return &exitError{code: exitUsage, msg: "--inputs must be a JSON object"}
	}

	payload := map[string]any{
		"tool_id":        args.ToolID,
		"actor":          "cli",
		"session_id":     args.SessionID,
		"mode":           args.Mode,
		"spec_frozen":    args.SpecFrozen,
		"approval_token": args.ApprovalToken,
	}
	if args.Inputs != "" {
		payload["inputs"] = json.RawMessage(args.Inputs)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		gatewayAddr(cfg, addr)+"/api/tools/invoke", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result models.ToolExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Success {
		return &exitError{
			code: exitCodeFor(result.ErrorCode),
			msg:  fmt.Sprintf("invocation failed: %s", result.ErrorCode),
		}
	}
	return nil
}
