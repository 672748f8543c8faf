package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// maxDownloadBytes caps download.http artifacts.
const maxDownloadBytes = 200 << 20

// stepContext carries per-run state shared by the step executors.
type stepContext struct {
	workDir     string
	vars        map[string]string
	permissions map[string]bool
	client      *http.Client
	// execPath is the restricted PATH exec steps run under.
	execPath string
}

// detectPlatform populates platform.os and platform.arch.
func (sc *stepContext) detectPlatform() error {
	var osName string
	switch runtime.GOOS {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "darwin"
	case "windows":
		osName = "win32"
	default:
		return stepErrorf(CodePlatformNotSupported, "unsupported OS %q", runtime.GOOS)
	}
	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "x64"
	case "arm64":
		arch = "arm64"
	default:
		return stepErrorf(CodePlatformNotSupported, "unsupported architecture %q", runtime.GOARCH)
	}
	sc.vars["platform.os"] = osName
	sc.vars["platform.arch"] = arch
	return nil
}

// downloadHTTP fetches an HTTPS URL into work_dir/<target>, with an
// optional sha256 check.
func (sc *stepContext) downloadHTTP(ctx context.Context, step Step) error {
	u, err := url.Parse(step.URL)
	if err != nil {
		return stepErrorf(CodeDownloadFailed, "parse url %q: %v", step.URL, err)
	}
	if u.Scheme != "https" {
		return stepErrorf(CodeDownloadFailed, "downloads require https, got %q", u.Scheme)
	}
	target, err := sc.resolvePath(step.Target)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, step.URL, nil)
	if err != nil {
		return stepErrorf(CodeDownloadFailed, "build request: %v", err)
	}
	resp, err := sc.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return stepErrorf(CodeTimeout, "download %s timed out", step.URL)
		}
		return stepErrorf(CodeDownloadFailed, "download %s: %v", step.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stepErrorf(CodeDownloadFailed, "download %s: status %d", step.URL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return stepErrorf(CodeDownloadFailed, "create target dir: %v", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return stepErrorf(CodeDownloadFailed, "create %s: %v", target, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return stepErrorf(CodeDownloadFailed, "write %s: %v", target, err)
	}
	if n > maxDownloadBytes {
		return stepErrorf(CodeDownloadFailed, "download exceeds %d bytes", maxDownloadBytes)
	}
	if step.SHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, step.SHA256) {
			// Remove the poisoned artifact before reporting.
			_ = os.Remove(target)
			return stepErrorf(CodeVerificationFailed, "sha256 mismatch: want %s, got %s", step.SHA256, got)
		}
	}
	return nil
}

// extractZip unpacks work_dir/<source> into work_dir/<target>,
// rejecting traversal entries and symlinks.
func (sc *stepContext) extractZip(step Step) error {
	source, err := sc.resolvePath(step.Source)
	if err != nil {
		return err
	}
	target, err := sc.resolvePath(step.Target)
	if err != nil {
		return err
	}

	r, err := zip.OpenReader(source)
	if err != nil {
		return stepErrorf(CodeCommandFailed, "open archive %s: %v", step.Source, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Mode()&os.ModeSymlink != 0 {
			return stepErrorf(CodeCommandFailed, "archive entry %q is a symlink", f.Name)
		}
		dest := filepath.Join(target, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, target+string(os.PathSeparator)) && dest != target {
			return stepErrorf(CodeCommandFailed, "archive entry %q escapes the target", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return stepErrorf(CodeCommandFailed, "create %s: %v", dest, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return stepErrorf(CodeCommandFailed, "create %s: %v", filepath.Dir(dest), err)
		}
		if err := copyZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return stepErrorf(CodeCommandFailed, "open entry %s: %v", f.Name, err)
	}
	defer src.Close()
	mode := f.Mode().Perm() & 0o755
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return stepErrorf(CodeCommandFailed, "create %s: %v", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(src, maxDownloadBytes)); err != nil {
		return stepErrorf(CodeCommandFailed, "extract %s: %v", f.Name, err)
	}
	return nil
}

// execShell runs one shell command restricted to the work dir, a
// minimal PATH, and a whitelisted environment.
func (sc *stepContext) execShell(ctx context.Context, step Step) error {
	if runtime.GOOS == "windows" {
		return stepErrorf(CodePlatformNotSupported, "exec.shell is not available on windows")
	}
	return sc.runCommand(ctx, step, "/bin/sh", "-c", step.Command)
}

// execPowershell is the Windows counterpart of exec.shell.
func (sc *stepContext) execPowershell(ctx context.Context, step Step) error {
	if runtime.GOOS != "windows" {
		return stepErrorf(CodePlatformNotSupported, "exec.powershell requires windows")
	}
	return sc.runCommand(ctx, step, "powershell", "-NoProfile", "-Command", step.Command)
}

func (sc *stepContext) runCommand(ctx context.Context, step Step, name string, args ...string) error {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = sc.workDir
	cmd.Env = []string{
		"PATH=" + sc.execPath,
		"HOME=" + sc.workDir,
		"TMPDIR=" + sc.workDir,
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// The whole process group dies with the step, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stepErrorf(CodeTimeout, "command exceeded %s", timeout)
	}
	if err != nil {
		return stepErrorf(CodeCommandFailed, "command failed: %v: %s", err, tail(out.String(), 512))
	}
	return nil
}

// verifyCommandExists probes PATH without executing anything.
func (sc *stepContext) verifyCommandExists(step Step) error {
	if step.Command == "" {
		return stepErrorf(CodeVerificationFailed, "verify.command_exists has no command")
	}
	if _, err := exec.LookPath(step.Command); err != nil {
		return stepErrorf(CodeVerificationFailed, "command %q not found", step.Command)
	}
	return nil
}

// verifyHTTP requires a 2xx from the URL.
func (sc *stepContext) verifyHTTP(ctx context.Context, step Step) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, step.URL, nil)
	if err != nil {
		return stepErrorf(CodeVerificationFailed, "build request: %v", err)
	}
	resp, err := sc.client.Do(req)
	if err != nil {
		return stepErrorf(CodeVerificationFailed, "probe %s: %v", step.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stepErrorf(CodeVerificationFailed, "probe %s: status %d", step.URL, resp.StatusCode)
	}
	return nil
}

// writeConfig appends one key/value to work_dir/config.json.
func (sc *stepContext) writeConfig(step Step) error {
	if step.Key == "" {
		return stepErrorf(CodeCommandFailed, "write.config has no key")
	}
	path := filepath.Join(sc.workDir, "config.json")

	config := make(map[string]any)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &config); err != nil {
			return stepErrorf(CodeCommandFailed, "existing config.json is corrupt: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return stepErrorf(CodeCommandFailed, "read config.json: %v", err)
	}

	config[step.Key] = expandVars(step.Value, sc.vars)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return stepErrorf(CodeCommandFailed, "marshal config.json: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return stepErrorf(CodeCommandFailed, "write config.json: %v", err)
	}
	return nil
}

// resolvePath joins a plan-relative path onto work_dir, refusing
// escapes.
func (sc *stepContext) resolvePath(rel string) (string, error) {
	if rel == "" {
		return "", stepErrorf(CodeInvalidPlan, "step is missing a path field")
	}
	if filepath.IsAbs(rel) {
		return "", stepErrorf(CodeInvalidPlan, "absolute path %q is not allowed", rel)
	}
	joined := filepath.Join(sc.workDir, expandVars(rel, sc.vars))
	cleanRoot := filepath.Clean(sc.workDir)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(os.PathSeparator)) {
		return "", stepErrorf(CodeInvalidPlan, "path %q escapes the work dir", rel)
	}
	return joined, nil
}

// expandVars substitutes ${platform.os}-style references.
func expandVars(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
