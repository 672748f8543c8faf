package capability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/internal/extensions"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	agentosDir := t.TempDir()
	stores := storage.NewMemoryStores()
	registry := extensions.NewRegistry(stores.Extensions, stores.ExtensionConfigs,
		filepath.Join(agentosDir, "extensions"))
	return NewRunner(registry, NewResponseStore(), agentosDir), agentosDir
}

func writeTool(t *testing.T, runner *Runner, extensionID, command, script string) {
	t.Helper()
	dir := filepath.Join(runner.extensions.Dir(extensionID), "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, command), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func extDescriptor(extensionID, command string) *models.ToolDescriptor {
	return &models.ToolDescriptor{
		ToolID:     "ext:" + extensionID + ":" + command,
		Name:       command,
		RiskLevel:  models.RiskLow,
		SourceType: models.SourceExtension,
		SourceID:   extensionID,
		Enabled:    true,
	}
}

func TestRunnerExecSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tools require a unix shell")
	}
	runner, _ := newTestRunner(t)
	writeTool(t, runner, "com.example.hello", "greet", "#!/bin/sh\necho hello-from-tool\n")

	desc := extDescriptor("com.example.hello", "greet")
	inv := invocation(desc.ToolID)
	result, err := runner.Execute(context.Background(), desc, inv, ExecutionContext{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
	if string(result.Payload) != "hello-from-tool\n" {
		t.Fatalf("payload = %q", result.Payload)
	}

	if data, ok := runner.responses.Get("sess-1"); !ok || string(data) != "hello-from-tool\n" {
		t.Fatalf("response not captured: %q, %v", data, ok)
	}
}

func TestRunnerExecEnvIsRestricted(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tools require a unix shell")
	}
	runner, _ := newTestRunner(t)
	writeTool(t, runner, "com.example.env", "dump", "#!/bin/sh\necho \"SECRET=$SECRET_TOKEN\"\necho \"ALLOWED=$ALLOWED_VAR\"\n")
	t.Setenv("SECRET_TOKEN", "hunter2")
	t.Setenv("ALLOWED_VAR", "visible")

	desc := extDescriptor("com.example.env", "dump")
	result, err := runner.Execute(context.Background(), desc, invocation(desc.ToolID),
		ExecutionContext{EnvWhitelist: []string{"ALLOWED_VAR"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Payload) != "SECRET=\nALLOWED=visible\n" {
		t.Fatalf("payload = %q", result.Payload)
	}
}

func TestRunnerExecTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tools require a unix shell")
	}
	runner, _ := newTestRunner(t)
	writeTool(t, runner, "com.example.slow", "stall", "#!/bin/sh\nsleep 10\n")

	desc := extDescriptor("com.example.slow", "stall")
	start := time.Now()
	result, err := runner.Execute(context.Background(), desc, invocation(desc.ToolID),
		ExecutionContext{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != "TIMEOUT" {
		t.Fatalf("result = %+v", result)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("process tree was not killed promptly")
	}
}

func TestRunnerRejectsEscapedWorkDir(t *testing.T) {
	runner, _ := newTestRunner(t)
	desc := extDescriptor("com.example.hello", "greet")
	result, err := runner.Execute(context.Background(), desc, invocation(desc.ToolID),
		ExecutionContext{WorkDir: "/etc"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != "INVALID_WORKDIR" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunnerAnalyzeResponse(t *testing.T) {
	runner, _ := newTestRunner(t)
	runner.responses.Put("sess-1", []byte(`{"status": "ok", "items": [1, 2, 3]}`))

	desc := extDescriptor("com.example.analyzer", "analyze.response")
	inv := invocation(desc.ToolID)
	result, err := runner.Execute(context.Background(), desc, inv, ExecutionContext{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	var summary map[string]any
	if err := json.Unmarshal(result.Payload, &summary); err != nil {
		t.Fatal(err)
	}
	if summary["json"] != true {
		t.Fatalf("summary = %v", summary)
	}

	result, err = runner.Execute(context.Background(), desc, inv, ExecutionContext{SessionID: "empty"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorCode != "NO_RESPONSE" {
		t.Fatalf("missing response result = %+v", result)
	}
}

func TestRunnerAnalyzeSchema(t *testing.T) {
	runner, _ := newTestRunner(t)
	desc := extDescriptor("com.example.analyzer", "analyze.schema")
	inv := invocation(desc.ToolID)
	inv.Inputs = json.RawMessage(`{"schema": {
		"type": "object",
		"properties": {"b": {}, "a": {}},
		"required": ["a"]
	}}`)

	result, err := runner.Execute(context.Background(), desc, inv, ExecutionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	var summary struct {
		Type       string   `json:"type"`
		Properties []string `json:"properties"`
	}
	if err := json.Unmarshal(result.Payload, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Type != "object" || len(summary.Properties) != 2 || summary.Properties[0] != "a" {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestResponseStoreTTL(t *testing.T) {
	store := NewResponseStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	store.Put("sess", []byte("payload"))

	if _, ok := store.Get("sess"); !ok {
		t.Fatal("fresh entry missing")
	}
	store.now = func() time.Time { return now.Add(25 * time.Hour) }
	if _, ok := store.Get("sess"); ok {
		t.Fatal("expired entry survived")
	}
}

func TestResponseStoreCap(t *testing.T) {
	store := NewResponseStore()
	store.Put("sess", make([]byte, maxResponseBytes+1024))
	data, ok := store.Get("sess")
	if !ok || len(data) != maxResponseBytes {
		t.Fatalf("len = %d, ok = %v", len(data), ok)
	}
}
