package extensions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/agentos-dev/agentos/internal/installer"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

const installPlan = `
steps:
  - id: detect
    type: detect.platform
  - id: marker
    type: exec.shell
    command: echo installed > marker.txt
uninstall:
  steps:
    - id: cleanup
      type: exec.shell
      command: rm -f marker.txt
`

const failingPlan = `
steps:
  - id: boom
    type: exec.shell
    command: exit 1
`

func newTestManager(t *testing.T) (*Manager, *Registry, storage.StoreSet) {
	t.Helper()
	stores := storage.NewMemoryStores()
	root := filepath.Join(t.TempDir(), "extensions")
	registry := NewRegistry(stores.Extensions, stores.ExtensionConfigs, root)
	engine := installer.NewEngine(stores.Installs, nil, t.TempDir())
	return NewManager(registry, engine, stores.Extensions, nil), registry, stores
}

func packageWithPlan(t *testing.T, plan string) string {
	t.Helper()
	return writeZip(t, []zipEntry{
		{name: "hello/manifest.json", content: validManifest},
		{name: "hello/install/plan.yaml", content: plan},
	})
}

func TestManagerInstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("install plans use exec.shell")
	}
	ctx := context.Background()
	mgr, registry, _ := newTestManager(t)

	result, err := mgr.Install(ctx, packageWithPlan(t, installPlan), nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !result.Success || result.Progress != 100 {
		t.Fatalf("result = %+v", result)
	}

	inst, err := registry.Get(ctx, "com.example.hello")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Record.Status != models.ExtensionInstalled {
		t.Fatalf("status = %s", inst.Record.Status)
	}
	if inst.Record.Enabled {
		t.Fatal("fresh installs must start disabled")
	}
	if inst.Manifest.ID != "com.example.hello" {
		t.Fatalf("manifest id = %s", inst.Manifest.ID)
	}

	marker, err := os.ReadFile(filepath.Join(registry.Dir("com.example.hello"), "marker.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(marker) != "installed\n" {
		t.Fatalf("marker = %q", marker)
	}
}

func TestManagerInstallFailureMarksFailed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("install plans use exec.shell")
	}
	ctx := context.Background()
	mgr, registry, _ := newTestManager(t)

	result, err := mgr.Install(ctx, packageWithPlan(t, failingPlan), nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if result.Success {
		t.Fatal("failing plan reported success")
	}
	if result.ErrorCode != installer.CodeCommandFailed || result.Hint == "" {
		t.Fatalf("result = %+v", result)
	}

	inst, err := registry.Get(ctx, "com.example.hello")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Record.Status != models.ExtensionFailed {
		t.Fatalf("status = %s", inst.Record.Status)
	}
	if err := registry.SetEnabled(ctx, "com.example.hello", true); err == nil {
		t.Fatal("FAILED extension was enabled")
	}
}

func TestManagerInstallRejectsBadPackage(t *testing.T) {
	ctx := context.Background()
	mgr, _, stores := newTestManager(t)

	path := writeZip(t, []zipEntry{{name: "hello/readme.txt", content: "no manifest"}})
	if _, err := mgr.Install(ctx, path, nil); err == nil {
		t.Fatal("package without manifest accepted")
	}
	if _, err := stores.Extensions.Get(ctx, "com.example.hello"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rejected package left a record: %v", err)
	}
}

func TestManagerUninstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("install plans use exec.shell")
	}
	ctx := context.Background()
	mgr, registry, stores := newTestManager(t)

	if _, err := mgr.Install(ctx, packageWithPlan(t, installPlan), nil); err != nil {
		t.Fatal(err)
	}
	dir := registry.Dir("com.example.hello")

	result, err := mgr.Uninstall(ctx, "com.example.hello", nil)
	if err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("extension directory survived uninstall")
	}
	if _, err := stores.Extensions.Get(ctx, "com.example.hello"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived uninstall: %v", err)
	}
}
