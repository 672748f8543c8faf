package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentos.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8420" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Bus.QueueBuffer != 128 || cfg.Bus.RetryAttempts != 3 {
		t.Fatalf("bus = %+v", cfg.Bus)
	}
	if !cfg.Audit.Enabled {
		t.Fatal("audit disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
storage:
  driver: postgres
  dsn: postgres://localhost/agentos
channels:
  heartbeat_stale_minutes: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://localhost/agentos" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Channels.HeartbeatStaleMinutes != 10 {
		t.Fatalf("stale minutes = %d", cfg.Channels.HeartbeatStaleMinutes)
	}
	// Fields the file omits keep their defaults.
	if cfg.Bus.QueueBuffer != 128 {
		t.Fatalf("bus buffer = %d", cfg.Bus.QueueBuffer)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_AGENTOS_DSN", "postgres://db.internal/agentos")
	path := writeConfig(t, `
storage:
  driver: postgres
  dsn: ${TEST_AGENTOS_DSN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://db.internal/agentos" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_adr: \":9000\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("typo in field name was accepted")
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("AGENTOS_LISTEN_ADDR", ":7777")
	t.Setenv("AGENTOS_SANDBOX_IMAGE", "alpine:3.20")
	path := writeConfig(t, "server:\n  listen_addr: \":9000\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Sandbox.Image != "alpine:3.20" {
		t.Fatalf("sandbox image = %q", cfg.Sandbox.Image)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(*Config) {}, false},
		{"memory driver without dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "memory"} }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "oracle" }, true},
		{"sqlite without dsn", func(c *Config) { c.Storage.DSN = "" }, true},
		{"missing home", func(c *Config) { c.Home = "" }, true},
		{"negative queue buffer", func(c *Config) { c.Bus.QueueBuffer = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
