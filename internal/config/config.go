// Package config loads the gateway configuration: a yaml file with
// environment expansion, strict field checking, and AGENTOS_* overrides
// applied after the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/agentos-dev/agentos/internal/audit"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Channels ChannelsConfig `yaml:"channels"`
	Bus      BusConfig      `yaml:"bus"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    audit.Config   `yaml:"audit"`
	MCP      MCPConfig      `yaml:"mcp"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	// Home is the agentos state directory. Extensions, tools, and work
	// dirs all live under it.
	Home string `yaml:"home"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// AdminToken approves CRITICAL tool invocations. When empty the
	// router rejects every approval token.
	AdminToken string `yaml:"admin_token"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is sqlite, postgres, or memory.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ChannelsConfig configures the channel registry.
type ChannelsConfig struct {
	ManifestDir string `yaml:"manifest_dir"`
	// SecretsKey is the hex-encoded 32-byte key encrypting channel
	// secrets at rest.
	SecretsKey            string `yaml:"secrets_key"`
	HeartbeatStaleMinutes int    `yaml:"heartbeat_stale_minutes"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	QueueBuffer    int `yaml:"queue_buffer"`
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
	SendPerSecond  int `yaml:"send_per_second"`
	SendBurst      int `yaml:"send_burst"`
	RetryAttempts  int `yaml:"retry_attempts"`
}

// MCPConfig locates the MCP servers file.
type MCPConfig struct {
	ServersFile string `yaml:"servers_file"`
}

// SandboxConfig configures the container sandbox.
type SandboxConfig struct {
	Image string `yaml:"image"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	agentosHome := filepath.Join(home, ".agentos")
	return &Config{
		Server:  ServerConfig{ListenAddr: ":8420"},
		Storage: StorageConfig{Driver: "sqlite", DSN: filepath.Join(agentosHome, "agentos.db")},
		Channels: ChannelsConfig{
			ManifestDir:           filepath.Join(agentosHome, "manifests"),
			HeartbeatStaleMinutes: 5,
		},
		Bus: BusConfig{
			QueueBuffer:    128,
			IdleTTLMinutes: 10,
			SendPerSecond:  1,
			SendBurst:      5,
			RetryAttempts:  3,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Audit:   audit.DefaultConfig(),
		MCP:     MCPConfig{ServersFile: filepath.Join(agentosHome, "mcp_servers.yaml")},
		Sandbox: SandboxConfig{
			Image: "alpine:3.19",
		},
		Home: agentosHome,
	}
}

// Load reads the config file, expands ${ENV} references, applies
// defaults for absent fields, then applies AGENTOS_* overrides. An
// empty path returns the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file
// without editing it.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("AGENTOS_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("AGENTOS_ADMIN_TOKEN", &cfg.Server.AdminToken)
	setString("AGENTOS_DB_DRIVER", &cfg.Storage.Driver)
	setString("AGENTOS_DB_DSN", &cfg.Storage.DSN)
	setString("AGENTOS_HOME", &cfg.Home)
	setString("AGENTOS_MANIFEST_DIR", &cfg.Channels.ManifestDir)
	setString("AGENTOS_SECRETS_KEY", &cfg.Channels.SecretsKey)
	setString("AGENTOS_MCP_SERVERS_FILE", &cfg.MCP.ServersFile)
	setString("AGENTOS_SANDBOX_IMAGE", &cfg.Sandbox.Image)
	setString("AGENTOS_LOG_LEVEL", &cfg.Logging.Level)
	setInt("AGENTOS_HEARTBEAT_STALE_MINUTES", &cfg.Channels.HeartbeatStaleMinutes)
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
	}
	if c.Home == "" {
		return fmt.Errorf("home directory is required")
	}
	if c.Bus.IdleTTLMinutes < 0 || c.Bus.QueueBuffer < 0 {
		return fmt.Errorf("bus settings must be non-negative")
	}
	return nil
}
