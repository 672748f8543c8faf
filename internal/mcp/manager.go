package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agentos-dev/agentos/internal/observability"
)

// Manager owns the configured MCP servers. Servers that fail to connect
// stay registered and are retried on the next Connect call; their tools
// simply stay absent until then.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		logger:  observability.Component("mcp"),
		clients: make(map[string]*Client),
	}
}

// LoadServersFile reads and validates mcp_servers.yaml. A missing file
// is not an error; it means no MCP servers are configured.
func LoadServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file ServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(file.Servers))
	for i := range file.Servers {
		cfg := &file.Servers[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate server id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return file.Servers, nil
}

// Register adds a server without connecting it.
func (m *Manager) Register(config ServerConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[config.ID]; ok {
		return fmt.Errorf("server %s is already registered", config.ID)
	}
	m.clients[config.ID] = NewClient(config)
	return nil
}

// Connect brings up every registered server that is not already
// connected. Individual failures are logged and skipped; one bad server
// must not take down the rest.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if c.Connected() {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			m.logger.Warn("mcp server connect failed", "server", c.ID(), "error", err)
		}
	}
}

// Close shuts down every server.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("mcp server close failed", "server", id, "error", err)
		}
	}
}

// Client returns the client for a server id.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[serverID]
	return c, ok
}

// ServerIDs lists the registered server ids.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// ListTools fetches tools from one connected server.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	c, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %s", ErrConnection, serverID)
	}
	if !c.Connected() {
		return nil, fmt.Errorf("%w: server %s is not connected", ErrConnection, serverID)
	}
	return c.ListTools(ctx)
}

// CallTool invokes a tool on one connected server.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*ToolCallResult, error) {
	c, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %s", ErrConnection, serverID)
	}
	if !c.Connected() {
		return nil, fmt.Errorf("%w: server %s is not connected", ErrConnection, serverID)
	}
	return c.CallTool(ctx, tool, arguments)
}
