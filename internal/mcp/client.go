package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentos-dev/agentos/internal/observability"
)

// Client speaks to one MCP server: initialize handshake, tool listing,
// and tool calls.
type Client struct {
	config    ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for a validated server config.
func NewClient(config ServerConfig) *Client {
	return &Client{
		config:    config,
		transport: newStdioTransport(config),
		logger:    observability.Component("mcp").With("server", config.ID),
	}
}

// Connect starts the server process and performs the initialize
// handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	raw, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentos",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("%w: parse initialize result: %v", ErrProtocol, err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	c.logger.Info("mcp server connected",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)
	return nil
}

// Close stops the server process.
func (c *Client) Close() error { return c.transport.Close() }

// Connected reports whether the transport is up.
func (c *Client) Connected() bool { return c.transport.Connected() }

// ID returns the configured server id.
func (c *Client) ID() string { return c.config.ID }

// ServerInfo returns the handshake's server identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools fetches the server's tools and caches them.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: parse tools/list result: %v", ErrProtocol, err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// Tools returns the last fetched tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes one tool. A result with IsError set is returned to
// the caller as-is; mapping it onto a failed execution is the
// capability layer's job.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: parse tools/call result: %v", ErrProtocol, err)
	}
	return &result, nil
}
