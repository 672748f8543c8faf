// Package mcp connects to Model Context Protocol servers over stdio and
// surfaces their tools to the capability registry. The client speaks
// JSON-RPC 2.0, one message per line.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Error codes surfaced on tool results.
const (
	CodeConnectionError = "MCP_CONNECTION_ERROR"
	CodeProtocolError   = "MCP_PROTOCOL_ERROR"
)

var (
	// ErrConnection covers transport failures: the server process died,
	// the pipe broke, or the call timed out.
	ErrConnection = errors.New("mcp connection error")
	// ErrProtocol covers malformed or unexpected JSON-RPC traffic.
	ErrProtocol = errors.New("mcp protocol error")
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ServersFile is the mcp_servers.yaml document.
type ServersFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Validate rejects configs that smell like command injection or path
// traversal before any process is spawned.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.Command == "" {
		return fmt.Errorf("server %s: command is required", c.ID)
	}
	if strings.Contains(filepath.Clean(c.Command), "..") {
		return fmt.Errorf("server %s: command contains path traversal", c.ID)
	}
	if c.WorkDir != "" && strings.Contains(filepath.Clean(c.WorkDir), "..") {
		return fmt.Errorf("server %s: workdir contains path traversal", c.ID)
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("server %s: arg[%d] contains shell metacharacters: %q", c.ID, i, arg)
		}
	}
	return nil
}

// containsShellMetachars flags argument values that suggest command
// chaining. Spaces and quotes stay legal; they are common in real args.
func containsShellMetachars(s string) bool {
	patterns := []string{
		"$(", "${", "`",
		"&&", "||", ";", "|",
		">", "<",
		"\n", "\r",
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Tool is one tool a server exposes.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call. IsError marks a failed
// execution that still produced content.
type ToolCallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one piece of tool output.
type ToolContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the textual parts of the result.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// JSON-RPC 2.0 wire types.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listToolsResult struct {
	Tools []*Tool `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
