// Package audit provides structured audit logging for channel events,
// policy decisions, tool invocations, and install runs. Every accepted or
// rejected inbound message and every governed tool call produces an audit
// event; durable persistence is handled by the storage layer, this
// package covers the structured log trail.
package audit

import "time"

// EventType categorizes audit events.
type EventType string

const (
	// Message pipeline events
	EventMessageAccepted EventType = "message.accepted"
	EventMessageRejected EventType = "message.rejected"
	EventMessageDeduped  EventType = "message.deduped"
	EventMessageSent     EventType = "message.sent"
	EventSendFailed      EventType = "message.send_failed"

	// Channel lifecycle events
	EventChannelConfig  EventType = "channel.config"
	EventChannelEnabled EventType = "channel.enabled"
	EventChannelError   EventType = "channel.error"

	// Tool governance events
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"

	// Extension lifecycle events
	EventInstallStart EventType = "extension.install_start"
	EventInstallStep  EventType = "extension.install_step"
	EventInstallDone  EventType = "extension.install_done"

	// Evolution events
	EventDecisionProposed EventType = "evolution.proposed"
	EventDecisionReviewed EventType = "evolution.reviewed"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Level     Level          `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	ChannelID string         `json:"channel_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	UserKey   string         `json:"user_key,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeInputs determines if tool inputs are logged verbatim. When
	// false, only a hash is recorded.
	IncludeInputs bool `json:"include_inputs" yaml:"include_inputs"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Level:         LevelInfo,
		Output:        "stdout",
		IncludeInputs: false,
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
