package models

import "time"

// ChannelStatus represents the lifecycle state of a configured channel.
type ChannelStatus string

const (
	ChannelDisabled   ChannelStatus = "DISABLED"
	ChannelEnabled    ChannelStatus = "ENABLED"
	ChannelError      ChannelStatus = "ERROR"
	ChannelNeedsSetup ChannelStatus = "NEEDS_SETUP"
)

// ChannelConfig is the instance state for one configured channel.
// ConfigJSON is opaque to the core; secret fields are encrypted at rest.
type ChannelConfig struct {
	ChannelID       string        `json:"channel_id"`
	ConfigJSON      string        `json:"config_json"`
	Status          ChannelStatus `json:"status"`
	Enabled         bool          `json:"enabled"`
	LastError       string        `json:"last_error,omitempty"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ChannelAuditEntry is an immutable audit-log row for a channel
// configuration change.
type ChannelAuditEntry struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	Action      string         `json:"action"`
	Details     map[string]any `json:"details,omitempty"`
	PerformedBy string         `json:"performed_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ChannelEvent records one inbound or outbound message outcome on a
// channel. Rows are append-only.
type ChannelEvent struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	EventType string         `json:"event_type"`
	MessageID string         `json:"message_id,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
