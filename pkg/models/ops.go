package models

import "time"

// LeadFinding is a deduplicated operational finding keyed by
// fingerprint. Re-observations bump last_seen_at and count.
type LeadFinding struct {
	Fingerprint  string    `json:"fingerprint"`
	Code         string    `json:"code"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	WindowKind   string    `json:"window_kind,omitempty"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Count        int       `json:"count"`
	EvidenceJSON string    `json:"evidence_json,omitempty"`
	LinkedTaskID string    `json:"linked_task_id,omitempty"`
}

// TaskAudit is an append-only audit row for background task activity.
type TaskAudit struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	EventType   string         `json:"event_type"`
	PayloadJSON map[string]any `json:"payload_json,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SystemLog is a durable system-level log row, used for errors that
// webhook endpoints swallow to keep providers from retrying.
type SystemLog struct {
	ID          string         `json:"id"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	ContextJSON map[string]any `json:"context_json,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
