// Package storage defines the persistence contracts for channel state,
// governance records, and append-only audit trails, with in-memory and
// SQL-backed implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentos-dev/agentos/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ChannelConfigStore persists per-channel instance configuration.
type ChannelConfigStore interface {
	Save(ctx context.Context, cfg *models.ChannelConfig) error
	Get(ctx context.Context, channelID string) (*models.ChannelConfig, error)
	List(ctx context.Context) ([]*models.ChannelConfig, error)
	Delete(ctx context.Context, channelID string) error
}

// ChannelAuditStore is the append-only audit log for channel
// configuration changes.
type ChannelAuditStore interface {
	Append(ctx context.Context, entry *models.ChannelAuditEntry) error
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelAuditEntry, error)
}

// ChannelEventStore records inbound and outbound message outcomes.
type ChannelEventStore interface {
	Append(ctx context.Context, event *models.ChannelEvent) error
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelEvent, error)
	// GetByMessage returns the event row for (channel_id, message_id).
	GetByMessage(ctx context.Context, channelID, messageID string) (*models.ChannelEvent, error)
}

// ViolationStore is the append-only security violation log.
type ViolationStore interface {
	AppendViolation(ctx context.Context, v *models.SecurityViolation) error
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.SecurityViolation, error)
}

// DedupeStore provides first-writer-wins message deduplication keyed by
// (channel_id, message_id).
type DedupeStore interface {
	// MarkSeen records the key and reports whether this writer was first.
	MarkSeen(ctx context.Context, channelID, messageID string) (first bool, err error)
}

// ExtensionStore persists installed extension records.
type ExtensionStore interface {
	Put(ctx context.Context, rec *models.ExtensionRecord) error
	Get(ctx context.Context, extensionID string) (*models.ExtensionRecord, error)
	List(ctx context.Context) ([]*models.ExtensionRecord, error)
	SetEnabled(ctx context.Context, extensionID string, enabled bool) error
	SetStatus(ctx context.Context, extensionID string, status models.ExtensionStatus) error
	Delete(ctx context.Context, extensionID string) error
}

// InstallStore tracks install runs and their progress.
type InstallStore interface {
	Create(ctx context.Context, rec *models.InstallRecord) error
	Update(ctx context.Context, rec *models.InstallRecord) error
	Get(ctx context.Context, installID string) (*models.InstallRecord, error)
	// ActiveForExtension returns the RUNNING install for an extension,
	// or ErrNotFound.
	ActiveForExtension(ctx context.Context, extensionID string) (*models.InstallRecord, error)
}

// ExtensionConfigStore persists per-extension configuration blobs.
type ExtensionConfigStore interface {
	Save(ctx context.Context, extensionID, configJSON string) error
	Get(ctx context.Context, extensionID string) (string, error)
}

// DecisionStore persists evolution decisions. Decision content is
// immutable once appended; only the review status column transitions.
type DecisionStore interface {
	Append(ctx context.Context, d *models.EvolutionDecision) error
	Get(ctx context.Context, decisionID string) (*models.EvolutionDecision, error)
	ListByExtension(ctx context.Context, extensionID string, limit int) ([]*models.EvolutionDecision, error)
	ListByStatus(ctx context.Context, status models.DecisionStatus, limit int) ([]*models.EvolutionDecision, error)
	SetStatus(ctx context.Context, decisionID string, from, to models.DecisionStatus) error
}

// LeadFindingStore deduplicates operational findings by fingerprint.
type LeadFindingStore interface {
	// Observe inserts the finding or bumps last_seen_at and count.
	Observe(ctx context.Context, f *models.LeadFinding) error
	Get(ctx context.Context, fingerprint string) (*models.LeadFinding, error)
	List(ctx context.Context, limit int) ([]*models.LeadFinding, error)
}

// TaskAuditStore is the append-only task activity log.
type TaskAuditStore interface {
	Append(ctx context.Context, a *models.TaskAudit) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]*models.TaskAudit, error)
}

// SystemLogStore persists system-level log rows, including errors that
// webhook handlers swallow to suppress provider retries.
type SystemLogStore interface {
	Append(ctx context.Context, l *models.SystemLog) error
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.SystemLog, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	ChannelConfigs   ChannelConfigStore
	ChannelAudit     ChannelAuditStore
	ChannelEvents    ChannelEventStore
	Violations       ViolationStore
	Dedupe           DedupeStore
	Extensions       ExtensionStore
	Installs         InstallStore
	ExtensionConfigs ExtensionConfigStore
	Decisions        DecisionStore
	LeadFindings     LeadFindingStore
	TaskAudits       TaskAuditStore
	SystemLogs       SystemLogStore
	closer           func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
