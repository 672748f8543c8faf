package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentos-dev/agentos/internal/manifest"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// ConfigService owns channel configuration state. Every config or
// enablement change is transactional against the config store and
// appends an immutable audit row with the performer identity.
type ConfigService struct {
	manifests *manifest.Registry
	configs   storage.ChannelConfigStore
	audit     storage.ChannelAuditStore
	events    storage.ChannelEventStore
	box       *SecretBox
	logger    *slog.Logger
}

// NewConfigService creates the channel configuration service. box may
// be nil, in which case secret fields are stored unencrypted (dev
// mode only).
func NewConfigService(manifests *manifest.Registry, stores storage.StoreSet, box *SecretBox) *ConfigService {
	return &ConfigService{
		manifests: manifests,
		configs:   stores.ChannelConfigs,
		audit:     stores.ChannelAudit,
		events:    stores.ChannelEvents,
		box:       box,
		logger:    observability.Component("channels"),
	}
}

// SaveConfig validates a candidate config against the channel type's
// manifest, encrypts secret fields, and persists it. On validation
// failure nothing is written.
func (s *ConfigService) SaveConfig(ctx context.Context, channelID, typeID string, config map[string]any, performedBy string) error {
	m, ok := s.manifests.Get(typeID)
	if !ok {
		return fmt.Errorf("unknown channel type %q", typeID)
	}
	if err := m.ValidateConfig(config); err != nil {
		return err
	}

	stored := make(map[string]any, len(config)+1)
	for k, v := range config {
		stored[k] = v
	}
	stored["channel_type"] = typeID
	if s.box != nil {
		for _, name := range m.SecretFields() {
			val, ok := stored[name].(string)
			if !ok {
				continue
			}
			enc, err := s.box.Encrypt(val)
			if err != nil {
				return fmt.Errorf("encrypt field %s: %w", name, err)
			}
			stored[name] = enc
		}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	now := time.Now().UTC()
	cfg, err := s.configs.Get(ctx, channelID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg = &models.ChannelConfig{
			ChannelID: channelID,
			Status:    models.ChannelNeedsSetup,
			CreatedAt: now,
		}
	case err != nil:
		return fmt.Errorf("load channel config: %w", err)
	}
	cfg.ConfigJSON = string(raw)
	cfg.UpdatedAt = now
	if err := s.configs.Save(ctx, cfg); err != nil {
		return fmt.Errorf("save channel config: %w", err)
	}

	// Audit names the changed fields, never their values.
	fields := make([]string, 0, len(config))
	for k := range config {
		fields = append(fields, k)
	}
	return s.appendAudit(ctx, channelID, "config.save", performedBy, map[string]any{
		"channel_type": typeID,
		"fields":       fields,
	})
}

// SetEnabled flips the channel's enabled flag and status.
func (s *ConfigService) SetEnabled(ctx context.Context, channelID string, enabled bool, performedBy string) error {
	cfg, err := s.configs.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel config: %w", err)
	}
	cfg.Enabled = enabled
	if enabled {
		cfg.Status = models.ChannelEnabled
		cfg.LastError = ""
	} else {
		cfg.Status = models.ChannelDisabled
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.configs.Save(ctx, cfg); err != nil {
		return fmt.Errorf("save channel config: %w", err)
	}
	return s.appendAudit(ctx, channelID, "config.set_enabled", performedBy, map[string]any{
		"enabled": enabled,
	})
}

// GetStatus returns the stored state for a channel.
func (s *ConfigService) GetStatus(ctx context.Context, channelID string) (*models.ChannelConfig, error) {
	return s.configs.Get(ctx, channelID)
}

// List returns all configured channels.
func (s *ConfigService) List(ctx context.Context) ([]*models.ChannelConfig, error) {
	return s.configs.List(ctx)
}

// LogEvent appends a message outcome row for the channel.
func (s *ConfigService) LogEvent(ctx context.Context, event *models.ChannelEvent) error {
	return s.events.Append(ctx, event)
}

// Heartbeat records adapter liveness. A heartbeat on an ERROR channel
// restores ENABLED if the channel is still enabled.
func (s *ConfigService) Heartbeat(ctx context.Context, channelID string) error {
	cfg, err := s.configs.Get(ctx, channelID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cfg.LastHeartbeatAt = &now
	if cfg.Status == models.ChannelError && cfg.Enabled {
		cfg.Status = models.ChannelEnabled
		cfg.LastError = ""
	}
	cfg.UpdatedAt = now
	return s.configs.Save(ctx, cfg)
}

// DecryptedConfig returns the channel's config with secret fields
// decrypted, for adapter construction.
func (s *ConfigService) DecryptedConfig(ctx context.Context, channelID string) (map[string]any, error) {
	cfg, err := s.configs.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(cfg.ConfigJSON), &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	typeID, _ := config["channel_type"].(string)
	m, ok := s.manifests.Get(typeID)
	if !ok || s.box == nil {
		return config, nil
	}
	for _, name := range m.SecretFields() {
		val, ok := config[name].(string)
		if !ok {
			continue
		}
		plain, err := s.box.Decrypt(val)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s: %w", name, err)
		}
		config[name] = plain
	}
	return config, nil
}

// MarkError sets ERROR status without touching the enabled flag.
func (s *ConfigService) MarkError(ctx context.Context, channelID, reason string) error {
	cfg, err := s.configs.Get(ctx, channelID)
	if err != nil {
		return err
	}
	cfg.Status = models.ChannelError
	cfg.LastError = reason
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.configs.Save(ctx, cfg); err != nil {
		return err
	}
	return s.appendAudit(ctx, channelID, "status.error", "system", map[string]any{
		"reason": reason,
	})
}

func (s *ConfigService) appendAudit(ctx context.Context, channelID, action, performedBy string, details map[string]any) error {
	err := s.audit.Append(ctx, &models.ChannelAuditEntry{
		ChannelID:   channelID,
		Action:      action,
		Details:     details,
		PerformedBy: performedBy,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		// The audit trail is part of the config-change contract; a
		// write failure fails the operation.
		return fmt.Errorf("append channel audit: %w", err)
	}
	return nil
}
