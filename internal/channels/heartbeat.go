package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// HeartbeatMonitor marks channels with stale heartbeats as ERROR.
// Heartbeats are advisory: a stale channel is flagged, never disabled.
type HeartbeatMonitor struct {
	service    *ConfigService
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewHeartbeatMonitor creates a monitor that sweeps every interval and
// flags channels silent for longer than staleAfter.
func NewHeartbeatMonitor(service *ConfigService, interval, staleAfter time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &HeartbeatMonitor{
		service:    service,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     observability.Component("heartbeat"),
		now:        time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every enabled channel once.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) {
	configs, err := m.service.List(ctx)
	if err != nil {
		m.logger.Warn("heartbeat sweep failed", "error", err)
		return
	}
	cutoff := m.now().UTC().Add(-m.staleAfter)
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.Status != models.ChannelEnabled {
			continue
		}
		if cfg.LastHeartbeatAt == nil || cfg.LastHeartbeatAt.After(cutoff) {
			continue
		}
		m.logger.Warn("channel heartbeat stale",
			"channel_id", cfg.ChannelID,
			"last_heartbeat_at", cfg.LastHeartbeatAt)
		if err := m.service.MarkError(ctx, cfg.ChannelID, "heartbeat stale"); err != nil {
			m.logger.Error("mark channel error failed", "channel_id", cfg.ChannelID, "error", err)
		}
	}
}
