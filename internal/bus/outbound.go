package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/channels"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/retry"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// ErrChannelDisabled is returned when outbound delivery targets a
// channel whose configuration is disabled.
var ErrChannelDisabled = errors.New("channel is disabled")

// ChannelGate exposes channel enablement state to the outbound path.
// *channels.ConfigService implements it.
type ChannelGate interface {
	GetStatus(ctx context.Context, channelID string) (*models.ChannelConfig, error)
}

// SenderOption configures the outbound sender.
type SenderOption func(*sender)

// WithAuditLogger wires the audit trail into outbound delivery.
func WithAuditLogger(l *audit.Logger) SenderOption {
	return func(s *sender) { s.audit = l }
}

// WithEventStore wires durable channel_events rows for sends.
func WithEventStore(store storage.ChannelEventStore) SenderOption {
	return func(s *sender) { s.events = store }
}

// WithChannelGate refuses delivery to disabled channels.
func WithChannelGate(g ChannelGate) SenderOption {
	return func(s *sender) { s.gate = g }
}

// sender is the outbound half of the bus: per-channel pacing, bounded
// retries, audit.
type sender struct {
	config   Config
	adapters *channels.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	audit  *audit.Logger
	events storage.ChannelEventStore
	gate   ChannelGate

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
}

func newSender(config Config, adapters *channels.Registry, metrics *observability.Metrics, opts ...SenderOption) *sender {
	if config.SendPerSecond <= 0 {
		config.SendPerSecond = DefaultConfig().SendPerSecond
	}
	if config.SendBurst <= 0 {
		config.SendBurst = DefaultConfig().SendBurst
	}
	s := &sender{
		config:   config,
		adapters: adapters,
		metrics:  metrics,
		logger:   observability.Component("bus"),
		pacers:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sender) pacer(channelID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pacers[channelID]
	if !ok {
		p = rate.NewLimiter(rate.Limit(s.config.SendPerSecond), s.config.SendBurst)
		s.pacers[channelID] = p
	}
	return p
}

// Send paces, delivers, and retries one outbound message. Permanent
// errors and disabled channels fail without retries.
func (s *sender) Send(ctx context.Context, msg *models.OutboundMessage) (*models.SendReceipt, error) {
	adapter, ok := s.adapters.Get(msg.ChannelID)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %s", msg.ChannelID)
	}

	if s.gate != nil {
		cfg, err := s.gate.GetStatus(ctx, msg.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("channel status: %w", err)
		}
		if !cfg.Enabled {
			s.recordFailure(ctx, msg, 0, ErrChannelDisabled)
			return nil, ErrChannelDisabled
		}
	}

	if err := s.pacer(msg.ChannelID).Wait(ctx); err != nil {
		return nil, err
	}

	receipt, result := retry.DoWithValue(ctx, s.config.Retry, func() (*models.SendReceipt, error) {
		r, err := adapter.Send(ctx, msg)
		if err != nil {
			return nil, err
		}
		if r != nil && !r.OK {
			return nil, fmt.Errorf("provider rejected send: %s", r.Error)
		}
		return r, nil
	})

	if result.Attempts > 1 {
		for i := 1; i < result.Attempts; i++ {
			s.metrics.OutboundSends.WithLabelValues(msg.ChannelID, "retry").Inc()
		}
	}

	if result.Err != nil {
		s.metrics.OutboundSends.WithLabelValues(msg.ChannelID, "failed").Inc()
		s.recordFailure(ctx, msg, result.Attempts, result.Err)
		return nil, result.Err
	}

	s.metrics.OutboundSends.WithLabelValues(msg.ChannelID, "success").Inc()
	if s.audit != nil {
		s.audit.LogMessageSent(ctx, msg.ChannelID, msg.MessageID, result.Attempts, result.Duration)
	}
	s.appendEvent(ctx, msg, "SENT", "", map[string]any{
		"attempts":            result.Attempts,
		"provider_message_id": receipt.ProviderMessageID,
	})
	return receipt, nil
}

func (s *sender) recordFailure(ctx context.Context, msg *models.OutboundMessage, attempts int, err error) {
	s.logger.Error("outbound send failed",
		"channel_id", msg.ChannelID,
		"message_id", msg.MessageID,
		"attempts", attempts,
		"error", err)
	if s.audit != nil {
		s.audit.LogSendFailed(ctx, msg.ChannelID, attempts, err.Error())
	}
	s.appendEvent(ctx, msg, "FAILED", err.Error(), map[string]any{"attempts": attempts})
}

func (s *sender) appendEvent(ctx context.Context, msg *models.OutboundMessage, status, errMsg string, meta map[string]any) {
	if s.events == nil {
		return
	}
	err := s.events.Append(ctx, &models.ChannelEvent{
		ChannelID: msg.ChannelID,
		EventType: "message.outbound",
		MessageID: msg.MessageID,
		Status:    status,
		Error:     errMsg,
		Metadata:  meta,
	})
	if err != nil {
		s.logger.Error("channel event append failed",
			"channel_id", msg.ChannelID, "message_id", msg.MessageID, "error", err)
	}
}
