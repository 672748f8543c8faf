package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/policy"
	"github.com/agentos-dev/agentos/internal/ratelimit"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Chain verdict codes that do not come from the policy enforcer.
const (
	CodeDuplicate         = "DUPLICATE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// DedupeStage suppresses redeliveries of (channel_id, message_id).
// First writer wins; later deliveries are reported as success upstream
// and dropped.
type DedupeStage struct {
	store  storage.DedupeStore
	logger *slog.Logger
}

func NewDedupeStage(store storage.DedupeStore) *DedupeStage {
	return &DedupeStage{store: store, logger: observability.Component("dedupe")}
}

func (s *DedupeStage) Name() string { return "dedupe" }

func (s *DedupeStage) Process(ctx context.Context, msg *models.InboundMessage) Verdict {
	first, err := s.store.MarkSeen(ctx, msg.ChannelID, msg.MessageID)
	if err != nil {
		// Availability over strictness: a dedupe store outage must not
		// drop live traffic. The worst case is one duplicate reply.
		s.logger.Error("dedupe store failed, passing message through",
			"channel_id", msg.ChannelID, "message_id", msg.MessageID, "error", err)
		return Verdict{Accepted: true}
	}
	if !first {
		return Verdict{Accepted: true, Suppress: true, Code: CodeDuplicate,
			Reason: "message already processed"}
	}
	return Verdict{Accepted: true}
}

// RateLimitStage enforces the per-channel sliding window keyed by
// (channel_id, user_key). Denials are recorded as security violations.
type RateLimitStage struct {
	limiter  *ratelimit.Limiter
	enforcer *policy.Enforcer
}

func NewRateLimitStage(limiter *ratelimit.Limiter, enforcer *policy.Enforcer) *RateLimitStage {
	return &RateLimitStage{limiter: limiter, enforcer: enforcer}
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Process(ctx context.Context, msg *models.InboundMessage) Verdict {
	pol := s.enforcer.PolicyFor(msg.ChannelID)
	key := ratelimit.Key(msg.ChannelID, msg.UserKey)
	if s.limiter.AllowLimit(key, pol.RateLimitPerMin) {
		return Verdict{Accepted: true}
	}

	s.enforcer.RecordViolation(ctx, &models.SecurityViolation{
		ChannelID:     msg.ChannelID,
		ViolationType: models.ViolationRateLimitExceeded,
		MessageID:     msg.MessageID,
		UserKey:       msg.UserKey,
		PolicyMode:    string(pol.Mode),
		Timestamp:     time.Now().UTC(),
		Action:        models.ViolationBlocked,
	})
	return Verdict{Accepted: false, Code: CodeRateLimitExceeded,
		Reason: "rate limit exceeded for " + key}
}

// PolicyStage applies the channel security policy.
type PolicyStage struct {
	enforcer *policy.Enforcer
}

func NewPolicyStage(enforcer *policy.Enforcer) *PolicyStage {
	return &PolicyStage{enforcer: enforcer}
}

func (s *PolicyStage) Name() string { return "policy" }

func (s *PolicyStage) Process(ctx context.Context, msg *models.InboundMessage) Verdict {
	d := s.enforcer.EvaluateInbound(ctx, msg)
	if !d.Allowed {
		return Verdict{Accepted: false, Code: d.Code, Reason: d.Reason}
	}
	// A warned message continues with its code attached.
	return Verdict{Accepted: true, Code: d.Code, Reason: d.Reason}
}
