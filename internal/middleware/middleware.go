// Package middleware runs every inbound message through an ordered
// chain of processing stages before it reaches a session. A stage may
// pass a message through, reject it, suppress it, or rewrite it for
// the stages behind it. A rejecting stage short-circuits the rest of
// the chain; observers always run so the audit trail sees every
// message exactly once.
package middleware

import (
	"context"
	"log/slog"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Verdict is the chain's (or one stage's) decision on a message.
type Verdict struct {
	// Accepted reports whether the message may proceed.
	Accepted bool
	// Suppress marks an accepted message that must not be processed
	// again. Duplicates are suppressed, never rejected: the sender
	// already got a success for the first delivery.
	Suppress bool
	// Rewritten, when non-nil, replaces the message for every later
	// stage and for dispatch. The original is never mutated in place.
	Rewritten *models.InboundMessage
	Code      string
	Reason    string
	Stage     string
}

// Stage is one step of the inbound chain.
type Stage interface {
	Name() string
	Process(ctx context.Context, msg *models.InboundMessage) Verdict
}

// Observer sees every message together with its final verdict,
// including rejections that short-circuited the chain.
type Observer interface {
	Observe(ctx context.Context, msg *models.InboundMessage, v Verdict)
}

// Chain is the ordered inbound pipeline.
type Chain struct {
	stages    []Stage
	observers []Observer
	logger    *slog.Logger
}

// NewChain builds a chain over the given stages.
func NewChain(stages []Stage, observers []Observer) *Chain {
	return &Chain{
		stages:    stages,
		observers: observers,
		logger:    observability.Component("middleware"),
	}
}

// Process runs the message through every stage in order. A rewriting
// stage swaps the message for the rest of the chain; the final verdict
// carries the rewritten form so callers dispatch it instead of the
// original. The first rejection or suppression stops the chain;
// observers run regardless of the outcome and see the message in its
// final form.
func (c *Chain) Process(ctx context.Context, msg *models.InboundMessage) Verdict {
	current := msg
	v := Verdict{Accepted: true}
	for _, s := range c.stages {
		v = s.Process(ctx, current)
		if v.Stage == "" {
			v.Stage = s.Name()
		}
		if v.Rewritten != nil {
			current = v.Rewritten
		}
		if !v.Accepted || v.Suppress {
			break
		}
	}
	if current != msg {
		v.Rewritten = current
	}
	for _, o := range c.observers {
		o.Observe(ctx, current, v)
	}
	if !v.Accepted {
		c.logger.Debug("message rejected",
			"channel_id", msg.ChannelID,
			"message_id", msg.MessageID,
			"stage", v.Stage,
			"code", v.Code)
	}
	return v
}
