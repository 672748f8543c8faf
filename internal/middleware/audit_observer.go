package middleware

import (
	"context"
	"log/slog"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// AuditObserver records one channel_events row and one audit event per
// processed message, whatever the chain decided.
type AuditObserver struct {
	events storage.ChannelEventStore
	audit  *audit.Logger
	logger *slog.Logger
}

func NewAuditObserver(events storage.ChannelEventStore, auditLog *audit.Logger) *AuditObserver {
	return &AuditObserver{
		events: events,
		audit:  auditLog,
		logger: observability.Component("middleware"),
	}
}

func (o *AuditObserver) Observe(ctx context.Context, msg *models.InboundMessage, v Verdict) {
	status := "ACCEPTED"
	switch {
	case v.Suppress:
		status = "DEDUPED"
	case !v.Accepted:
		status = "REJECTED"
	}

	event := &models.ChannelEvent{
		ChannelID: msg.ChannelID,
		EventType: "message.inbound",
		MessageID: msg.MessageID,
		Status:    status,
	}
	if v.Code != "" {
		event.Metadata = map[string]any{"code": v.Code, "stage": v.Stage}
	}
	if !v.Accepted {
		event.Error = v.Reason
	}
	if err := o.events.Append(ctx, event); err != nil {
		o.logger.Error("channel event append failed",
			"channel_id", msg.ChannelID, "message_id", msg.MessageID, "error", err)
	}

	if o.audit == nil {
		return
	}
	switch {
	case v.Suppress:
		o.audit.Log(ctx, &audit.Event{
			Type:      audit.EventMessageDeduped,
			Level:     audit.LevelInfo,
			ChannelID: msg.ChannelID,
			MessageID: msg.MessageID,
			UserKey:   msg.UserKey,
		})
	case v.Accepted:
		o.audit.LogMessageAccepted(ctx, msg.ChannelID, msg.MessageID, msg.UserKey)
	default:
		o.audit.LogMessageRejected(ctx, msg.ChannelID, msg.MessageID, msg.UserKey, v.Code, v.Reason)
	}
}
