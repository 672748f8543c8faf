package channels

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	maxWebhookBody        = 1 << 20
)

// InboundResult is the core's verdict on one inbound message.
type InboundResult struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// InboundSink receives parsed, verified inbound messages. The message
// bus implements it.
type InboundSink interface {
	HandleInbound(ctx context.Context, msg *models.InboundMessage) InboundResult
}

// WebhookHandler terminates provider webhooks at /webhooks/<channel_id>.
//
// Signature failures return 401 so providers know the secret is wrong.
// Rate limiting returns 429 so providers back off. Every other internal
// failure returns provider success: retries would only redeliver the
// same poison payload, so the error is captured in system_logs instead.
type WebhookHandler struct {
	adapters *Registry
	sink     InboundSink
	service  *ConfigService
	syslogs  storage.SystemLogStore
	logger   *slog.Logger
}

// NewWebhookHandler creates the webhook endpoint handler.
func NewWebhookHandler(adapters *Registry, sink InboundSink, service *ConfigService, syslogs storage.SystemLogStore) *WebhookHandler {
	return &WebhookHandler{
		adapters: adapters,
		sink:     sink,
		service:  service,
		syslogs:  syslogs,
		logger:   observability.Component("webhook"),
	}
}

// ServeHTTP handles POST /webhooks/<channel_id>.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channelID := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if channelID == "" || strings.ContainsRune(channelID, '/') {
		http.NotFound(w, r)
		return
	}
	adapter, ok := h.adapters.Get(channelID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.captureError(r.Context(), channelID, "read webhook body", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !adapter.Verify(r.Header, body) {
		h.logger.Warn("webhook signature rejected", "channel_id", channelID)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// The handshake is signed like any other request, so it is only
	// honored after verification.
	if uv, ok := adapter.(URLVerifier); ok {
		if challenge, ok := uv.HandleURLVerification(body); ok {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(challenge))
			return
		}
	}

	msg, err := adapter.Parse(body)
	if err != nil {
		h.captureError(r.Context(), channelID, "parse webhook payload", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if msg == nil {
		// Benign drop: bot echo, edit, or an event type the adapter
		// does not surface.
		w.WriteHeader(http.StatusOK)
		return
	}

	timeout := defaultWebhookTimeout
	if wt, ok := adapter.(WebhookTimeouter); ok {
		timeout = wt.WebhookTimeout()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result := h.sink.HandleInbound(ctx, msg)
	if !result.Accepted && result.Code == string(models.ViolationRateLimitExceeded) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// captureError records a swallowed webhook failure durably and in the
// process log.
func (h *WebhookHandler) captureError(ctx context.Context, channelID, op string, err error) {
	h.logger.Error("webhook error swallowed", "channel_id", channelID, "op", op, "error", err)
	if h.service != nil {
		_ = h.service.LogEvent(ctx, &models.ChannelEvent{
			ChannelID: channelID,
			EventType: "webhook.error",
			Status:    "ERROR",
			Error:     err.Error(),
		})
	}
	if h.syslogs == nil {
		return
	}
	logErr := h.syslogs.Append(ctx, &models.SystemLog{
		Level:   "ERROR",
		Message: op + " failed",
		ContextJSON: map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		},
	})
	if logErr != nil {
		h.logger.Error("system log write failed", "error", logErr)
	}
}
