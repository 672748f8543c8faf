// Package channels defines the adapter contract between the core and
// concrete channel integrations, plus the channel configuration service
// and heartbeat monitoring.
package channels

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agentos-dev/agentos/pkg/models"
)

// Adapter is implemented by channel integrations and consumed by the
// core. Verify and Parse run on the webhook path; Send runs on the
// outbound path.
type Adapter interface {
	// ID returns the channel id this adapter serves.
	ID() string

	// Type returns the channel type id (matches a manifest id).
	Type() string

	// Verify performs transport-specific signature or secret
	// verification of an incoming request.
	Verify(headers http.Header, body []byte) bool

	// Parse converts a raw request body into an InboundMessage. A nil
	// message with nil error is a benign drop (bot echo, edit,
	// unsupported type).
	Parse(body []byte) (*models.InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg *models.OutboundMessage) (*models.SendReceipt, error)
}

// URLVerifier is implemented by adapters whose platform performs a
// URL-verification handshake (Slack-style challenge).
type URLVerifier interface {
	// HandleURLVerification returns the challenge response, or ok=false
	// when the body is not a verification request.
	HandleURLVerification(body []byte) (challenge string, ok bool)
}

// Lifecycle is implemented by adapters that hold long-lived
// connections.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthStatus is the result of an adapter health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`
}

// HealthChecker is implemented by adapters that can probe their
// upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// WebhookTimeouter lets an adapter shorten the webhook processing
// deadline below the default. Slack requires a response within 3s.
type WebhookTimeouter interface {
	WebhookTimeout() time.Duration
}

// Registry holds the live adapter handles for the process lifetime,
// keyed by channel id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for a channel id.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
}

// Unregister removes the adapter for a channel id.
func (r *Registry) Unregister(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, channelID)
}

// Get returns the adapter for a channel id.
func (r *Registry) Get(channelID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelID]
	return a, ok
}

// All returns the registered adapters sorted by channel id.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StartAll starts every adapter that has a lifecycle.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, a := range r.All() {
		if lc, ok := a.(Lifecycle); ok {
			if err := lc.Start(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll stops every adapter that has a lifecycle, returning the last
// error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, a := range r.All() {
		if lc, ok := a.(Lifecycle); ok {
			if err := lc.Stop(ctx); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}
