package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects kernel-level Prometheus metrics.
type Metrics struct {
	// InboundMessages counts inbound messages by channel and outcome.
	// Labels: channel, outcome (accepted|rejected|deduped|dropped)
	InboundMessages *prometheus.CounterVec

	// OutboundSends counts outbound delivery attempts.
	// Labels: channel, status (success|retry|failed)
	OutboundSends *prometheus.CounterVec

	// MiddlewareRejections counts chain rejections by stage and code.
	// Labels: stage, code
	MiddlewareRejections *prometheus.CounterVec

	// ToolInvocations counts governed tool invocations.
	// Labels: source (extension|mcp), risk, status (success|denied|error)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: source
	ToolDuration *prometheus.HistogramVec

	// InstallSteps counts install-plan step outcomes.
	// Labels: step_type, status (success|failed|skipped)
	InstallSteps *prometheus.CounterVec

	// SandboxLaunches counts sandbox container launches.
	// Labels: status (success|failed|unavailable)
	SandboxLaunches *prometheus.CounterVec

	// ConversationQueueDepth gauges active per-conversation queues.
	ConversationQueueDepth prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics returns the process-wide metrics set, registering collectors
// on first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			InboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_inbound_messages_total",
				Help: "Inbound messages by channel and pipeline outcome.",
			}, []string{"channel", "outcome"}),
			OutboundSends: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_outbound_sends_total",
				Help: "Outbound delivery attempts by channel and status.",
			}, []string{"channel", "status"}),
			MiddlewareRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_middleware_rejections_total",
				Help: "Middleware chain rejections by stage and error code.",
			}, []string{"stage", "code"}),
			ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_tool_invocations_total",
				Help: "Governed tool invocations by source, risk, and status.",
			}, []string{"source", "risk", "status"}),
			ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentos_tool_duration_seconds",
				Help:    "Tool execution wall time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			}, []string{"source"}),
			InstallSteps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_install_steps_total",
				Help: "Install plan step outcomes by type and status.",
			}, []string{"step_type", "status"}),
			SandboxLaunches: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentos_sandbox_launches_total",
				Help: "Sandbox container launches by status.",
			}, []string{"status"}),
			ConversationQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "agentos_conversation_queues",
				Help: "Number of live per-conversation dispatch queues.",
			}),
		}
	})
	return metricsInst
}
