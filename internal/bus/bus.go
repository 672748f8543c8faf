// Package bus routes verified inbound messages through the middleware
// chain into per-conversation dispatch queues, and delivers outbound
// messages through channel adapters with pacing and bounded retries.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentos-dev/agentos/internal/channels"
	"github.com/agentos-dev/agentos/internal/middleware"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/retry"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Handler consumes accepted inbound messages. Calls for the same
// conversation key are serialized; different conversations run
// concurrently.
type Handler func(ctx context.Context, msg *models.InboundMessage)

// Config tunes queue and delivery behavior.
type Config struct {
	// QueueBuffer is the per-conversation queue capacity.
	QueueBuffer int `yaml:"queue_buffer" json:"queue_buffer"`
	// IdleTTL is how long an empty conversation queue survives before
	// its worker is reclaimed.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	// SendPerSecond paces outbound sends per channel.
	SendPerSecond float64 `yaml:"send_per_second" json:"send_per_second"`
	// SendBurst is the outbound pacing burst size.
	SendBurst int `yaml:"send_burst" json:"send_burst"`
	// Retry bounds outbound delivery attempts.
	Retry retry.Config `yaml:"-" json:"-"`
}

// DefaultConfig returns the kernel defaults.
func DefaultConfig() Config {
	return Config{
		QueueBuffer:   128,
		IdleTTL:       10 * time.Minute,
		SendPerSecond: 1,
		SendBurst:     5,
		Retry:         retry.DefaultConfig(),
	}
}

// Bus is the message router. It implements channels.InboundSink.
type Bus struct {
	config   Config
	adapters *channels.Registry
	chain    *middleware.Chain
	handler  Handler
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]*conversationQueue
	closed bool

	wg       sync.WaitGroup
	gcCancel context.CancelFunc

	outbound *sender
}

// New creates a bus. handler may be nil until SetHandler is called.
func New(config Config, adapters *channels.Registry, chain *middleware.Chain, handler Handler, opts ...SenderOption) *Bus {
	if config.QueueBuffer <= 0 {
		config.QueueBuffer = DefaultConfig().QueueBuffer
	}
	if config.IdleTTL < 10*time.Minute {
		config.IdleTTL = 10 * time.Minute
	}
	b := &Bus{
		config:   config,
		adapters: adapters,
		chain:    chain,
		handler:  handler,
		metrics:  observability.NewMetrics(),
		logger:   observability.Component("bus"),
		queues:   make(map[string]*conversationQueue),
	}
	b.outbound = newSender(config, adapters, b.metrics, opts...)
	return b
}

// SetHandler installs the inbound consumer. Must be called before the
// first accepted message.
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Start launches the idle-queue reaper.
func (b *Bus) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.gcCancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gcCtx.Done():
				return
			case <-ticker.C:
				b.reapIdle()
			}
		}
	}()
}

// Close stops the reaper and drains every queue worker.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.gcCancel != nil {
		b.gcCancel()
	}
	for key, q := range b.queues {
		close(q.ch)
		delete(b.queues, key)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// HandleInbound runs one verified message through the chain and, when
// accepted, enqueues it for its conversation.
func (b *Bus) HandleInbound(ctx context.Context, msg *models.InboundMessage) channels.InboundResult {
	ctx, span := observability.StartSpan(ctx, "bus.inbound")
	defer span.End()

	// Bot-authored traffic never reaches the chain: replying to bots
	// invites feedback loops between two automated peers.
	if msg.IsBot() {
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "dropped").Inc()
		return channels.InboundResult{Accepted: true, Code: "BOT_DROPPED"}
	}
	if _, ok := b.adapters.Get(msg.ChannelID); !ok {
		b.logger.Warn("message for unregistered channel dropped", "channel_id", msg.ChannelID)
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "dropped").Inc()
		return channels.InboundResult{Accepted: false, Code: "UNKNOWN_CHANNEL",
			Reason: "no adapter registered for channel"}
	}
	if err := msg.Validate(); err != nil {
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "dropped").Inc()
		return channels.InboundResult{Accepted: false, Code: "INVALID_MESSAGE", Reason: err.Error()}
	}

	v := b.chain.Process(ctx, msg)
	switch {
	case v.Suppress:
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "deduped").Inc()
		return channels.InboundResult{Accepted: true, Code: v.Code}
	case !v.Accepted:
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "rejected").Inc()
		b.metrics.MiddlewareRejections.WithLabelValues(v.Stage, v.Code).Inc()
		return channels.InboundResult{Accepted: false, Code: v.Code, Reason: v.Reason}
	}

	// A rewriting stage replaces the message; the rewritten form is what
	// reaches the conversation queue.
	if v.Rewritten != nil {
		msg = v.Rewritten
	}
	b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "accepted").Inc()
	b.enqueue(msg)
	return channels.InboundResult{Accepted: true}
}

// Send delivers an outbound message through the channel's adapter.
func (b *Bus) Send(ctx context.Context, msg *models.OutboundMessage) (*models.SendReceipt, error) {
	return b.outbound.Send(ctx, msg)
}

type conversationQueue struct {
	ch         chan *models.InboundMessage
	lastActive time.Time
}

func conversationKey(msg *models.InboundMessage) string {
	return msg.ChannelID + "|" + msg.ConversationKey
}

func (b *Bus) enqueue(msg *models.InboundMessage) {
	key := conversationKey(msg)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[key]
	if !ok {
		q = &conversationQueue{ch: make(chan *models.InboundMessage, b.config.QueueBuffer)}
		b.queues[key] = q
		b.metrics.ConversationQueueDepth.Set(float64(len(b.queues)))
		b.wg.Add(1)
		go b.runQueue(q)
	}
	q.lastActive = time.Now()
	select {
	case q.ch <- msg:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		b.logger.Warn("conversation queue full, message dropped",
			"channel_id", msg.ChannelID,
			"conversation_key", msg.ConversationKey,
			"message_id", msg.MessageID)
		b.metrics.InboundMessages.WithLabelValues(msg.ChannelID, "dropped").Inc()
	}
}

func (b *Bus) runQueue(q *conversationQueue) {
	defer b.wg.Done()
	for msg := range q.ch {
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler == nil {
			b.logger.Error("no handler installed, message lost", "message_id", msg.MessageID)
			continue
		}
		handler(context.Background(), msg)
		b.mu.Lock()
		if cq, ok := b.queues[conversationKey(msg)]; ok {
			cq.lastActive = time.Now()
		}
		b.mu.Unlock()
	}
}

// reapIdle closes queues that have been empty past the idle TTL.
func (b *Bus) reapIdle() {
	cutoff := time.Now().Add(-b.config.IdleTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, q := range b.queues {
		if len(q.ch) == 0 && q.lastActive.Before(cutoff) {
			close(q.ch)
			delete(b.queues, key)
		}
	}
	b.metrics.ConversationQueueDepth.Set(float64(len(b.queues)))
}

// QueueCount reports the number of live conversation queues.
func (b *Bus) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}
