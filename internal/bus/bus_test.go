package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/internal/channels"
	"github.com/agentos-dev/agentos/internal/middleware"
	"github.com/agentos-dev/agentos/internal/retry"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// fakeAdapter is a scriptable channel adapter.
type fakeAdapter struct {
	id   string
	mu   sync.Mutex
	sent []*models.OutboundMessage
	// sendErrs is consumed one error per Send call; nil means success.
	sendErrs []error
}

func (f *fakeAdapter) ID() string                                   { return f.id }
func (f *fakeAdapter) Type() string                                 { return "fake" }
func (f *fakeAdapter) Verify(http.Header, []byte) bool              { return true }
func (f *fakeAdapter) Parse([]byte) (*models.InboundMessage, error) { return nil, nil }

func (f *fakeAdapter) Send(_ context.Context, msg *models.OutboundMessage) (*models.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.SendReceipt{OK: true, ProviderMessageID: fmt.Sprintf("p%d", len(f.sent))}, nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestRegistry(id string) (*channels.Registry, *fakeAdapter) {
	reg := channels.NewRegistry()
	adapter := &fakeAdapter{id: id}
	reg.Register(adapter)
	return reg, adapter
}

func inbound(channelID, conversation, messageID string) *models.InboundMessage {
	return &models.InboundMessage{
		ChannelID:       channelID,
		UserKey:         "U1",
		ConversationKey: conversation,
		MessageID:       messageID,
		Timestamp:       time.Now().UTC(),
		Type:            models.MessageText,
		Text:            "hello",
	}
}

func acceptAllChain() *middleware.Chain {
	return middleware.NewChain(nil, nil)
}

func TestHandleInboundDropsBotsBeforeChain(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")
	stage := &countingStage{verdict: middleware.Verdict{Accepted: true}}
	chain := middleware.NewChain([]middleware.Stage{stage}, nil)

	handled := 0
	b := New(DefaultConfig(), reg, chain, func(context.Context, *models.InboundMessage) { handled++ })
	defer b.Close()

	msg := inbound("slack-main", "C1", "m1")
	msg.Metadata = map[string]any{"is_bot": true}
	res := b.HandleInbound(context.Background(), msg)

	if !res.Accepted {
		t.Fatalf("bot drop result = %+v", res)
	}
	if stage.calls != 0 {
		t.Fatal("bot message reached the chain")
	}
	if handled != 0 {
		t.Fatal("bot message reached the handler")
	}
}

func TestHandleInboundUnknownChannel(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")
	b := New(DefaultConfig(), reg, acceptAllChain(), nil)
	defer b.Close()

	res := b.HandleInbound(context.Background(), inbound("telegram-x", "C1", "m1"))
	if res.Accepted || res.Code != "UNKNOWN_CHANNEL" {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleInboundRejectionPropagates(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")
	stage := &countingStage{verdict: middleware.Verdict{
		Accepted: false, Code: "RATE_LIMIT_EXCEEDED", Reason: "too fast",
	}}
	chain := middleware.NewChain([]middleware.Stage{stage}, nil)
	b := New(DefaultConfig(), reg, chain, nil)
	defer b.Close()

	res := b.HandleInbound(context.Background(), inbound("slack-main", "C1", "m1"))
	if res.Accepted || res.Code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("result = %+v", res)
	}
}

type textRewriteStage struct{ from, to string }

func (textRewriteStage) Name() string { return "rewrite" }
func (s textRewriteStage) Process(_ context.Context, msg *models.InboundMessage) middleware.Verdict {
	clean := *msg
	clean.Text = strings.ReplaceAll(msg.Text, s.from, s.to)
	return middleware.Verdict{Accepted: true, Rewritten: &clean}
}

func TestHandleInboundDispatchesRewrittenMessage(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")
	chain := middleware.NewChain([]middleware.Stage{textRewriteStage{from: "hello", to: "hi"}}, nil)

	handled := make(chan *models.InboundMessage, 1)
	b := New(DefaultConfig(), reg, chain, func(_ context.Context, msg *models.InboundMessage) {
		handled <- msg
	})
	defer b.Close()

	res := b.HandleInbound(context.Background(), inbound("slack-main", "C1", "m1"))
	if !res.Accepted {
		t.Fatalf("result = %+v", res)
	}
	select {
	case msg := <-handled:
		if msg.Text != "hi" {
			t.Fatalf("handler saw %q, want the rewritten text", msg.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestConversationOrderingIsFIFO(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")

	var mu sync.Mutex
	got := make(map[string][]string)
	done := make(chan struct{}, 64)

	b := New(DefaultConfig(), reg, acceptAllChain(), func(_ context.Context, msg *models.InboundMessage) {
		mu.Lock()
		got[msg.ConversationKey] = append(got[msg.ConversationKey], msg.MessageID)
		mu.Unlock()
		done <- struct{}{}
	})
	defer b.Close()

	const perConv = 10
	for i := 0; i < perConv; i++ {
		for _, conv := range []string{"C1", "C2"} {
			res := b.HandleInbound(context.Background(),
				inbound("slack-main", conv, fmt.Sprintf("%s-m%d", conv, i)))
			if !res.Accepted {
				t.Fatalf("message rejected: %+v", res)
			}
		}
	}

	for i := 0; i < perConv*2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, conv := range []string{"C1", "C2"} {
		ids := got[conv]
		if len(ids) != perConv {
			t.Fatalf("%s handled %d messages, want %d", conv, len(ids), perConv)
		}
		for i, id := range ids {
			want := fmt.Sprintf("%s-m%d", conv, i)
			if id != want {
				t.Fatalf("%s out of order at %d: got %s want %s", conv, i, id, want)
			}
		}
	}
	if b.QueueCount() != 2 {
		t.Fatalf("queue count = %d, want 2", b.QueueCount())
	}
}

func TestReapIdleClosesStaleQueues(t *testing.T) {
	reg, _ := newTestRegistry("slack-main")
	done := make(chan struct{}, 1)
	b := New(DefaultConfig(), reg, acceptAllChain(), func(context.Context, *models.InboundMessage) {
		done <- struct{}{}
	})
	defer b.Close()

	b.HandleInbound(context.Background(), inbound("slack-main", "C1", "m1"))
	<-done

	b.mu.Lock()
	for _, q := range b.queues {
		q.lastActive = time.Now().Add(-time.Hour)
	}
	b.mu.Unlock()

	b.reapIdle()
	if n := b.QueueCount(); n != 0 {
		t.Fatalf("queue count after reap = %d, want 0", n)
	}

	// A reaped conversation gets a fresh queue on the next message.
	b.HandleInbound(context.Background(), inbound("slack-main", "C1", "m2"))
	<-done
	if n := b.QueueCount(); n != 1 {
		t.Fatalf("queue count after revival = %d, want 1", n)
	}
}

type countingStage struct {
	verdict middleware.Verdict
	calls   int
}

func (s *countingStage) Name() string { return "counting" }
func (s *countingStage) Process(context.Context, *models.InboundMessage) middleware.Verdict {
	s.calls++
	return s.verdict
}

func fastRetry(attempts int) Config {
	cfg := DefaultConfig()
	cfg.SendPerSecond = 1000
	cfg.SendBurst = 1000
	cfg.Retry = retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2,
	}
	return cfg
}

func outboundMsg(channelID string) *models.OutboundMessage {
	return &models.OutboundMessage{
		ChannelID:       channelID,
		ConversationKey: "C1",
		MessageID:       "out-1",
		Timestamp:       time.Now().UTC(),
		Type:            models.MessageText,
		Text:            "reply",
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	reg, adapter := newTestRegistry("slack-main")
	adapter.sendErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		nil,
	}
	stores := storage.NewMemoryStores()
	b := New(fastRetry(3), reg, acceptAllChain(), nil, WithEventStore(stores.ChannelEvents))
	defer b.Close()

	receipt, err := b.Send(context.Background(), outboundMsg("slack-main"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !receipt.OK {
		t.Fatalf("receipt = %+v", receipt)
	}
	if n := adapter.sendCount(); n != 3 {
		t.Fatalf("adapter called %d times, want 3", n)
	}

	ev, err := stores.ChannelEvents.GetByMessage(context.Background(), "slack-main", "out-1")
	if err != nil {
		t.Fatalf("GetByMessage: %v", err)
	}
	if ev.Status != "SENT" {
		t.Fatalf("event status = %q", ev.Status)
	}
}

func TestSendDoesNotRetryPermanentErrors(t *testing.T) {
	reg, adapter := newTestRegistry("slack-main")
	adapter.sendErrs = []error{retry.Permanent(errors.New("invalid_auth"))}
	b := New(fastRetry(5), reg, acceptAllChain(), nil)
	defer b.Close()

	if _, err := b.Send(context.Background(), outboundMsg("slack-main")); err == nil {
		t.Fatal("permanent failure returned success")
	}
	if n := adapter.sendCount(); n != 1 {
		t.Fatalf("adapter called %d times, want 1", n)
	}
}

func TestSendExhaustsAttempts(t *testing.T) {
	reg, adapter := newTestRegistry("slack-main")
	adapter.sendErrs = []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}
	stores := storage.NewMemoryStores()
	b := New(fastRetry(3), reg, acceptAllChain(), nil, WithEventStore(stores.ChannelEvents))
	defer b.Close()

	if _, err := b.Send(context.Background(), outboundMsg("slack-main")); err == nil {
		t.Fatal("exhausted retries returned success")
	}
	if n := adapter.sendCount(); n != 3 {
		t.Fatalf("adapter called %d times, want 3", n)
	}
	ev, err := stores.ChannelEvents.GetByMessage(context.Background(), "slack-main", "out-1")
	if err != nil {
		t.Fatalf("GetByMessage: %v", err)
	}
	if ev.Status != "FAILED" {
		t.Fatalf("event status = %q", ev.Status)
	}
}

type disabledGate struct{}

func (disabledGate) GetStatus(context.Context, string) (*models.ChannelConfig, error) {
	return &models.ChannelConfig{ChannelID: "slack-main", Enabled: false,
		Status: models.ChannelDisabled}, nil
}

func TestSendRefusesDisabledChannel(t *testing.T) {
	reg, adapter := newTestRegistry("slack-main")
	b := New(fastRetry(3), reg, acceptAllChain(), nil, WithChannelGate(disabledGate{}))
	defer b.Close()

	_, err := b.Send(context.Background(), outboundMsg("slack-main"))
	if !errors.Is(err, ErrChannelDisabled) {
		t.Fatalf("err = %v, want ErrChannelDisabled", err)
	}
	if adapter.sendCount() != 0 {
		t.Fatal("disabled channel still reached the adapter")
	}
}
