package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/agentos-dev/agentos/pkg/models"
)

// SlackAdapter integrates a Slack workspace through the Events API.
// Signature verification follows Slack's v0 scheme with the 5-minute
// timestamp window.
type SlackAdapter struct {
	channelID      string
	signingSecret  string
	defaultChannel string
	client         *slack.Client
}

// NewSlackAdapter creates an adapter for one configured Slack channel.
func NewSlackAdapter(channelID string, config map[string]any) (*SlackAdapter, error) {
	secret, _ := config["signing_secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("slack channel %s: signing_secret is required", channelID)
	}
	token, _ := config["bot_token"].(string)
	if token == "" {
		return nil, fmt.Errorf("slack channel %s: bot_token is required", channelID)
	}
	defaultChannel, _ := config["default_channel"].(string)
	return &SlackAdapter{
		channelID:      channelID,
		signingSecret:  secret,
		defaultChannel: defaultChannel,
		client:         slack.New(token),
	}, nil
}

func (a *SlackAdapter) ID() string   { return a.channelID }
func (a *SlackAdapter) Type() string { return "slack" }

// WebhookTimeout returns Slack's 3-second response deadline.
func (a *SlackAdapter) WebhookTimeout() time.Duration { return 3 * time.Second }

// Verify checks the X-Slack-Signature header against the signing
// secret.
func (a *SlackAdapter) Verify(headers http.Header, body []byte) bool {
	sv, err := slack.NewSecretsVerifier(headers, a.signingSecret)
	if err != nil {
		return false
	}
	if _, err := sv.Write(body); err != nil {
		return false
	}
	return sv.Ensure() == nil
}

// slackEnvelope is the subset of the Events API payload the core needs.
type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// HandleURLVerification answers Slack's url_verification handshake.
func (a *SlackAdapter) HandleURLVerification(body []byte) (string, bool) {
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if env.Type != "url_verification" || env.Challenge == "" {
		return "", false
	}
	return env.Challenge, true
}

// Parse converts an event callback into an InboundMessage. Non-message
// events, edits, and bot echoes are benign drops.
func (a *SlackAdapter) Parse(body []byte) (*models.InboundMessage, error) {
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode slack event: %w", err)
	}
	if env.Type != "event_callback" || env.Event.Type != "message" {
		return nil, nil
	}
	// Edits, deletions, and other subtypes are not new messages.
	if env.Event.Subtype != "" {
		return nil, nil
	}
	if strings.TrimSpace(env.Event.Text) == "" {
		return nil, nil
	}

	conversation := env.Event.Channel
	if env.Event.ThreadTS != "" {
		conversation = env.Event.Channel + ":" + env.Event.ThreadTS
	}

	msg := &models.InboundMessage{
		ChannelID:       a.channelID,
		UserKey:         env.Event.User,
		ConversationKey: conversation,
		MessageID:       env.Event.TS,
		Timestamp:       slackTimestamp(env.Event.TS),
		Type:            models.MessageText,
		Text:            env.Event.Text,
		Raw:             body,
	}
	if env.Event.BotID != "" {
		msg.Metadata = map[string]any{"is_bot": true}
	}
	return msg, nil
}

// Send posts the message, threading onto the replied-to message when
// set.
func (a *SlackAdapter) Send(ctx context.Context, msg *models.OutboundMessage) (*models.SendReceipt, error) {
	target := msg.ConversationKey
	if target == "" {
		target = a.defaultChannel
	}
	// A threaded conversation key carries the thread ts after the colon.
	threadTS := ""
	if i := strings.IndexByte(target, ':'); i >= 0 {
		threadTS = target[i+1:]
		target = target[:i]
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	} else if msg.ReplyToMessageID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyToMessageID))
	}

	_, ts, err := a.client.PostMessageContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("slack post message: %w", err)
	}
	return &models.SendReceipt{OK: true, ProviderMessageID: ts}, nil
}

// HealthCheck probes the Slack API with an auth test.
func (a *SlackAdapter) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := a.client.AuthTestContext(ctx)
	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		LastCheck: time.Now().UTC(),
	}
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

// slackTimestamp converts Slack's "seconds.micros" ts into a time.
func slackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*1000).UTC()
}
