package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/internal/observability"
)

// Logger writes structured audit events. Writes are buffered and flushed
// asynchronously; when the buffer is full the event is written inline
// rather than dropped.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLogger creates an audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: l.slogLevel(),
	})
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log writes an audit event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full, write inline rather than drop.
		l.writeEvent(event)
	}
}

// LogMessageAccepted records an inbound message passing the middleware
// chain.
func (l *Logger) LogMessageAccepted(ctx context.Context, channelID, messageID, userKey string) {
	l.Log(ctx, &Event{
		Type:      EventMessageAccepted,
		Level:     LevelInfo,
		ChannelID: channelID,
		MessageID: messageID,
		UserKey:   userKey,
		Action:    "message_accepted",
	})
}

// LogMessageRejected records a middleware rejection with its error code.
func (l *Logger) LogMessageRejected(ctx context.Context, channelID, messageID, userKey, code, reason string) {
	l.Log(ctx, &Event{
		Type:      EventMessageRejected,
		Level:     LevelWarn,
		ChannelID: channelID,
		MessageID: messageID,
		UserKey:   userKey,
		Action:    "message_rejected",
		Details: map[string]any{
			"code":   code,
			"reason": reason,
		},
	})
}

// LogMessageSent records an outbound delivery.
func (l *Logger) LogMessageSent(ctx context.Context, channelID, messageID string, attempts int, duration time.Duration) {
	l.Log(ctx, &Event{
		Type:      EventMessageSent,
		Level:     LevelInfo,
		ChannelID: channelID,
		MessageID: messageID,
		Action:    "message_sent",
		Duration:  duration,
		Details: map[string]any{
			"attempts": attempts,
		},
	})
}

// LogSendFailed records an outbound delivery that exhausted retries.
func (l *Logger) LogSendFailed(ctx context.Context, channelID string, attempts int, errMsg string) {
	l.Log(ctx, &Event{
		Type:      EventSendFailed,
		Level:     LevelError,
		ChannelID: channelID,
		Action:    "send_failed",
		Error:     errMsg,
		Details: map[string]any{
			"attempts": attempts,
		},
	})
}

// LogToolInvocation records a governed tool call starting. Inputs are
// hashed unless include_inputs is set.
func (l *Logger) LogToolInvocation(ctx context.Context, toolID, invocationID, sessionID string, inputs json.RawMessage) {
	details := map[string]any{
		"invocation_id": invocationID,
	}

	if l.config.IncludeInputs && inputs != nil {
		in := string(inputs)
		if len(in) > l.config.MaxFieldSize {
			in = in[:l.config.MaxFieldSize] + "...(truncated)"
		}
		details["inputs"] = in
	} else if inputs != nil {
		details["inputs_hash"] = hashString(string(inputs))
	}

	l.Log(ctx, &Event{
		Type:      EventToolInvocation,
		Level:     LevelInfo,
		ToolID:    toolID,
		SessionID: sessionID,
		Action:    "tool_invoked",
		Details:   details,
	})
}

// LogToolCompletion records a governed tool call finishing.
func (l *Logger) LogToolCompletion(ctx context.Context, toolID, invocationID string, success bool, errCode string, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}

	details := map[string]any{
		"invocation_id": invocationID,
		"success":       success,
		"duration_ms":   duration.Milliseconds(),
	}
	if errCode != "" {
		details["error_code"] = errCode
	}

	l.Log(ctx, &Event{
		Type:     EventToolCompletion,
		Level:    level,
		ToolID:   toolID,
		Action:   "tool_completed",
		Details:  details,
		Duration: duration,
	})
}

// LogToolDenied records a governance denial before dispatch.
func (l *Logger) LogToolDenied(ctx context.Context, toolID, invocationID, code, reason string) {
	l.Log(ctx, &Event{
		Type:   EventToolDenied,
		Level:  LevelWarn,
		ToolID: toolID,
		Action: "tool_denied",
		Details: map[string]any{
			"invocation_id": invocationID,
			"code":          code,
			"reason":        reason,
		},
	})
}

// LogChannelConfig records a channel configuration change.
func (l *Logger) LogChannelConfig(ctx context.Context, channelID, action, actor string, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	details["actor"] = actor

	l.Log(ctx, &Event{
		Type:      EventChannelConfig,
		Level:     LevelInfo,
		ChannelID: channelID,
		Action:    action,
		Details:   details,
	})
}

// LogInstallStep records install progress for one plan step.
func (l *Logger) LogInstallStep(ctx context.Context, extensionID, step string, index, total int, err error) {
	level := LevelInfo
	var errMsg string
	if err != nil {
		level = LevelError
		errMsg = err.Error()
	}

	l.Log(ctx, &Event{
		Type:   EventInstallStep,
		Level:  level,
		Action: "install_step",
		Error:  errMsg,
		Details: map[string]any{
			"extension_id": extensionID,
			"step":         step,
			"step_index":   index,
			"step_total":   total,
		},
	})
}

// LogError records a generic error event.
func (l *Logger) LogError(ctx context.Context, eventType EventType, action, errMsg string, details map[string]any) {
	l.Log(ctx, &Event{
		Type:    eventType,
		Level:   LevelError,
		Action:  action,
		Error:   errMsg,
		Details: details,
	})
}

// writeLoop processes buffered events.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent writes a single event to the output.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.ChannelID != "" {
		attrs = append(attrs, "channel_id", event.ChannelID)
	}
	if event.MessageID != "" {
		attrs = append(attrs, "message_id", event.MessageID)
	}
	if event.UserKey != "" {
		attrs = append(attrs, "user_key", event.UserKey)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.ToolID != "" {
		attrs = append(attrs, "tool_id", event.ToolID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelInfo:
		l.slogger.Info("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	}
}

// shouldLog checks if an event at the given level should be logged.
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

// slogLevel converts audit level to slog level.
func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString returns the first 16 hex chars of sha256(s).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
