package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Policy error codes (closed set).
const (
	CodeOperationDenied       = "OPERATION_DENIED"
	CodeCommandNotWhitelisted = "COMMAND_NOT_WHITELISTED"
	CodeInvalidToken          = "INVALID_TOKEN"
)

// executePrefixes are the command words classified as EXECUTE operations.
var executePrefixes = []string{"/execute", "/exec", "/run", "/shell", "/sh"}

// ViolationSink receives violation records for durable storage.
type ViolationSink interface {
	AppendViolation(ctx context.Context, v *models.SecurityViolation) error
}

// Decision is the enforcer's verdict on one inbound message.
type Decision struct {
	Allowed   bool
	Warned    bool
	Code      string
	Reason    string
	Operation OperationClass
}

// Enforcer evaluates inbound messages against channel security policies.
// The override map is read-mostly; writers are config saves.
type Enforcer struct {
	mu           sync.RWMutex
	defaultPol   SecurityPolicy
	overrides    map[string]SecurityPolicy
	sink         ViolationSink
	recent       []*models.SecurityViolation // bounded in-memory cache
	recentLimit  int
	logger       *slog.Logger
	exposureOnce sync.Once
}

// NewEnforcer creates an enforcer with the given default policy.
func NewEnforcer(def SecurityPolicy, sink ViolationSink) *Enforcer {
	return &Enforcer{
		defaultPol:  def,
		overrides:   make(map[string]SecurityPolicy),
		sink:        sink,
		recentLimit: 1000,
		logger:      observability.Component("policy"),
	}
}

// SetChannelPolicy installs or replaces the per-channel override.
func (e *Enforcer) SetChannelPolicy(channelID string, pol SecurityPolicy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[channelID] = pol
	return nil
}

// RemoveChannelPolicy drops the per-channel override.
func (e *Enforcer) RemoveChannelPolicy(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overrides, channelID)
}

// PolicyFor returns the effective policy for a channel.
func (e *Enforcer) PolicyFor(channelID string) SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if pol, ok := e.overrides[channelID]; ok {
		return pol
	}
	return e.defaultPol
}

// Classify determines the operation class of an inbound message.
// Classification is static: a leading slash command matching an EXECUTE
// prefix, or an explicit metadata intent, marks EXECUTE; everything else
// is CHAT unless metadata names another class.
func Classify(msg *models.InboundMessage) OperationClass {
	if msg.Metadata != nil {
		if intent, ok := msg.Metadata["operation_class"].(string); ok {
			switch OperationClass(strings.ToUpper(intent)) {
			case OpExecute:
				return OpExecute
			case OpFileAccess:
				return OpFileAccess
			case OpSystemInfo:
				return OpSystemInfo
			case OpConfigChange:
				return OpConfigChange
			}
		}
	}
	if cmd := msg.Command(); cmd != "" {
		for _, p := range executePrefixes {
			if cmd == p {
				return OpExecute
			}
		}
	}
	return OpChat
}

// requiresExecute reports whether an operation class is gated on
// allow_execute.
func requiresExecute(op OperationClass) bool {
	switch op {
	case OpExecute, OpFileAccess, OpConfigChange:
		return true
	}
	return false
}

// EvaluateInbound applies the channel policy to one inbound message.
// Violations are recorded through the sink; whether the message is
// dropped or merely warned follows block_on_violation.
func (e *Enforcer) EvaluateInbound(ctx context.Context, msg *models.InboundMessage) Decision {
	pol := e.PolicyFor(msg.ChannelID)
	op := Classify(msg)

	// Chat is always permitted.
	if op == OpChat && msg.Command() == "" {
		return Decision{Allowed: true, Operation: op}
	}

	// Command whitelist applies to every slash command.
	if cmd := msg.Command(); cmd != "" {
		if !commandWhitelisted(cmd, pol.AllowedCommands) {
			return e.reject(ctx, msg, pol, op, models.ViolationCommandNotWhitelisted,
				CodeCommandNotWhitelisted, "command "+cmd+" is not whitelisted")
		}
	}

	if requiresExecute(op) && !pol.AllowExecute {
		return e.reject(ctx, msg, pol, op, models.ViolationOperationDenied,
			CodeOperationDenied, string(op)+" operations are denied by policy")
	}

	if requiresExecute(op) && pol.RequireAdminToken {
		token, _ := msg.Metadata["admin_token"].(string)
		if !VerifyAdminToken(pol.AdminTokenHash, token) {
			return e.reject(ctx, msg, pol, op, models.ViolationInvalidToken,
				CodeInvalidToken, "admin token missing or invalid")
		}
	}

	return Decision{Allowed: true, Operation: op}
}

// commandWhitelisted performs a case-insensitive prefix match of the
// command word against the whitelist, so "/Session new" passes when
// "/session" is whitelisted.
func commandWhitelisted(cmd string, allowed []string) bool {
	lc := strings.ToLower(cmd)
	for _, a := range allowed {
		la := strings.ToLower(strings.TrimSpace(a))
		if la == "" {
			continue
		}
		if strings.HasPrefix(lc, la) {
			return true
		}
	}
	return false
}

func (e *Enforcer) reject(ctx context.Context, msg *models.InboundMessage, pol SecurityPolicy,
	op OperationClass, vt models.ViolationType, code, reason string) Decision {

	action := models.ViolationWarned
	if pol.BlockOnViolation {
		action = models.ViolationBlocked
	}

	e.RecordViolation(ctx, &models.SecurityViolation{
		ChannelID:          msg.ChannelID,
		ViolationType:      vt,
		MessageID:          msg.MessageID,
		UserKey:            msg.UserKey,
		PolicyMode:         string(pol.Mode),
		AttemptedOperation: string(op),
		Timestamp:          time.Now().UTC(),
		Action:             action,
	})

	return Decision{
		Allowed:   !pol.BlockOnViolation,
		Warned:    !pol.BlockOnViolation,
		Code:      code,
		Reason:    reason,
		Operation: op,
	}
}

// RecordViolation appends a violation to the in-memory ring and the
// durable sink.
func (e *Enforcer) RecordViolation(ctx context.Context, v *models.SecurityViolation) {
	e.mu.Lock()
	e.recent = append(e.recent, v)
	if len(e.recent) > e.recentLimit {
		e.recent = e.recent[len(e.recent)-e.recentLimit:]
	}
	e.mu.Unlock()

	if e.sink != nil {
		if err := e.sink.AppendViolation(ctx, v); err != nil {
			e.logger.Error("violation append failed",
				"channel_id", v.ChannelID, "type", v.ViolationType, "error", err)
		}
	}
	e.logger.Warn("security violation",
		"channel_id", v.ChannelID,
		"type", v.ViolationType,
		"user_key", v.UserKey,
		"operation", v.AttemptedOperation,
		"action", v.Action)
}

// RecentViolations returns a snapshot of the in-memory violation cache.
func (e *Enforcer) RecentViolations() []*models.SecurityViolation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.SecurityViolation, len(e.recent))
	copy(out, e.recent)
	return out
}

// WarnIfRemotelyExposed emits a single REMOTE_EXPOSURE_WARNING per
// process start when the deployment looks remotely reachable.
func (e *Enforcer) WarnIfRemotelyExposed(ctx context.Context) {
	e.exposureOnce.Do(func() {
		if !DetectRemoteExposure() {
			return
		}
		e.logger.Warn("deployment appears remotely exposed; review channel security policies")
		e.RecordViolation(ctx, &models.SecurityViolation{
			ChannelID:     "system",
			ViolationType: models.ViolationRemoteExposure,
			PolicyMode:    string(e.defaultPol.Mode),
			Timestamp:     time.Now().UTC(),
			Action:        models.ViolationWarned,
		})
	})
}
