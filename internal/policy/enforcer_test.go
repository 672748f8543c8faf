package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/pkg/models"
)

type captureSink struct {
	mu         sync.Mutex
	violations []*models.SecurityViolation
}

func (c *captureSink) AppendViolation(_ context.Context, v *models.SecurityViolation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations = append(c.violations, v)
	return nil
}

func (c *captureSink) last() *models.SecurityViolation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.violations) == 0 {
		return nil
	}
	return c.violations[len(c.violations)-1]
}

func textMsg(channel, text string) *models.InboundMessage {
	return &models.InboundMessage{
		ChannelID: channel,
		UserKey:   "U1",
		MessageID: "m1",
		Type:      models.MessageText,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func TestChatAlwaysPermitted(t *testing.T) {
	e := NewEnforcer(DefaultPolicy(), nil)
	d := e.EvaluateInbound(context.Background(), textMsg("c1", "hello there"))
	if !d.Allowed || d.Operation != OpChat {
		t.Fatalf("chat should be allowed, got %+v", d)
	}
}

func TestCommandWhitelistPrefixMatch(t *testing.T) {
	sink := &captureSink{}
	e := NewEnforcer(DefaultPolicy(), sink)
	pol := DefaultPolicy()
	pol.AllowedCommands = []string{"/session", "/help"}
	if err := e.SetChannelPolicy("c1", pol); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		text    string
		allowed bool
	}{
		{"/session new", true},
		{"/Session new", true}, // case-insensitive
		{"/help status", true},
		{"/HELP", true},
		{"/execute rm -rf /", false},
		{"/sess", false},
	}
	for _, tt := range tests {
		d := e.EvaluateInbound(context.Background(), textMsg("c1", tt.text))
		if d.Allowed != tt.allowed {
			t.Errorf("EvaluateInbound(%q).Allowed = %v, want %v (code %s)", tt.text, d.Allowed, tt.allowed, d.Code)
		}
	}

	d := e.EvaluateInbound(context.Background(), textMsg("c1", "/execute rm -rf /"))
	if d.Code != CodeCommandNotWhitelisted {
		t.Errorf("code = %s, want COMMAND_NOT_WHITELISTED", d.Code)
	}
	v := sink.last()
	if v == nil || v.ViolationType != models.ViolationCommandNotWhitelisted || v.ChannelID != "c1" {
		t.Errorf("violation not recorded correctly: %+v", v)
	}
}

func TestExecuteDeniedWithoutAllowExecute(t *testing.T) {
	sink := &captureSink{}
	e := NewEnforcer(DefaultPolicy(), sink)
	pol := DefaultPolicy()
	pol.AllowedCommands = []string{"/execute"}
	pol.AllowExecute = false
	if err := e.SetChannelPolicy("c1", pol); err != nil {
		t.Fatal(err)
	}

	d := e.EvaluateInbound(context.Background(), textMsg("c1", "/execute ls"))
	if d.Allowed {
		t.Fatal("execute should be denied")
	}
	if d.Code != CodeOperationDenied {
		t.Errorf("code = %s, want OPERATION_DENIED", d.Code)
	}
	if v := sink.last(); v == nil || v.ViolationType != models.ViolationOperationDenied {
		t.Errorf("violation = %+v", v)
	}
}

func TestAdminTokenGate(t *testing.T) {
	hash, err := HashAdminToken("correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	pol := DefaultPolicy()
	pol.Mode = ModeChatExecRestricted
	pol.AllowExecute = true
	pol.RequireAdminToken = true
	pol.AdminTokenHash = hash
	pol.AllowedCommands = []string{"/execute"}

	e := NewEnforcer(DefaultPolicy(), &captureSink{})
	if err := e.SetChannelPolicy("c1", pol); err != nil {
		t.Fatal(err)
	}

	msg := textMsg("c1", "/execute ls")
	msg.Metadata = map[string]any{"admin_token": "correct-horse"}
	if d := e.EvaluateInbound(context.Background(), msg); !d.Allowed {
		t.Errorf("valid token should pass, got %+v", d)
	}

	msg.Metadata["admin_token"] = "wrong-token!!"
	d := e.EvaluateInbound(context.Background(), msg)
	if d.Allowed || d.Code != CodeInvalidToken {
		t.Errorf("invalid token should be rejected with INVALID_TOKEN, got %+v", d)
	}

	delete(msg.Metadata, "admin_token")
	if d := e.EvaluateInbound(context.Background(), msg); d.Allowed {
		t.Error("missing token should be rejected")
	}
}

func TestWarnInsteadOfBlock(t *testing.T) {
	sink := &captureSink{}
	pol := DefaultPolicy()
	pol.BlockOnViolation = false
	pol.AllowedCommands = nil

	e := NewEnforcer(pol, sink)
	d := e.EvaluateInbound(context.Background(), textMsg("c1", "/anything"))
	if !d.Allowed || !d.Warned {
		t.Errorf("warn mode should allow with warning, got %+v", d)
	}
	if v := sink.last(); v == nil || v.Action != models.ViolationWarned {
		t.Errorf("violation action = %+v, want WARNED", v)
	}
}

func TestPolicyValidate(t *testing.T) {
	pol := DefaultPolicy()
	pol.RequireAdminToken = true
	pol.AdminTokenHash = ""
	if err := pol.Validate(); err == nil {
		t.Error("require_admin_token without hash must be invalid")
	}

	pol2 := DefaultPolicy()
	pol2.Mode = Mode("YOLO")
	if err := pol2.Validate(); err == nil {
		t.Error("unknown mode must be invalid")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		meta map[string]any
		want OperationClass
	}{
		{"hello", nil, OpChat},
		{"/session new", nil, OpChat}, // non-execute command is chat class
		{"/execute ls", nil, OpExecute},
		{"/run build", nil, OpExecute},
		{"/shell id", nil, OpExecute},
		{"hello", map[string]any{"operation_class": "EXECUTE"}, OpExecute},
		{"hello", map[string]any{"operation_class": "FILE_ACCESS"}, OpFileAccess},
		{"hello", map[string]any{"operation_class": "bogus"}, OpChat},
	}
	for _, tt := range tests {
		msg := textMsg("c1", tt.text)
		msg.Metadata = tt.meta
		if got := Classify(msg); got != tt.want {
			t.Errorf("Classify(%q, %v) = %v, want %v", tt.text, tt.meta, got, tt.want)
		}
	}
}

func TestVerifyAdminTokenConstantTimeCoarse(t *testing.T) {
	hash, err := HashAdminToken("secret-token-value")
	if err != nil {
		t.Fatal(err)
	}

	// Coarse timing check: equal-length wrong tokens should not be
	// measurably faster than the correct one.
	wrong := "secret-token-valuX"
	const rounds = 2000

	start := time.Now()
	for i := 0; i < rounds; i++ {
		VerifyAdminToken(hash, "secret-token-value")
	}
	rightDur := time.Since(start)

	start = time.Now()
	for i := 0; i < rounds; i++ {
		VerifyAdminToken(hash, wrong)
	}
	wrongDur := time.Since(start)

	ratio := float64(rightDur) / float64(wrongDur)
	if ratio < 0.2 || ratio > 5 {
		t.Errorf("timing ratio %0.2f outside coarse bounds", ratio)
	}
}

func TestVerifyAdminTokenMalformedHash(t *testing.T) {
	if VerifyAdminToken("not-a-valid-hash", "anything") {
		t.Error("malformed stored hash must never verify")
	}
	if VerifyAdminToken("zz:abcd", "anything") {
		t.Error("bad salt hex must never verify")
	}
}

func TestDetectRemoteExposure(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("AGENTOS_REMOTE_MODE", "")
	if DetectRemoteExposure() {
		t.Skip("environment already flags remote exposure")
	}
	t.Setenv("AGENTOS_REMOTE_MODE", "1")
	if !DetectRemoteExposure() {
		t.Error("AGENTOS_REMOTE_MODE should flag exposure")
	}
}
