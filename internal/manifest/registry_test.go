package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentos-dev/agentos/internal/policy"
)

const slackManifest = `{
  "id": "slack",
  "name": "Slack",
  "version": "1.0.0",
  "session_scope": "user_conversation",
  "webhook_paths": ["/webhooks/slack"],
  "capabilities": ["inbound_text", "outbound_text", "threading"],
  "required_config_fields": [
    {"name": "signing_secret", "type": "secret", "required": true, "secret": true},
    {"name": "bot_token", "type": "secret", "required": true, "secret": true,
     "validation_regex": "^xoxb-", "validation_error": "bot token must start with xoxb-"},
    {"name": "default_channel", "type": "string", "required": false},
    {"name": "mode", "type": "enum", "required": false, "options": ["socket", "events"]}
  ],
  "security_defaults": {
    "mode": "CHAT_ONLY",
    "allow_execute": false,
    "allowed_commands": ["/session", "/help"],
    "rate_limit_per_minute": 30,
    "retention_days": 30,
    "require_signature": true
  }
}`

func writeManifestDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadSkipsInvalidManifests(t *testing.T) {
	dir := writeManifestDir(t, map[string]string{
		"slack.json":  slackManifest,
		"broken.json": `{"id": "broken"`,
		"badscope.json": `{"id": "bad", "name": "Bad", "version": "1.0.0",
			"session_scope": "global"}`,
	})

	r := NewRegistry(dir)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(r.List()) != 1 {
		t.Fatalf("got %d manifests, want 1 (invalid skipped)", len(r.List()))
	}
	m, ok := r.Get("slack")
	if !ok {
		t.Fatal("slack manifest not loaded")
	}
	if m.SessionScope != ScopeUserConversation {
		t.Errorf("session scope = %q", m.SessionScope)
	}
	if got := m.SecretFields(); len(got) != 2 {
		t.Errorf("secret fields = %v, want signing_secret and bot_token", got)
	}
}

func TestValidateConfig(t *testing.T) {
	m, err := Parse([]byte(slackManifest))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{
			"signing_secret": "shh",
			"bot_token":      "xoxb-123",
		}, false},
		{"missing required", map[string]any{
			"signing_secret": "shh",
		}, true},
		{"regex mismatch", map[string]any{
			"signing_secret": "shh",
			"bot_token":      "xoxp-123",
		}, true},
		{"bad enum", map[string]any{
			"signing_secret": "shh",
			"bot_token":      "xoxb-123",
			"mode":           "webhooks",
		}, true},
		{"good enum", map[string]any{
			"signing_secret": "shh",
			"bot_token":      "xoxb-123",
			"mode":           "socket",
		}, false},
		{"wrong type", map[string]any{
			"signing_secret": 42,
			"bot_token":      "xoxb-123",
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDerivePolicy(t *testing.T) {
	m, err := Parse([]byte(slackManifest))
	if err != nil {
		t.Fatal(err)
	}

	pol := DerivePolicy(m, nil)
	if pol.Mode != policy.ModeChatOnly || !pol.ChatOnly {
		t.Errorf("derived mode = %+v", pol)
	}
	if pol.RateLimitPerMin != 30 || pol.RetentionDays != 30 {
		t.Errorf("derived limits = %+v", pol)
	}
	if !pol.RequireSignature {
		t.Error("require_signature not carried over")
	}
	if len(pol.AllowedCommands) != 2 {
		t.Errorf("allowed commands = %v", pol.AllowedCommands)
	}

	execMode := string(policy.ModeChatExecRestricted)
	allow := true
	limit := 5
	overridden := DerivePolicy(m, &PolicyOverrides{
		Mode:            &execMode,
		AllowExecute:    &allow,
		RateLimitPerMin: &limit,
		AllowedCommands: []string{"/execute"},
	})
	if overridden.Mode != policy.ModeChatExecRestricted || overridden.ChatOnly {
		t.Errorf("override mode = %+v", overridden)
	}
	if !overridden.AllowExecute || overridden.RateLimitPerMin != 5 {
		t.Errorf("override values = %+v", overridden)
	}
	if len(overridden.AllowedCommands) != 1 || overridden.AllowedCommands[0] != "/execute" {
		t.Errorf("override commands = %v", overridden.AllowedCommands)
	}

	// Derivation is pure: the manifest's defaults are unchanged.
	if m.SecurityDefaults.RateLimitPerMinute != 30 {
		t.Error("manifest mutated by DerivePolicy")
	}
}

func TestWebhookPaths(t *testing.T) {
	dir := writeManifestDir(t, map[string]string{"slack.json": slackManifest})
	r := NewRegistry(dir)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	paths := r.WebhookPaths()
	if paths["/webhooks/slack"] != "slack" {
		t.Errorf("webhook paths = %v", paths)
	}
}
