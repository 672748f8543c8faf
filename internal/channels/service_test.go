package channels

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/internal/manifest"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

const testManifest = `{
  "id": "slack",
  "name": "Slack",
  "version": "1.0.0",
  "session_scope": "user_conversation",
  "webhook_paths": ["/webhooks/slack"],
  "required_config_fields": [
    {"name": "signing_secret", "type": "secret", "required": true, "secret": true},
    {"name": "bot_token", "type": "secret", "required": true, "secret": true,
     "validation_regex": "^xoxb-", "validation_error": "bot token must start with xoxb-"},
    {"name": "default_channel", "type": "string", "required": false}
  ],
  "security_defaults": {
    "mode": "CHAT_ONLY",
    "allow_execute": false,
    "rate_limit_per_minute": 30,
    "retention_days": 30,
    "require_signature": true
  }
}`

func newTestService(t *testing.T) (*ConfigService, storage.StoreSet) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "slack.json"), []byte(testManifest), 0644); err != nil {
		t.Fatal(err)
	}
	reg := manifest.NewRegistry(dir)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	box, err := NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	stores := storage.NewMemoryStores()
	return NewConfigService(reg, stores, box), stores
}

func validConfig() map[string]any {
	return map[string]any{
		"signing_secret":  "shhh-secret",
		"bot_token":       "xoxb-123",
		"default_channel": "#general",
	}
}

func TestSaveConfigEncryptsSecretsAndAudits(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)

	if err := svc.SaveConfig(ctx, "slack-main", "slack", validConfig(), "admin@local"); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	cfg, err := stores.ChannelConfigs.Get(ctx, "slack-main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Status != models.ChannelNeedsSetup {
		t.Fatalf("new channel status = %s, want NEEDS_SETUP", cfg.Status)
	}
	if strings.Contains(cfg.ConfigJSON, "shhh-secret") || strings.Contains(cfg.ConfigJSON, "xoxb-123") {
		t.Fatal("secret stored in plaintext")
	}
	if !strings.Contains(cfg.ConfigJSON, "#general") {
		t.Fatal("non-secret field missing from stored config")
	}

	plain, err := svc.DecryptedConfig(ctx, "slack-main")
	if err != nil {
		t.Fatalf("DecryptedConfig: %v", err)
	}
	if plain["signing_secret"] != "shhh-secret" || plain["bot_token"] != "xoxb-123" {
		t.Fatalf("decrypted config = %v", plain)
	}

	entries, err := stores.ChannelAudit.ListByChannel(ctx, "slack-main", 10)
	if err != nil {
		t.Fatalf("ListByChannel: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != "config.save" || e.PerformedBy != "admin@local" {
		t.Fatalf("audit entry = %+v", e)
	}
	// The audit row names fields, never values.
	for _, v := range e.Details {
		if s, ok := v.(string); ok && strings.Contains(s, "shhh-secret") {
			t.Fatal("audit row leaks secret value")
		}
	}
}

func TestSaveConfigRejectsInvalidWithoutWriting(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)

	bad := validConfig()
	bad["bot_token"] = "not-a-bot-token"
	if err := svc.SaveConfig(ctx, "slack-main", "slack", bad, "admin@local"); err == nil {
		t.Fatal("invalid config accepted")
	}

	if _, err := stores.ChannelConfigs.Get(ctx, "slack-main"); err == nil {
		t.Fatal("rejected config was persisted")
	}
	entries, _ := stores.ChannelAudit.ListByChannel(ctx, "slack-main", 10)
	if len(entries) != 0 {
		t.Fatalf("audit rows = %d, want 0", len(entries))
	}
}

func TestSetEnabledTransitions(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)
	if err := svc.SaveConfig(ctx, "slack-main", "slack", validConfig(), "admin@local"); err != nil {
		t.Fatal(err)
	}

	if err := svc.SetEnabled(ctx, "slack-main", true, "admin@local"); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	cfg, _ := stores.ChannelConfigs.Get(ctx, "slack-main")
	if !cfg.Enabled || cfg.Status != models.ChannelEnabled {
		t.Fatalf("after enable: enabled=%v status=%s", cfg.Enabled, cfg.Status)
	}

	if err := svc.SetEnabled(ctx, "slack-main", false, "admin@local"); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	cfg, _ = stores.ChannelConfigs.Get(ctx, "slack-main")
	if cfg.Enabled || cfg.Status != models.ChannelDisabled {
		t.Fatalf("after disable: enabled=%v status=%s", cfg.Enabled, cfg.Status)
	}
}

func TestHeartbeatRestoresErrorChannel(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)
	if err := svc.SaveConfig(ctx, "slack-main", "slack", validConfig(), "admin@local"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnabled(ctx, "slack-main", true, "admin@local"); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkError(ctx, "slack-main", "upstream down"); err != nil {
		t.Fatal(err)
	}

	cfg, _ := stores.ChannelConfigs.Get(ctx, "slack-main")
	if cfg.Status != models.ChannelError || !cfg.Enabled {
		t.Fatalf("after MarkError: enabled=%v status=%s", cfg.Enabled, cfg.Status)
	}

	if err := svc.Heartbeat(ctx, "slack-main"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	cfg, _ = stores.ChannelConfigs.Get(ctx, "slack-main")
	if cfg.Status != models.ChannelEnabled || cfg.LastError != "" {
		t.Fatalf("after heartbeat: status=%s last_error=%q", cfg.Status, cfg.LastError)
	}
	if cfg.LastHeartbeatAt == nil {
		t.Fatal("heartbeat timestamp not recorded")
	}
}

func TestHeartbeatMonitorFlagsStaleButNeverDisables(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)
	if err := svc.SaveConfig(ctx, "slack-main", "slack", validConfig(), "admin@local"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnabled(ctx, "slack-main", true, "admin@local"); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().UTC().Add(-time.Hour)
	cfg, _ := stores.ChannelConfigs.Get(ctx, "slack-main")
	cfg.LastHeartbeatAt = &stale
	if err := stores.ChannelConfigs.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	m := NewHeartbeatMonitor(svc, time.Minute, 5*time.Minute)
	m.Sweep(ctx)

	cfg, _ = stores.ChannelConfigs.Get(ctx, "slack-main")
	if cfg.Status != models.ChannelError {
		t.Fatalf("stale channel status = %s, want ERROR", cfg.Status)
	}
	if !cfg.Enabled {
		t.Fatal("stale heartbeat disabled the channel")
	}

	// A channel that never reported a heartbeat is left alone.
	if err := svc.SaveConfig(ctx, "slack-new", "slack", validConfig(), "admin@local"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnabled(ctx, "slack-new", true, "admin@local"); err != nil {
		t.Fatal(err)
	}
	m.Sweep(ctx)
	cfg, _ = stores.ChannelConfigs.Get(ctx, "slack-new")
	if cfg.Status != models.ChannelEnabled {
		t.Fatalf("never-heartbeat channel status = %s, want ENABLED", cfg.Status)
	}
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Encrypt("top secret")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "top secret" {
		t.Fatal("ciphertext equals plaintext")
	}
	plain, err := box.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "top secret" {
		t.Fatalf("round trip = %q", plain)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if _, err := box.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}

	if _, err := NewSecretBox([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}
