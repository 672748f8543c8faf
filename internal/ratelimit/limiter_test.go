package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 3, Enabled: true})
	key := Key("slack-main", "U1")

	for i := 0; i < 3; i++ {
		if !l.Allow(key) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if l.Allow(key) {
		t.Error("fourth event in the same minute should be rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 2, Enabled: true})
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	key := Key("tg-1", "U2")

	if !l.Allow(key) || !l.Allow(key) {
		t.Fatal("first two events should pass")
	}
	if l.Allow(key) {
		t.Fatal("third event should be rejected")
	}

	// Advance past the window; old events expire.
	now = now.Add(61 * time.Second)
	if !l.Allow(key) {
		t.Error("event after window expiry should pass")
	}
}

func TestPerKeyIsolation(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 1, Enabled: true})
	if !l.Allow(Key("c1", "alice")) {
		t.Fatal("alice should pass")
	}
	if !l.Allow(Key("c1", "bob")) {
		t.Error("bob has a separate window")
	}
	if !l.Allow(Key("c2", "alice")) {
		t.Error("same user on another channel has a separate window")
	}
	if l.Allow(Key("c1", "alice")) {
		t.Error("alice's second event should be rejected")
	}
}

func TestAllowLimitOverride(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 100, Enabled: true})
	key := Key("c1", "u1")
	if !l.AllowLimit(key, 1) {
		t.Fatal("first event should pass")
	}
	if l.AllowLimit(key, 1) {
		t.Error("override limit of 1 should reject the second event")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 1, Enabled: false})
	key := Key("c1", "u1")
	for i := 0; i < 10; i++ {
		if !l.Allow(key) {
			t.Fatal("disabled limiter must allow all events")
		}
	}
}

func TestCountAndReset(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 10, Enabled: true})
	key := Key("c1", "u1")
	l.Allow(key)
	l.Allow(key)
	if got := l.Count(key); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	l.Reset(key)
	if got := l.Count(key); got != 0 {
		t.Errorf("Count after reset = %d, want 0", got)
	}
}

func TestKey(t *testing.T) {
	if got := Key("slack-main", "U123"); got != "slack-main:U123" {
		t.Errorf("Key = %q", got)
	}
}
