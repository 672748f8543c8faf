package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls, result.Attempts)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	result := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}
	result := Do(context.Background(), cfg, func() error {
		calls++
		return Permanent(errors.New("bad input"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	result := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("always failing")
	})
	if calls != 4 || result.Attempts != 4 {
		t.Errorf("calls = %d, attempts = %d, want 4/4", calls, result.Attempts)
	}
	if result.Err == nil {
		t.Error("expected error after exhausting attempts")
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, DefaultConfig(), func() error {
		t.Fatal("op should not run with canceled context")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond}
	calls := 0
	value, result := DoWithValue(context.Background(), cfg, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if result.Err != nil || value != "ok" {
		t.Errorf("value = %q, err = %v", value, result.Err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	if got := Backoff(1, initial, max, 2); got != initial {
		t.Errorf("attempt 1 = %v, want %v", got, initial)
	}
	if got := Backoff(3, initial, max, 2); got != 400*time.Millisecond {
		t.Errorf("attempt 3 = %v, want 400ms", got)
	}
	if got := Backoff(10, initial, max, 2); got != max {
		t.Errorf("attempt 10 = %v, want cap %v", got, max)
	}
}
