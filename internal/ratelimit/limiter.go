// Package ratelimit provides per-key sliding-window rate limiting for
// inbound channel traffic. Keys combine channel and user identity.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures sliding-window rate limiting.
type Config struct {
	// PerMinute is the number of events allowed per key per minute.
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{PerMinute: 60, Enabled: true}
}

const window = time.Minute

// windowState holds the timestamps inside the current window for one key.
type windowState struct {
	mu     sync.Mutex
	events []time.Time
}

// allow records the event if it fits in the window and reports the
// decision. limit may differ per call since channels can override policy.
func (w *windowState) allow(now time.Time, limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	if len(w.events) >= limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// trim drops events older than the window (must hold lock).
func (w *windowState) trim(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *windowState) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return len(w.events)
}

// Limiter manages sliding windows for multiple keys.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*windowState
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a sliding-window limiter.
func NewLimiter(config Config) *Limiter {
	if config.PerMinute <= 0 {
		config.PerMinute = DefaultConfig().PerMinute
	}
	return &Limiter{
		windows: make(map[string]*windowState),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow checks one event for key against the default per-minute limit.
func (l *Limiter) Allow(key string) bool {
	return l.AllowLimit(key, l.config.PerMinute)
}

// AllowLimit checks one event against an explicit per-minute limit, used
// when a channel policy overrides the default.
func (l *Limiter) AllowLimit(key string, perMinute int) bool {
	if !l.config.Enabled {
		return true
	}
	if perMinute <= 0 {
		perMinute = l.config.PerMinute
	}
	return l.getWindow(key).allow(l.now(), perMinute)
}

// Count returns the number of events currently inside the window.
func (l *Limiter) Count(key string) int {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.count(l.now())
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) getWindow(key string) *windowState {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	if len(l.windows) >= l.maxKeys {
		l.prune()
	}
	w = &windowState{}
	l.windows[key] = w
	return w
}

// prune removes keys whose windows have gone empty (must hold write lock).
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		if w.count(now) == 0 {
			delete(l.windows, key)
		}
	}
}

// Key builds the canonical rate-limit key for a channel/user pair.
func Key(channelID, userKey string) string {
	return strings.Join([]string{channelID, userKey}, ":")
}
