package capability

import (
	"sync"
	"time"
)

// Response store limits.
const (
	maxResponseBytes = 1 << 20
	responseTTL      = 24 * time.Hour
)

type storedResponse struct {
	data     []byte
	storedAt time.Time
}

// ResponseStore keeps the last captured response per session so that
// analyze.response can operate on it. Entries are capped at 1 MiB and
// expire after 24 hours.
type ResponseStore struct {
	mu      sync.RWMutex
	entries map[string]storedResponse
	now     func() time.Time
}

// NewResponseStore creates an empty store.
func NewResponseStore() *ResponseStore {
	return &ResponseStore{
		entries: make(map[string]storedResponse),
		now:     time.Now,
	}
}

// Put records the latest response for a session, truncating to the cap.
func (s *ResponseStore) Put(sessionID string, data []byte) {
	if len(data) > maxResponseBytes {
		data = data[:maxResponseBytes]
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.entries[sessionID] = storedResponse{data: cp, storedAt: s.now()}
	s.mu.Unlock()
}

// Get returns the session's last response, or false when absent or
// expired. Expired entries are dropped on access.
func (s *ResponseStore) Get(sessionID string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().Sub(entry.storedAt) > responseTTL {
		s.mu.Lock()
		delete(s.entries, sessionID)
		s.mu.Unlock()
		return nil, false
	}
	return entry.data, true
}
