package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/pkg/models"
)

// MemoryChannelConfigStore provides an in-memory ChannelConfigStore.
type MemoryChannelConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*models.ChannelConfig
}

// NewMemoryChannelConfigStore creates an in-memory channel config store.
func NewMemoryChannelConfigStore() *MemoryChannelConfigStore {
	return &MemoryChannelConfigStore{configs: make(map[string]*models.ChannelConfig)}
}

func (s *MemoryChannelConfigStore) Save(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil || cfg.ChannelID == "" {
		return fmt.Errorf("channel config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[cfg.ChannelID] = &cp
	return nil
}

func (s *MemoryChannelConfigStore) Get(ctx context.Context, channelID string) (*models.ChannelConfig, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryChannelConfigStore) List(ctx context.Context) ([]*models.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ChannelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

func (s *MemoryChannelConfigStore) Delete(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[channelID]; !ok {
		return ErrNotFound
	}
	delete(s.configs, channelID)
	return nil
}

// MemoryChannelAuditStore provides an in-memory ChannelAuditStore.
type MemoryChannelAuditStore struct {
	mu      sync.RWMutex
	entries []*models.ChannelAuditEntry
}

// NewMemoryChannelAuditStore creates an in-memory channel audit store.
func NewMemoryChannelAuditStore() *MemoryChannelAuditStore {
	return &MemoryChannelAuditStore{}
}

func (s *MemoryChannelAuditStore) Append(ctx context.Context, entry *models.ChannelAuditEntry) error {
	if entry == nil || entry.ChannelID == "" {
		return fmt.Errorf("audit entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryChannelAuditStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ChannelAuditEntry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ChannelID != channelID {
			continue
		}
		cp := *s.entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryChannelEventStore provides an in-memory ChannelEventStore.
type MemoryChannelEventStore struct {
	mu        sync.RWMutex
	events    []*models.ChannelEvent
	byMessage map[string]*models.ChannelEvent
}

// NewMemoryChannelEventStore creates an in-memory channel event store.
func NewMemoryChannelEventStore() *MemoryChannelEventStore {
	return &MemoryChannelEventStore{byMessage: make(map[string]*models.ChannelEvent)}
}

func messageKey(channelID, messageID string) string {
	return channelID + "|" + messageID
}

func (s *MemoryChannelEventStore) Append(ctx context.Context, event *models.ChannelEvent) error {
	if event == nil || event.ChannelID == "" {
		return fmt.Errorf("channel event is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, &cp)
	if cp.MessageID != "" {
		s.byMessage[messageKey(cp.ChannelID, cp.MessageID)] = &cp
	}
	return nil
}

func (s *MemoryChannelEventStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ChannelEvent{}
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ChannelID != channelID {
			continue
		}
		cp := *s.events[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryChannelEventStore) GetByMessage(ctx context.Context, channelID, messageID string) (*models.ChannelEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byMessage[messageKey(channelID, messageID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// MemoryViolationStore provides an in-memory ViolationStore.
type MemoryViolationStore struct {
	mu         sync.RWMutex
	violations []*models.SecurityViolation
}

// NewMemoryViolationStore creates an in-memory violation store.
func NewMemoryViolationStore() *MemoryViolationStore {
	return &MemoryViolationStore{}
}

func (s *MemoryViolationStore) AppendViolation(ctx context.Context, v *models.SecurityViolation) error {
	if v == nil || v.ChannelID == "" {
		return fmt.Errorf("violation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.violations = append(s.violations, &cp)
	return nil
}

func (s *MemoryViolationStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.SecurityViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.SecurityViolation{}
	for i := len(s.violations) - 1; i >= 0; i-- {
		if s.violations[i].ChannelID != channelID {
			continue
		}
		cp := *s.violations[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryDedupeStore provides an in-memory DedupeStore.
type MemoryDedupeStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDedupeStore creates an in-memory dedupe store.
func NewMemoryDedupeStore() *MemoryDedupeStore {
	return &MemoryDedupeStore{seen: make(map[string]struct{})}
}

func (s *MemoryDedupeStore) MarkSeen(ctx context.Context, channelID, messageID string) (bool, error) {
	if channelID == "" || messageID == "" {
		return false, fmt.Errorf("channel id and message id are required")
	}
	key := messageKey(channelID, messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// MemoryExtensionStore provides an in-memory ExtensionStore.
type MemoryExtensionStore struct {
	mu         sync.RWMutex
	extensions map[string]*models.ExtensionRecord
}

// NewMemoryExtensionStore creates an in-memory extension store.
func NewMemoryExtensionStore() *MemoryExtensionStore {
	return &MemoryExtensionStore{extensions: make(map[string]*models.ExtensionRecord)}
}

func (s *MemoryExtensionStore) Put(ctx context.Context, rec *models.ExtensionRecord) error {
	if rec == nil || rec.ExtensionID == "" {
		return fmt.Errorf("extension record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.extensions[rec.ExtensionID] = &cp
	return nil
}

func (s *MemoryExtensionStore) Get(ctx context.Context, extensionID string) (*models.ExtensionRecord, error) {
	if extensionID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.extensions[extensionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryExtensionStore) List(ctx context.Context) ([]*models.ExtensionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ExtensionRecord, 0, len(s.extensions))
	for _, rec := range s.extensions {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExtensionID < out[j].ExtensionID
	})
	return out, nil
}

func (s *MemoryExtensionStore) SetEnabled(ctx context.Context, extensionID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.extensions[extensionID]
	if !ok {
		return ErrNotFound
	}
	rec.Enabled = enabled
	return nil
}

func (s *MemoryExtensionStore) SetStatus(ctx context.Context, extensionID string, status models.ExtensionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.extensions[extensionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (s *MemoryExtensionStore) Delete(ctx context.Context, extensionID string) error {
	if extensionID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.extensions[extensionID]; !ok {
		return ErrNotFound
	}
	delete(s.extensions, extensionID)
	return nil
}

// MemoryInstallStore provides an in-memory InstallStore.
type MemoryInstallStore struct {
	mu       sync.RWMutex
	installs map[string]*models.InstallRecord
}

// NewMemoryInstallStore creates an in-memory install store.
func NewMemoryInstallStore() *MemoryInstallStore {
	return &MemoryInstallStore{installs: make(map[string]*models.InstallRecord)}
}

func (s *MemoryInstallStore) Create(ctx context.Context, rec *models.InstallRecord) error {
	if rec == nil || rec.InstallID == "" {
		return fmt.Errorf("install record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.installs[rec.InstallID]; ok {
		return ErrAlreadyExists
	}
	cp := *rec
	s.installs[rec.InstallID] = &cp
	return nil
}

func (s *MemoryInstallStore) Update(ctx context.Context, rec *models.InstallRecord) error {
	if rec == nil || rec.InstallID == "" {
		return fmt.Errorf("install record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.installs[rec.InstallID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	s.installs[rec.InstallID] = &cp
	return nil
}

func (s *MemoryInstallStore) Get(ctx context.Context, installID string) (*models.InstallRecord, error) {
	if installID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.installs[installID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryInstallStore) ActiveForExtension(ctx context.Context, extensionID string) (*models.InstallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.installs {
		if rec.ExtensionID == extensionID && rec.Status == models.InstallRunning {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// MemoryExtensionConfigStore provides an in-memory ExtensionConfigStore.
type MemoryExtensionConfigStore struct {
	mu      sync.RWMutex
	configs map[string]string
}

// NewMemoryExtensionConfigStore creates an in-memory extension config store.
func NewMemoryExtensionConfigStore() *MemoryExtensionConfigStore {
	return &MemoryExtensionConfigStore{configs: make(map[string]string)}
}

func (s *MemoryExtensionConfigStore) Save(ctx context.Context, extensionID, configJSON string) error {
	if extensionID == "" {
		return fmt.Errorf("extension id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[extensionID] = configJSON
	return nil
}

func (s *MemoryExtensionConfigStore) Get(ctx context.Context, extensionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[extensionID]
	if !ok {
		return "", ErrNotFound
	}
	return cfg, nil
}

// MemoryDecisionStore provides an in-memory DecisionStore.
type MemoryDecisionStore struct {
	mu        sync.RWMutex
	decisions []*models.EvolutionDecision
	byID      map[string]*models.EvolutionDecision
}

// NewMemoryDecisionStore creates an in-memory decision store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{byID: make(map[string]*models.EvolutionDecision)}
}

func (s *MemoryDecisionStore) Append(ctx context.Context, d *models.EvolutionDecision) error {
	if d == nil || d.DecisionID == "" {
		return fmt.Errorf("decision is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.DecisionID]; ok {
		return ErrAlreadyExists
	}
	cp := *d
	s.decisions = append(s.decisions, &cp)
	s.byID[d.DecisionID] = &cp
	return nil
}

func (s *MemoryDecisionStore) Get(ctx context.Context, decisionID string) (*models.EvolutionDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDecisionStore) ListByExtension(ctx context.Context, extensionID string, limit int) ([]*models.EvolutionDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.EvolutionDecision{}
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].ExtensionID != extensionID {
			continue
		}
		cp := *s.decisions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDecisionStore) ListByStatus(ctx context.Context, status models.DecisionStatus, limit int) ([]*models.EvolutionDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.EvolutionDecision{}
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].Status != status {
			continue
		}
		cp := *s.decisions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDecisionStore) SetStatus(ctx context.Context, decisionID string, from, to models.DecisionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[decisionID]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return fmt.Errorf("decision %s is %s, not %s", decisionID, d.Status, from)
	}
	d.Status = to
	return nil
}

// MemoryLeadFindingStore provides an in-memory LeadFindingStore.
type MemoryLeadFindingStore struct {
	mu       sync.RWMutex
	findings map[string]*models.LeadFinding
}

// NewMemoryLeadFindingStore creates an in-memory lead finding store.
func NewMemoryLeadFindingStore() *MemoryLeadFindingStore {
	return &MemoryLeadFindingStore{findings: make(map[string]*models.LeadFinding)}
}

func (s *MemoryLeadFindingStore) Observe(ctx context.Context, f *models.LeadFinding) error {
	if f == nil || f.Fingerprint == "" {
		return fmt.Errorf("finding is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.findings[f.Fingerprint]; ok {
		existing.LastSeenAt = now
		existing.Count++
		if f.EvidenceJSON != "" {
			existing.EvidenceJSON = f.EvidenceJSON
		}
		return nil
	}
	cp := *f
	if cp.FirstSeenAt.IsZero() {
		cp.FirstSeenAt = now
	}
	if cp.LastSeenAt.IsZero() {
		cp.LastSeenAt = now
	}
	if cp.Count == 0 {
		cp.Count = 1
	}
	s.findings[f.Fingerprint] = &cp
	return nil
}

func (s *MemoryLeadFindingStore) Get(ctx context.Context, fingerprint string) (*models.LeadFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.findings[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryLeadFindingStore) List(ctx context.Context, limit int) ([]*models.LeadFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.LeadFinding, 0, len(s.findings))
	for _, f := range s.findings {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryTaskAuditStore provides an in-memory TaskAuditStore.
type MemoryTaskAuditStore struct {
	mu     sync.RWMutex
	audits []*models.TaskAudit
}

// NewMemoryTaskAuditStore creates an in-memory task audit store.
func NewMemoryTaskAuditStore() *MemoryTaskAuditStore {
	return &MemoryTaskAuditStore{}
}

func (s *MemoryTaskAuditStore) Append(ctx context.Context, a *models.TaskAudit) error {
	if a == nil || a.TaskID == "" {
		return fmt.Errorf("task audit is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *MemoryTaskAuditStore) ListByTask(ctx context.Context, taskID string, limit int) ([]*models.TaskAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.TaskAudit{}
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].TaskID != taskID {
			continue
		}
		cp := *s.audits[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemorySystemLogStore provides an in-memory SystemLogStore.
type MemorySystemLogStore struct {
	mu   sync.RWMutex
	logs []*models.SystemLog
}

// NewMemorySystemLogStore creates an in-memory system log store.
func NewMemorySystemLogStore() *MemorySystemLogStore {
	return &MemorySystemLogStore{}
}

func (s *MemorySystemLogStore) Append(ctx context.Context, l *models.SystemLog) error {
	if l == nil || l.Message == "" {
		return fmt.Errorf("system log is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemorySystemLogStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.SystemLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.SystemLog{}
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].Timestamp.Before(since) {
			continue
		}
		cp := *s.logs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		ChannelConfigs:   NewMemoryChannelConfigStore(),
		ChannelAudit:     NewMemoryChannelAuditStore(),
		ChannelEvents:    NewMemoryChannelEventStore(),
		Violations:       NewMemoryViolationStore(),
		Dedupe:           NewMemoryDedupeStore(),
		Extensions:       NewMemoryExtensionStore(),
		Installs:         NewMemoryInstallStore(),
		ExtensionConfigs: NewMemoryExtensionConfigStore(),
		Decisions:        NewMemoryDecisionStore(),
		LeadFindings:     NewMemoryLeadFindingStore(),
		TaskAudits:       NewMemoryTaskAuditStore(),
		SystemLogs:       NewMemorySystemLogStore(),
	}
}
