package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentos-dev/agentos/pkg/models"
)

func TestDedupeFirstWriterWins(t *testing.T) {
	s := NewMemoryDedupeStore()
	ctx := context.Background()

	first, err := s.MarkSeen(ctx, "c1", "m1")
	if err != nil || !first {
		t.Fatalf("first MarkSeen = (%v, %v), want (true, nil)", first, err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.MarkSeen(ctx, "c1", "m1")
		if err != nil || again {
			t.Fatalf("replay %d MarkSeen = (%v, %v), want (false, nil)", i, again, err)
		}
	}

	// Distinct channel or message id is a distinct key.
	if first, _ := s.MarkSeen(ctx, "c2", "m1"); !first {
		t.Error("different channel should be first")
	}
	if first, _ := s.MarkSeen(ctx, "c1", "m2"); !first {
		t.Error("different message should be first")
	}
}

func TestChannelConfigSaveIsUpsert(t *testing.T) {
	s := NewMemoryChannelConfigStore()
	ctx := context.Background()
	now := time.Now().UTC()

	cfg := &models.ChannelConfig{
		ChannelID: "slack-main",
		Status:    models.ChannelNeedsSetup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	cfg.Status = models.ChannelEnabled
	cfg.Enabled = true
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "slack-main")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ChannelEnabled || !got.Enabled {
		t.Errorf("got %+v after upsert", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestChannelEventGetByMessage(t *testing.T) {
	s := NewMemoryChannelEventStore()
	ctx := context.Background()

	if err := s.Append(ctx, &models.ChannelEvent{
		ChannelID: "c1",
		EventType: "inbound",
		MessageID: "m1",
		Status:    "accepted",
	}); err != nil {
		t.Fatal(err)
	}

	ev, err := s.GetByMessage(ctx, "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != "accepted" || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}

	if _, err := s.GetByMessage(ctx, "c1", "m2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message = %v, want ErrNotFound", err)
	}
}

func TestViolationListByChannel(t *testing.T) {
	s := NewMemoryViolationStore()
	ctx := context.Background()

	for _, ch := range []string{"c1", "c2", "c1"} {
		if err := s.AppendViolation(ctx, &models.SecurityViolation{
			ChannelID:     ch,
			ViolationType: models.ViolationRateLimitExceeded,
			Action:        models.ViolationBlocked,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListByChannel(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d violations for c1, want 2", len(got))
	}
}

func TestInstallActiveForExtension(t *testing.T) {
	s := NewMemoryInstallStore()
	ctx := context.Background()

	if err := s.Create(ctx, &models.InstallRecord{
		InstallID:   "i1",
		ExtensionID: "ext-a",
		Status:      models.InstallRunning,
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveForExtension(ctx, "ext-a")
	if err != nil {
		t.Fatal(err)
	}
	if active.InstallID != "i1" {
		t.Errorf("active install = %+v", active)
	}

	active.Status = models.InstallCompleted
	if err := s.Update(ctx, active); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveForExtension(ctx, "ext-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed install still active: %v", err)
	}
}

func TestDecisionStatusTransition(t *testing.T) {
	s := NewMemoryDecisionStore()
	ctx := context.Background()

	d := &models.EvolutionDecision{
		DecisionID:  "d1",
		ExtensionID: "ext-a",
		Action:      models.ActionRevoke,
		ReviewLevel: models.ReviewCritical,
		Explanation: "sandbox violation observed",
		Status:      models.DecisionProposed,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Append(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, d); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate append = %v, want ErrAlreadyExists", err)
	}

	if err := s.SetStatus(ctx, "d1", models.DecisionProposed, models.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	// Stale transition must fail.
	if err := s.SetStatus(ctx, "d1", models.DecisionProposed, models.DecisionRejected); err == nil {
		t.Error("stale transition should fail")
	}

	pending, err := s.ListByStatus(ctx, models.DecisionApproved, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].DecisionID != "d1" {
		t.Errorf("ListByStatus = %+v", pending)
	}
}

func TestLeadFindingObserveIncrements(t *testing.T) {
	s := NewMemoryLeadFindingStore()
	ctx := context.Background()

	f := &models.LeadFinding{
		Fingerprint: "fp1",
		Code:        "SEND_FAILURES",
		Severity:    "warn",
		Title:       "outbound send failures",
	}
	for i := 0; i < 3; i++ {
		if err := s.Observe(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 {
		t.Errorf("count = %d, want 3", got.Count)
	}
	if got.FirstSeenAt.After(got.LastSeenAt) {
		t.Error("first_seen_at after last_seen_at")
	}
}

func TestSystemLogListRecent(t *testing.T) {
	s := NewMemorySystemLogStore()
	ctx := context.Background()

	old := &models.SystemLog{Message: "old", Level: "info", Timestamp: time.Now().Add(-2 * time.Hour).UTC()}
	recent := &models.SystemLog{Message: "recent", Level: "error", Timestamp: time.Now().UTC()}
	if err := s.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, recent); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListRecent(ctx, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "recent" {
		t.Errorf("ListRecent = %+v", got)
	}
}
