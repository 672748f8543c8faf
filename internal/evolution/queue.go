package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// defaultProposalTTL expires unreviewed proposals.
const defaultProposalTTL = 7 * 24 * time.Hour

// ReviewQueue moves decisions through PROPOSED, APPROVED, and EXECUTED
// (or REJECTED / EXPIRED). Status transitions are compare-and-set so two
// reviewers cannot race past each other.
type ReviewQueue struct {
	store  storage.DecisionStore
	audit  *audit.Logger
	logger *slog.Logger
	ttl    time.Duration
}

// NewReviewQueue creates a queue over the decision store. auditLog may
// be nil.
func NewReviewQueue(store storage.DecisionStore, auditLog *audit.Logger) *ReviewQueue {
	return &ReviewQueue{
		store:  store,
		audit:  auditLog,
		logger: observability.Component("evolution"),
		ttl:    defaultProposalTTL,
	}
}

// Propose appends a new PROPOSED decision from an engine proposal.
func (q *ReviewQueue) Propose(ctx context.Context, rec *models.TrustRecord, p Proposal) (*models.EvolutionDecision, error) {
	if p.Action == models.ActionNone {
		return nil, fmt.Errorf("NONE proposals are not queued")
	}
	d := &models.EvolutionDecision{
		DecisionID:         uuid.New().String(),
		ExtensionID:        rec.ExtensionID,
		Action:             p.Action,
		RiskScoreSnapshot:  rec.RiskScore,
		TrajectorySnapshot: rec.Trajectory,
		ReviewLevel:        p.ReviewLevel,
		Explanation:        p.Explanation,
		Status:             models.DecisionProposed,
		CreatedAt:          time.Now().UTC(),
	}
	if err := q.store.Append(ctx, d); err != nil {
		return nil, err
	}
	if q.audit != nil {
		q.audit.Log(ctx, &audit.Event{
			Type:   audit.EventDecisionProposed,
			Level:  audit.LevelInfo,
			Action: string(p.Action),
			Details: map[string]any{
				"decision_id":  d.DecisionID,
				"extension_id": d.ExtensionID,
				"review_level": string(d.ReviewLevel),
			},
		})
	}
	q.logger.Info("evolution decision proposed",
		"decision_id", d.DecisionID,
		"extension_id", d.ExtensionID,
		"action", d.Action,
		"review_level", d.ReviewLevel)
	return d, nil
}

// Approve moves a PROPOSED decision to APPROVED.
func (q *ReviewQueue) Approve(ctx context.Context, decisionID, reviewer string) error {
	return q.review(ctx, decisionID, reviewer, models.DecisionProposed, models.DecisionApproved)
}

// Reject moves a PROPOSED decision to REJECTED.
func (q *ReviewQueue) Reject(ctx context.Context, decisionID, reviewer string) error {
	return q.review(ctx, decisionID, reviewer, models.DecisionProposed, models.DecisionRejected)
}

// MarkExecuted records that an APPROVED decision's action was carried
// out.
func (q *ReviewQueue) MarkExecuted(ctx context.Context, decisionID string) error {
	return q.review(ctx, decisionID, "system", models.DecisionApproved, models.DecisionExecuted)
}

// Pending lists PROPOSED decisions.
func (q *ReviewQueue) Pending(ctx context.Context, limit int) ([]*models.EvolutionDecision, error) {
	return q.store.ListByStatus(ctx, models.DecisionProposed, limit)
}

// Approved lists APPROVED decisions awaiting execution.
func (q *ReviewQueue) Approved(ctx context.Context, limit int) ([]*models.EvolutionDecision, error) {
	return q.store.ListByStatus(ctx, models.DecisionApproved, limit)
}

// ExpireStale moves PROPOSED decisions older than the TTL to EXPIRED
// and returns how many were expired.
func (q *ReviewQueue) ExpireStale(ctx context.Context) (int, error) {
	pending, err := q.store.ListByStatus(ctx, models.DecisionProposed, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-q.ttl)
	expired := 0
	for _, d := range pending {
		if d.CreatedAt.After(cutoff) {
			continue
		}
		if err := q.store.SetStatus(ctx, d.DecisionID, models.DecisionProposed, models.DecisionExpired); err != nil {
			q.logger.Warn("expire decision failed", "decision_id", d.DecisionID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (q *ReviewQueue) review(ctx context.Context, decisionID, reviewer string, from, to models.DecisionStatus) error {
	if err := q.store.SetStatus(ctx, decisionID, from, to); err != nil {
		return fmt.Errorf("transition %s from %s to %s: %w", decisionID, from, to, err)
	}
	if q.audit != nil {
		q.audit.Log(ctx, &audit.Event{
			Type:    audit.EventDecisionReviewed,
			Level:   audit.LevelInfo,
			UserKey: reviewer,
			Action:  string(to),
			Details: map[string]any{"decision_id": decisionID},
		})
	}
	q.logger.Info("evolution decision reviewed",
		"decision_id", decisionID, "status", to, "reviewer", reviewer)
	return nil
}
