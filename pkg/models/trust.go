package models

import "time"

// Trajectory summarizes the recent direction of an extension's risk.
type Trajectory string

const (
	TrajectoryStable    Trajectory = "STABLE"
	TrajectoryImproving Trajectory = "IMPROVING"
	TrajectoryDegrading Trajectory = "DEGRADING"
	TrajectoryCritical  Trajectory = "CRITICAL"
)

// TrustTier is the governance tier an extension currently holds.
type TrustTier string

const (
	TierUntrusted TrustTier = "UNTRUSTED"
	TierStandard  TrustTier = "STANDARD"
	TierHigh      TrustTier = "HIGH"
)

// TrustRecord is the per-extension evidence snapshot used by the
// evolution engine.
type TrustRecord struct {
	ExtensionID        string     `json:"extension_id"`
	Tier               TrustTier  `json:"tier"`
	RiskScore          int        `json:"risk_score"` // 0..100
	Trajectory         Trajectory `json:"trajectory"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	ViolationCount     int        `json:"violation_count"`
	PolicyDenials24h   int        `json:"policy_denials_24h"`
	SandboxViolation   bool       `json:"sandbox_violation"`
	SandboxCleanRecord bool       `json:"sandbox_clean_record"`
	HumanFlag          bool       `json:"human_flag"`
	StableDays         int        `json:"stable_days"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EvolutionAction is the action the engine proposes for an extension.
type EvolutionAction string

const (
	ActionPromote EvolutionAction = "PROMOTE"
	ActionFreeze  EvolutionAction = "FREEZE"
	ActionRevoke  EvolutionAction = "REVOKE"
	ActionNone    EvolutionAction = "NONE"
)

// ReviewLevel sets the urgency of human review for a decision.
type ReviewLevel string

const (
	ReviewStandard     ReviewLevel = "STANDARD"
	ReviewHighPriority ReviewLevel = "HIGH_PRIORITY"
	ReviewCritical     ReviewLevel = "CRITICAL"
)

// DecisionStatus tracks a decision through the human review queue.
type DecisionStatus string

const (
	DecisionProposed DecisionStatus = "PROPOSED"
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
	DecisionExpired  DecisionStatus = "EXPIRED"
	DecisionExecuted DecisionStatus = "EXECUTED"
)

// EvolutionDecision is an append-only proposal produced by the evolution
// engine. The engine never executes the action itself; the review queue
// advances status by inserting superseding rows.
type EvolutionDecision struct {
	DecisionID         string          `json:"decision_id"`
	ExtensionID        string          `json:"extension_id"`
	Action             EvolutionAction `json:"action"`
	RiskScoreSnapshot  int             `json:"risk_score_snapshot"`
	TrajectorySnapshot Trajectory      `json:"trajectory_snapshot"`
	ReviewLevel        ReviewLevel     `json:"review_level"`
	Explanation        string          `json:"explanation"`
	Status             DecisionStatus  `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	ReviewedAt         time.Time       `json:"reviewed_at,omitempty"`
	ReviewedBy         string          `json:"reviewed_by,omitempty"`
}
