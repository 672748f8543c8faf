// Package evolution turns an extension's accumulated evidence into
// governance proposals. The engine only proposes; every action waits in
// the human review queue. Silent revocations are forbidden.
package evolution

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Promotion thresholds.
const (
	promoteMaxRisk      = 30
	promoteMinSuccesses = 50
	promoteMinStableDay = 30
	revokeRiskFloor     = 70
	revokeDenials24h    = 3
	freezeMaxViolations = 5
)

// Proposal is the engine's verdict for one extension.
type Proposal struct {
	Action      models.EvolutionAction
	ReviewLevel models.ReviewLevel
	Explanation string
}

// Engine evaluates trust records.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an evaluation engine.
func NewEngine() *Engine {
	return &Engine{logger: observability.Component("evolution")}
}

// Evaluate applies the decision rules to one record. On conflict the
// priority is REVOKE over FREEZE over PROMOTE over NONE.
func (e *Engine) Evaluate(rec *models.TrustRecord) Proposal {
	if reasons := revokeReasons(rec); len(reasons) > 0 {
		return Proposal{
			Action:      models.ActionRevoke,
			ReviewLevel: models.ReviewCritical,
			Explanation: explain(rec, "revoke", reasons),
		}
	}
	if rec.Trajectory == models.TrajectoryDegrading && rec.ViolationCount <= freezeMaxViolations {
		return Proposal{
			Action:      models.ActionFreeze,
			ReviewLevel: models.ReviewHighPriority,
			Explanation: explain(rec, "freeze", []string{
				fmt.Sprintf("trajectory is DEGRADING with %d violations (at most %d)",
					rec.ViolationCount, freezeMaxViolations),
			}),
		}
	}
	if reasons, ok := promoteReasons(rec); ok {
		return Proposal{
			Action:      models.ActionPromote,
			ReviewLevel: models.ReviewStandard,
			Explanation: explain(rec, "promote", reasons),
		}
	}
	return Proposal{
		Action:      models.ActionNone,
		ReviewLevel: models.ReviewStandard,
		Explanation: explain(rec, "hold", []string{"no rule fired"}),
	}
}

func revokeReasons(rec *models.TrustRecord) []string {
	var reasons []string
	if rec.RiskScore >= revokeRiskFloor {
		reasons = append(reasons, fmt.Sprintf("risk score %d is at or above %d", rec.RiskScore, revokeRiskFloor))
	}
	if rec.SandboxViolation {
		reasons = append(reasons, "a sandbox violation was observed")
	}
	if rec.PolicyDenials24h >= revokeDenials24h {
		reasons = append(reasons, fmt.Sprintf("%d policy denials in the last 24h (threshold %d)",
			rec.PolicyDenials24h, revokeDenials24h))
	}
	if rec.HumanFlag {
		reasons = append(reasons, "a human reviewer flagged the extension")
	}
	if rec.Trajectory == models.TrajectoryCritical {
		reasons = append(reasons, "trajectory is CRITICAL")
	}
	return reasons
}

// promoteReasons checks every promotion condition. Extensions at risk
// score 70 or above are never auto-promoted regardless of the rest.
func promoteReasons(rec *models.TrustRecord) ([]string, bool) {
	if rec.RiskScore >= revokeRiskFloor {
		return nil, false
	}
	conditions := []struct {
		ok     bool
		reason string
	}{
		{rec.RiskScore < promoteMaxRisk, fmt.Sprintf("risk score %d is below %d", rec.RiskScore, promoteMaxRisk)},
		{rec.Trajectory == models.TrajectoryStable, "trajectory is STABLE"},
		{rec.SuccessCount >= promoteMinSuccesses, fmt.Sprintf("%d successful executions (at least %d)", rec.SuccessCount, promoteMinSuccesses)},
		{rec.StableDays >= promoteMinStableDay, fmt.Sprintf("%d stable days (at least %d)", rec.StableDays, promoteMinStableDay)},
		{rec.ViolationCount == 0, "zero violations"},
		{rec.SandboxCleanRecord, "clean sandbox record"},
	}
	reasons := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if !c.ok {
			return nil, false
		}
		reasons = append(reasons, c.reason)
	}
	return reasons, true
}

// explain renders the causal chain behind a proposal.
func explain(rec *models.TrustRecord, verb string, reasons []string) string {
	return fmt.Sprintf("%s %s because %s (risk=%d, trajectory=%s, successes=%d, violations=%d)",
		verb, rec.ExtensionID, strings.Join(reasons, "; "),
		rec.RiskScore, rec.Trajectory, rec.SuccessCount, rec.ViolationCount)
}

// ScoreRisk derives a 0..100 risk score from the evidence counters. The
// score feeds back into the next TrustRecord snapshot.
func ScoreRisk(rec *models.TrustRecord) int {
	score := 0
	total := rec.SuccessCount + rec.FailureCount
	if total > 0 {
		score += rec.FailureCount * 40 / total
	}
	score += rec.ViolationCount * 10
	score += rec.PolicyDenials24h * 5
	if rec.SandboxViolation {
		score += 40
	}
	if rec.HumanFlag {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}
