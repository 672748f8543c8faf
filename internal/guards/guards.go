// Package guards protects the boundary between the agent and external
// resources. Three guards apply to every comm operation: the phase gate,
// the attribution guard, and the content fence.
package guards

import (
	"fmt"
	"strings"
)

// Guard error codes (closed set).
const (
	CodePhaseGateViolation   = "PHASE_GATE_VIOLATION"
	CodeAttributionViolation = "ATTRIBUTION_VIOLATION"
)

// GuardError is a structured guard rejection.
type GuardError struct {
	Code   string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Phase is the caller's declared execution phase.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
)

// PhaseGate rejects external-reach operations outside the execution
// phase. Unknown phases are rejected outright.
type PhaseGate struct{}

// NewPhaseGate creates the gate.
func NewPhaseGate() *PhaseGate { return &PhaseGate{} }

// Check validates one operation against the declared phase.
func (g *PhaseGate) Check(operation string, phase Phase) error {
	switch phase {
	case PhasePlanning, PhaseExecution:
	default:
		return &GuardError{Code: CodePhaseGateViolation,
			Reason: fmt.Sprintf("unknown execution phase %q", phase)}
	}
	if strings.HasPrefix(operation, "comm.") && phase != PhaseExecution {
		return &GuardError{Code: CodePhaseGateViolation,
			Reason: fmt.Sprintf("operation %s requires the execution phase, got %q", operation, phase)}
	}
	return nil
}
