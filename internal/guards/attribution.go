package guards

import (
	"fmt"
	"regexp"
)

// attributionPattern matches the mandatory provenance string attached
// to every piece of external data: the operation in parentheses, then
// the session id.
var attributionPattern = regexp.MustCompile(`^CommunicationOS \(([^)]+)\) in session (.+)$`)

// FormatAttribution builds the canonical attribution string for one
// operation within a session.
func FormatAttribution(operation, sessionID string) string {
	return fmt.Sprintf("CommunicationOS (%s) in session %s", operation, sessionID)
}

// AttributionGuard verifies that external artifacts carry a correctly
// formed attribution bound to the current session.
type AttributionGuard struct{}

// NewAttributionGuard creates the guard.
func NewAttributionGuard() *AttributionGuard { return &AttributionGuard{} }

// Enforce checks one attribution string against the current session.
// The format must match exactly and the embedded session id must equal
// sessionID.
func (g *AttributionGuard) Enforce(attribution, sessionID string) error {
	if attribution == "" {
		return &GuardError{Code: CodeAttributionViolation,
			Reason: "external artifact carries no attribution"}
	}
	m := attributionPattern.FindStringSubmatch(attribution)
	if m == nil {
		return &GuardError{Code: CodeAttributionViolation,
			Reason: fmt.Sprintf("malformed attribution %q", attribution)}
	}
	if m[2] != sessionID {
		return &GuardError{Code: CodeAttributionViolation,
			Reason: fmt.Sprintf("attribution bound to session %q, current session is %q", m[2], sessionID)}
	}
	return nil
}

// Operation extracts the operation component of a well-formed
// attribution string, or "" when malformed.
func Operation(attribution string) string {
	m := attributionPattern.FindStringSubmatch(attribution)
	if m == nil {
		return ""
	}
	return m[1]
}
