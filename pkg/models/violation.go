package models

import "time"

// ViolationType identifies why a security policy rejected an action.
type ViolationType string

const (
	ViolationOperationDenied       ViolationType = "OPERATION_DENIED"
	ViolationCommandNotWhitelisted ViolationType = "COMMAND_NOT_WHITELISTED"
	ViolationRateLimitExceeded     ViolationType = "RATE_LIMIT_EXCEEDED"
	ViolationInvalidToken          ViolationType = "INVALID_TOKEN"
	ViolationRemoteExposure        ViolationType = "REMOTE_EXPOSURE_WARNING"
)

// ViolationAction records whether the violating action was blocked or
// allowed through with a warning.
type ViolationAction string

const (
	ViolationBlocked ViolationAction = "BLOCKED"
	ViolationWarned  ViolationAction = "WARNED"
)

// SecurityViolation is an append-only record of a policy rejection.
type SecurityViolation struct {
	ChannelID          string          `json:"channel_id"`
	ViolationType      ViolationType   `json:"violation_type"`
	MessageID          string          `json:"message_id,omitempty"`
	UserKey            string          `json:"user_key,omitempty"`
	PolicyMode         string          `json:"policy_mode"`
	AttemptedOperation string          `json:"attempted_operation,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Action             ViolationAction `json:"action"`
}
