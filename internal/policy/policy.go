// Package policy implements per-channel security policy: operation
// classification, command whitelisting, admin-token validation, and
// violation recording. Chat traffic is always permitted; everything else
// is deny-by-default under CHAT_ONLY mode.
package policy

import "fmt"

// Mode is the channel security mode.
type Mode string

const (
	// ModeChatOnly permits conversational traffic only.
	ModeChatOnly Mode = "CHAT_ONLY"
	// ModeChatExecRestricted additionally permits whitelisted EXECUTE
	// operations.
	ModeChatExecRestricted Mode = "CHAT_EXEC_RESTRICTED"
)

// OperationClass classifies what an inbound message asks the system to do.
// Classification is static; there is no intent detection beyond the
// registered command prefixes and explicit metadata.
type OperationClass string

const (
	OpChat         OperationClass = "CHAT"
	OpExecute      OperationClass = "EXECUTE"
	OpFileAccess   OperationClass = "FILE_ACCESS"
	OpSystemInfo   OperationClass = "SYSTEM_INFO"
	OpConfigChange OperationClass = "CONFIG_CHANGE"
)

// SecurityPolicy is the effective policy for one channel.
type SecurityPolicy struct {
	Mode              Mode     `json:"mode" yaml:"mode"`
	ChatOnly          bool     `json:"chat_only" yaml:"chat_only"`
	AllowExecute      bool     `json:"allow_execute" yaml:"allow_execute"`
	BlockOnViolation  bool     `json:"block_on_violation" yaml:"block_on_violation"`
	RequireAdminToken bool     `json:"require_admin_token" yaml:"require_admin_token"`
	AdminTokenHash    string   `json:"admin_token_hash,omitempty" yaml:"admin_token_hash,omitempty"` // hex of salted hash
	AllowedCommands   []string `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	RateLimitPerMin   int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RetentionDays     int      `json:"retention_days" yaml:"retention_days"`
	RequireSignature  bool     `json:"require_signature" yaml:"require_signature"`
}

// DefaultPolicy returns the deny-by-default policy applied to channels
// without explicit configuration.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		Mode:             ModeChatOnly,
		ChatOnly:         true,
		AllowExecute:     false,
		BlockOnViolation: true,
		RateLimitPerMin:  60,
		RetentionDays:    90,
	}
}

// Validate rejects internally inconsistent policies. A policy that
// requires an admin token without a stored hash cannot be enforced and
// must be rejected at config-save time.
func (p *SecurityPolicy) Validate() error {
	switch p.Mode {
	case ModeChatOnly, ModeChatExecRestricted:
	default:
		return fmt.Errorf("unknown policy mode: %q", p.Mode)
	}
	if p.RequireAdminToken && p.AdminTokenHash == "" {
		return fmt.Errorf("require_admin_token is set but admin_token_hash is empty")
	}
	if p.RateLimitPerMin < 0 {
		return fmt.Errorf("rate_limit_per_minute must be non-negative")
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be non-negative")
	}
	return nil
}
