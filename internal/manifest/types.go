// Package manifest loads and validates declarative channel-type
// manifests. A manifest is the single source of truth for a channel
// type's config fields, webhook paths, capabilities, and security
// defaults.
package manifest

import (
	"fmt"
	"regexp"

	"github.com/agentos-dev/agentos/internal/policy"
)

// FieldType is the closed set of config field types.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldSecret  FieldType = "secret"
	FieldURL     FieldType = "url"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
)

// SessionScope determines how conversation keys are derived.
type SessionScope string

const (
	ScopeUser             SessionScope = "user"
	ScopeUserConversation SessionScope = "user_conversation"
)

// ConfigField describes one config field a channel type requires.
type ConfigField struct {
	Name            string    `json:"name"`
	Label           string    `json:"label,omitempty"`
	Type            FieldType `json:"type"`
	Required        bool      `json:"required"`
	Secret          bool      `json:"secret"`
	Options         []string  `json:"options,omitempty"` // enum only
	ValidationRegex string    `json:"validation_regex,omitempty"`
	ValidationError string    `json:"validation_error,omitempty"`

	compiledRegex *regexp.Regexp
}

// SecurityDefaults is the manifest's default security posture for
// channels of this type.
type SecurityDefaults struct {
	Mode               string   `json:"mode"`
	AllowExecute       bool     `json:"allow_execute"`
	AllowedCommands    []string `json:"allowed_commands,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	RetentionDays      int      `json:"retention_days"`
	RequireSignature   bool     `json:"require_signature"`
}

// SetupStep is one ordered onboarding instruction.
type SetupStep struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ChannelManifest is the declarative description of one channel type.
// Manifests are content-addressable: the same (id, version) always
// denotes the same content.
type ChannelManifest struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Version              string           `json:"version"`
	Provider             string           `json:"provider,omitempty"`
	Description          string           `json:"description,omitempty"`
	Icon                 string           `json:"icon,omitempty"`
	RequiredConfigFields []ConfigField    `json:"required_config_fields,omitempty"`
	WebhookPaths         []string         `json:"webhook_paths,omitempty"`
	SessionScope         SessionScope     `json:"session_scope"`
	Capabilities         []string         `json:"capabilities,omitempty"`
	SecurityDefaults     SecurityDefaults `json:"security_defaults"`
	SetupSteps           []SetupStep      `json:"setup_steps,omitempty"`
}

var manifestIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Validate checks structural invariants and precompiles field regexes.
func (m *ChannelManifest) Validate() error {
	if m.ID == "" || !manifestIDPattern.MatchString(m.ID) {
		return fmt.Errorf("manifest id %q must match [a-z0-9_-]+", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %s: name is required", m.ID)
	}
	switch m.SessionScope {
	case ScopeUser, ScopeUserConversation:
	default:
		return fmt.Errorf("manifest %s: unknown session_scope %q", m.ID, m.SessionScope)
	}
	seen := make(map[string]bool, len(m.RequiredConfigFields))
	for i := range m.RequiredConfigFields {
		f := &m.RequiredConfigFields[i]
		if f.Name == "" {
			return fmt.Errorf("manifest %s: config field %d has no name", m.ID, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("manifest %s: duplicate config field %q", m.ID, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldString, FieldSecret, FieldURL, FieldInteger, FieldBoolean, FieldEnum:
		default:
			return fmt.Errorf("manifest %s: field %s has unknown type %q", m.ID, f.Name, f.Type)
		}
		if f.Type == FieldEnum && len(f.Options) == 0 {
			return fmt.Errorf("manifest %s: enum field %s has no options", m.ID, f.Name)
		}
		if f.ValidationRegex != "" {
			re, err := regexp.Compile(f.ValidationRegex)
			if err != nil {
				return fmt.Errorf("manifest %s: field %s regex: %w", m.ID, f.Name, err)
			}
			f.compiledRegex = re
		}
	}
	switch m.SecurityDefaults.Mode {
	case "", string(policy.ModeChatOnly), string(policy.ModeChatExecRestricted):
	default:
		return fmt.Errorf("manifest %s: unknown security mode %q", m.ID, m.SecurityDefaults.Mode)
	}
	return nil
}

// SecretFields returns the names of fields that must be encrypted at
// rest.
func (m *ChannelManifest) SecretFields() []string {
	var out []string
	for _, f := range m.RequiredConfigFields {
		if f.Secret || f.Type == FieldSecret {
			out = append(out, f.Name)
		}
	}
	return out
}

// PolicyOverrides carries optional per-channel adjustments applied on
// top of a manifest's security defaults.
type PolicyOverrides struct {
	Mode              *string  `json:"mode,omitempty"`
	AllowExecute      *bool    `json:"allow_execute,omitempty"`
	BlockOnViolation  *bool    `json:"block_on_violation,omitempty"`
	RequireAdminToken *bool    `json:"require_admin_token,omitempty"`
	AdminTokenHash    *string  `json:"admin_token_hash,omitempty"`
	AllowedCommands   []string `json:"allowed_commands,omitempty"`
	RateLimitPerMin   *int     `json:"rate_limit_per_minute,omitempty"`
	RetentionDays     *int     `json:"retention_days,omitempty"`
	RequireSignature  *bool    `json:"require_signature,omitempty"`
}

// DerivePolicy computes the effective SecurityPolicy from a manifest's
// defaults plus optional overrides. Pure function; neither input is
// mutated.
func DerivePolicy(m *ChannelManifest, overrides *PolicyOverrides) policy.SecurityPolicy {
	pol := policy.DefaultPolicy()

	d := m.SecurityDefaults
	if d.Mode != "" {
		pol.Mode = policy.Mode(d.Mode)
	}
	pol.AllowExecute = d.AllowExecute
	pol.ChatOnly = pol.Mode == policy.ModeChatOnly
	if len(d.AllowedCommands) > 0 {
		pol.AllowedCommands = append([]string(nil), d.AllowedCommands...)
	}
	if d.RateLimitPerMinute > 0 {
		pol.RateLimitPerMin = d.RateLimitPerMinute
	}
	if d.RetentionDays > 0 {
		pol.RetentionDays = d.RetentionDays
	}
	pol.RequireSignature = d.RequireSignature

	if overrides != nil {
		if overrides.Mode != nil {
			pol.Mode = policy.Mode(*overrides.Mode)
			pol.ChatOnly = pol.Mode == policy.ModeChatOnly
		}
		if overrides.AllowExecute != nil {
			pol.AllowExecute = *overrides.AllowExecute
		}
		if overrides.BlockOnViolation != nil {
			pol.BlockOnViolation = *overrides.BlockOnViolation
		}
		if overrides.RequireAdminToken != nil {
			pol.RequireAdminToken = *overrides.RequireAdminToken
		}
		if overrides.AdminTokenHash != nil {
			pol.AdminTokenHash = *overrides.AdminTokenHash
		}
		if overrides.AllowedCommands != nil {
			pol.AllowedCommands = append([]string(nil), overrides.AllowedCommands...)
		}
		if overrides.RateLimitPerMin != nil {
			pol.RateLimitPerMin = *overrides.RateLimitPerMin
		}
		if overrides.RetentionDays != nil {
			pol.RetentionDays = *overrides.RetentionDays
		}
		if overrides.RequireSignature != nil {
			pol.RequireSignature = *overrides.RequireSignature
		}
	}

	return pol
}
