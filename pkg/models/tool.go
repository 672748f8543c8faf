package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskLevel classifies how dangerous a tool is to execute.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMed      RiskLevel = "MED"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMed:      1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether the level is at or above the given threshold.
// Unknown levels compare as CRITICAL so that malformed descriptors fail
// closed.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	ro, ok := riskOrder[r]
	if !ok {
		return true
	}
	mo, ok := riskOrder[min]
	if !ok {
		return true
	}
	return ro >= mo
}

// Max returns the higher of two risk levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.AtLeast(r) {
		return other
	}
	return r
}

// ToolSource identifies where a tool descriptor came from.
type ToolSource string

const (
	SourceExtension ToolSource = "extension"
	SourceMCP       ToolSource = "mcp"
)

// ToolDescriptor is the unified description of an invocable tool. The ID
// carries a mandatory prefix: ext:<extension_id>:<command> or
// mcp:<server_id>:<tool_name>.
type ToolDescriptor struct {
	ToolID         string          `json:"tool_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	SideEffectTags []string        `json:"side_effect_tags,omitempty"`
	SourceType     ToolSource      `json:"source_type"`
	SourceID       string          `json:"source_id"`
	Enabled        bool            `json:"enabled"`
}

// Validate checks descriptor identity and prefix rules.
func (d *ToolDescriptor) Validate() error {
	parts := strings.SplitN(d.ToolID, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("tool_id %q must be ext:<extension>:<command> or mcp:<server>:<tool>", d.ToolID)
	}
	switch parts[0] {
	case "ext":
		if d.SourceType != SourceExtension {
			return fmt.Errorf("tool_id %q prefix does not match source type %q", d.ToolID, d.SourceType)
		}
	case "mcp":
		if d.SourceType != SourceMCP {
			return fmt.Errorf("tool_id %q prefix does not match source type %q", d.ToolID, d.SourceType)
		}
	default:
		return fmt.Errorf("tool_id %q has unknown prefix %q", d.ToolID, parts[0])
	}
	return nil
}

// HasSideEffect reports whether the descriptor declares the given tag.
func (d *ToolDescriptor) HasSideEffect(tag string) bool {
	for _, t := range d.SideEffectTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ExecutionMode distinguishes planning from execution. Only EXECUTION may
// produce side effects.
type ExecutionMode string

const (
	ModePlanning  ExecutionMode = "PLANNING"
	ModeExecution ExecutionMode = "EXECUTION"
)

// ToolInvocation is a single request to run a tool.
type ToolInvocation struct {
	InvocationID  string          `json:"invocation_id"`
	ToolID        string          `json:"tool_id"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Actor         string          `json:"actor"`
	ProjectID     string          `json:"project_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Mode          ExecutionMode   `json:"mode"`
	SpecFrozen    bool            `json:"spec_frozen"`
	SpecHash      string          `json:"spec_hash,omitempty"`
	ApprovalToken string          `json:"approval_token,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ToolExecResult is the outcome of a tool invocation.
type ToolExecResult struct {
	InvocationID        string          `json:"invocation_id"`
	Success             bool            `json:"success"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	DeclaredSideEffects []string        `json:"declared_side_effects,omitempty"`
	Error               string          `json:"error,omitempty"`
	ErrorCode           string          `json:"error_code,omitempty"`
	DurationMS          int64           `json:"duration_ms"`
	ExitCode            int             `json:"exit_code"`
}
