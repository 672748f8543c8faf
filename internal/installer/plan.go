// Package installer executes declarative install plans for extensions.
// Plans are third-party data: the whitelisted step set, the predicate
// grammar, and the sandbox-style exec restrictions keep plan authors
// from gaining arbitrary code execution on the host.
package installer

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepType is the closed set of executable step types. Nothing outside
// this set runs, ever.
type StepType string

const (
	StepDetectPlatform      StepType = "detect.platform"
	StepDownloadHTTP        StepType = "download.http"
	StepExtractZip          StepType = "extract.zip"
	StepExecShell           StepType = "exec.shell"
	StepExecPowershell      StepType = "exec.powershell"
	StepVerifyCommandExists StepType = "verify.command_exists"
	StepVerifyHTTP          StepType = "verify.http"
	StepWriteConfig         StepType = "write.config"
)

var validStepTypes = map[StepType]bool{
	StepDetectPlatform:      true,
	StepDownloadHTTP:        true,
	StepExtractZip:          true,
	StepExecShell:           true,
	StepExecPowershell:      true,
	StepVerifyCommandExists: true,
	StepVerifyHTTP:          true,
	StepWriteConfig:         true,
}

// Step is one unit of an install plan.
type Step struct {
	ID                  string   `yaml:"id" json:"id"`
	Type                StepType `yaml:"type" json:"type"`
	When                string   `yaml:"when,omitempty" json:"when,omitempty"`
	RequiresPermissions []string `yaml:"requires_permissions,omitempty" json:"requires_permissions,omitempty"`
	TimeoutSeconds      int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// download.http
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// extract.zip
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// exec.shell / exec.powershell
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// write.config
	Key   string `yaml:"key,omitempty" json:"key,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Plan is a parsed install plan, install steps plus the optional
// uninstall block.
type Plan struct {
	Steps     []Step `yaml:"steps" json:"steps"`
	Uninstall struct {
		Steps []Step `yaml:"steps" json:"steps"`
	} `yaml:"uninstall,omitempty" json:"uninstall,omitempty"`
}

const defaultStepTimeoutSeconds = 300

// ParsePlan decodes and validates a plan document. Validation failures
// are INVALID_PLAN: nothing from an invalid plan ever executes.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &StepError{Code: CodeInvalidPlan, Err: fmt.Errorf("parse plan: %w", err)}
	}
	if err := validateSteps(p.Steps, "steps"); err != nil {
		return nil, err
	}
	if err := validateSteps(p.Uninstall.Steps, "uninstall.steps"); err != nil {
		return nil, err
	}
	applyDefaults(p.Steps)
	applyDefaults(p.Uninstall.Steps)
	return &p, nil
}

func validateSteps(steps []Step, section string) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return &StepError{Code: CodeInvalidPlan,
				Err: fmt.Errorf("%s[%d] has no id", section, i)}
		}
		if seen[s.ID] {
			return &StepError{Code: CodeInvalidPlan,
				Err: fmt.Errorf("%s: duplicate step id %q", section, s.ID)}
		}
		seen[s.ID] = true
		if !validStepTypes[s.Type] {
			return &StepError{Code: CodeInvalidPlan,
				Err: fmt.Errorf("%s: step %q has unknown type %q", section, s.ID, s.Type)}
		}
		if s.TimeoutSeconds < 0 {
			return &StepError{Code: CodeInvalidPlan,
				Err: fmt.Errorf("%s: step %q has negative timeout", section, s.ID)}
		}
	}
	return nil
}

func applyDefaults(steps []Step) {
	for i := range steps {
		if steps[i].TimeoutSeconds == 0 {
			steps[i].TimeoutSeconds = defaultStepTimeoutSeconds
		}
	}
}

// condition is a parsed `when` predicate: identifier op literal.
type condition struct {
	ident   string
	negated bool
	literal string
}

// conditionIdents are the only identifiers the grammar admits.
var conditionIdents = map[string]bool{
	"platform.os":   true,
	"platform.arch": true,
}

// parseCondition parses the predicate grammar
// `identifier ("==" | "!=") literal`. Anything else is a parse error.
func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, "=="):
		op = "=="
	default:
		return nil, fmt.Errorf("condition %q has no comparison operator", expr)
	}
	parts := strings.SplitN(expr, op, 2)
	ident := strings.TrimSpace(parts[0])
	literal := strings.TrimSpace(parts[1])

	if !conditionIdents[ident] {
		return nil, fmt.Errorf("condition identifier %q is not a platform variable", ident)
	}
	if literal == "" {
		return nil, fmt.Errorf("condition %q has an empty literal", expr)
	}
	if strings.ContainsAny(literal, "=!<>") {
		return nil, fmt.Errorf("condition literal %q contains operator characters", literal)
	}
	literal = strings.Trim(literal, `"'`)
	return &condition{ident: ident, negated: op == "!=", literal: literal}, nil
}

// evaluate resolves the predicate against the platform variables.
func (c *condition) evaluate(vars map[string]string) bool {
	if c == nil {
		return true
	}
	equal := vars[c.ident] == c.literal
	if c.negated {
		return !equal
	}
	return equal
}
