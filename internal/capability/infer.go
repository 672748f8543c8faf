package capability

import (
	"strings"

	"github.com/agentos-dev/agentos/pkg/models"
)

// mutatingTokens mark a tool as HIGH risk when they appear in its name
// or description.
var mutatingTokens = []string{
	"delete", "drop", "remove", "destroy",
	"execute", "exec", "run", "shell",
	"write", "create", "chmod", "unlink",
}

// readOnlyTokens mark a tool as LOW risk when no mutating signal is
// present.
var readOnlyTokens = []string{
	"get", "list", "read", "query", "search", "describe", "show",
}

// InferRisk classifies a tool that did not declare a risk level.
// Side-effect tags outrank name tokens: payments and cloud key access
// are CRITICAL no matter what the tool calls itself.
func InferRisk(name, description string, sideEffects []string) models.RiskLevel {
	for _, tag := range sideEffects {
		if tag == "payments" || strings.HasPrefix(tag, "cloud.key_") {
			return models.RiskCritical
		}
	}

	text := strings.ToLower(name + " " + description)
	if containsToken(text, mutatingTokens) {
		return models.RiskHigh
	}
	if containsToken(text, readOnlyTokens) && !hasMutatingSideEffect(sideEffects) {
		return models.RiskLow
	}
	return models.RiskMed
}

// InferSideEffects derives side-effect tags from an extension's declared
// permissions and the tool's name.
func InferSideEffects(permissions []string, name string) []string {
	var tags []string
	for _, p := range permissions {
		switch p {
		case "network":
			tags = append(tags, "network")
		case "exec":
			tags = append(tags, "process.spawn")
		case "filesystem.write":
			tags = append(tags, "filesystem.write")
		case "filesystem.read":
			tags = append(tags, "filesystem.read")
		}
	}
	if containsToken(strings.ToLower(name), mutatingTokens) && !contains(tags, "filesystem.write") {
		tags = append(tags, "state.mutation")
	}
	return tags
}

func hasMutatingSideEffect(tags []string) bool {
	for _, tag := range tags {
		switch {
		case tag == "filesystem.write", tag == "state.mutation", tag == "process.spawn":
			return true
		case tag == "payments", strings.HasPrefix(tag, "cloud.key_"):
			return true
		}
	}
	return false
}

// containsToken matches whole words so that "show" does not hide inside
// "showcase_deleter" style names missing the real signal.
func containsToken(text string, tokens []string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, w := range words {
		for _, tok := range tokens {
			if w == tok {
				return true
			}
		}
	}
	return false
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
