package installer

import (
	"errors"
	"testing"
)

func TestParsePlan(t *testing.T) {
	data := []byte(`
steps:
  - id: detect
    type: detect.platform
  - id: setup
    type: exec.shell
    command: echo ok
    when: platform.os == linux
    timeout_seconds: 30
uninstall:
  steps:
    - id: cleanup
      type: exec.shell
      command: rm -f marker.txt
`)
	plan, err := ParsePlan(data)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.Steps) != 2 || len(plan.Uninstall.Steps) != 1 {
		t.Fatalf("steps = %d, uninstall = %d", len(plan.Steps), len(plan.Uninstall.Steps))
	}
	if plan.Steps[0].TimeoutSeconds != defaultStepTimeoutSeconds {
		t.Fatalf("default timeout = %d", plan.Steps[0].TimeoutSeconds)
	}
	if plan.Steps[1].TimeoutSeconds != 30 {
		t.Fatalf("explicit timeout = %d", plan.Steps[1].TimeoutSeconds)
	}
}

func TestParsePlanRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"unknown step type", `
steps:
  - id: ok
    type: detect.platform
  - id: evil
    type: exec.python
    command: import os
`},
		{"missing id", `
steps:
  - type: detect.platform
`},
		{"duplicate id", `
steps:
  - id: a
    type: detect.platform
  - id: a
    type: verify.command_exists
    command: echo
`},
		{"invalid uninstall step", `
steps:
  - id: a
    type: detect.platform
uninstall:
  steps:
    - id: b
      type: exec.fork_bomb
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tc.data))
			if err == nil {
				t.Fatal("invalid plan accepted")
			}
			var se *StepError
			if !errors.As(err, &se) || se.Code != CodeInvalidPlan {
				t.Fatalf("error = %v, want INVALID_PLAN", err)
			}
		})
	}
}

func TestParseCondition(t *testing.T) {
	vars := map[string]string{"platform.os": "linux", "platform.arch": "x64"}

	cases := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"platform.os == linux", true, false},
		{"platform.os == darwin", false, false},
		{"platform.os != win32", true, false},
		{`platform.arch == "x64"`, true, false},
		{"platform.arch != x64", false, false},
		{"", true, false},
		{"platform.os is linux", false, true},
		{"hostname == linux", false, true},
		{"platform.os ==", false, true},
		{"platform.os == a == b", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			cond, err := parseCondition(tc.expr)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseCondition(%q) error = %v, wantErr %v", tc.expr, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got := cond.evaluate(vars); got != tc.want {
				t.Fatalf("evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestHintsCoverEveryCode(t *testing.T) {
	codes := []string{
		CodePlatformNotSupported, CodePermissionDenied, CodeCommandFailed,
		CodeDownloadFailed, CodeVerificationFailed, CodeTimeout,
		CodeInvalidPlan, CodeConditionError, CodeInstallInProgress, CodeUnknown,
	}
	for _, code := range codes {
		if Hint(code) == "" {
			t.Fatalf("code %s has no hint", code)
		}
	}
	if Hint("NOT_A_CODE") != hints[CodeUnknown] {
		t.Fatal("unknown code does not fall back to the UNKNOWN hint")
	}
}
