package installer

import (
	"errors"
	"fmt"
)

// Install error codes (closed set).
const (
	CodePlatformNotSupported = "PLATFORM_NOT_SUPPORTED"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeCommandFailed        = "COMMAND_FAILED"
	CodeDownloadFailed       = "DOWNLOAD_FAILED"
	CodeVerificationFailed   = "VERIFICATION_FAILED"
	CodeTimeout              = "TIMEOUT"
	CodeInvalidPlan          = "INVALID_PLAN"
	CodeConditionError       = "CONDITION_ERROR"
	CodeInstallInProgress    = "INSTALL_IN_PROGRESS"
	CodeUnknown              = "UNKNOWN"
)

// hints maps every error code to the next user action.
var hints = map[string]string{
	CodePlatformNotSupported: "This extension does not support your platform. Check the manifest's platforms list.",
	CodePermissionDenied:     "The plan requires permissions the extension did not declare. Review permissions_required in the manifest.",
	CodeCommandFailed:        "A setup command failed. Inspect the step output and retry after fixing the underlying tool.",
	CodeDownloadFailed:       "A download failed. Check your network connection and that the URL is reachable, then retry.",
	CodeVerificationFailed:   "Verification failed. The downloaded artifact or installed command did not match expectations.",
	CodeTimeout:              "A step exceeded its timeout. Retry, or raise the step's timeout_seconds if the operation is legitimately slow.",
	CodeInvalidPlan:          "The install plan is malformed. Report this to the extension author.",
	CodeConditionError:       "A step's when condition does not parse. Report this to the extension author.",
	CodeInstallInProgress:    "Another install for this extension is still running. Wait for it to finish.",
	CodeUnknown:              "An unexpected error occurred. Check the system logs for details.",
}

// Hint returns the remediation hint for an error code.
func Hint(code string) string {
	if h, ok := hints[code]; ok {
		return h
	}
	return hints[CodeUnknown]
}

// StepError is a structured step failure.
type StepError struct {
	Code string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// stepErrorf builds a StepError from a format string.
func stepErrorf(code, format string, args ...any) *StepError {
	return &StepError{Code: code, Err: fmt.Errorf(format, args...)}
}

// errorCode extracts the closed-set code from an error, defaulting to
// UNKNOWN.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}
