// Package observability provides structured logging, trace correlation,
// and Prometheus metrics for the governance kernel.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process-wide structured logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is the
	// production default.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// defaultRedactPatterns covers secrets that must never reach log output:
// admin tokens, webhook signing secrets, and generic key/password pairs.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`),
	regexp.MustCompile(`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`(?i)(signing[_-]?secret)[\s:=]+["']?([^\s"']{8,})["']?`),
}

// NewLogger creates a structured slog logger and installs it as the
// process default. Attribute values matching the redaction patterns are
// masked before they are written.
func NewLogger(config LogConfig) *slog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	for _, re := range defaultRedactPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "$1=[REDACTED]")
		}
	}
	if s != a.Value.String() {
		return slog.String(a.Key, s)
	}
	return a
}

// Component returns a logger tagged with a component name. Packages use
// this instead of bare slog.Default so log lines are filterable.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
