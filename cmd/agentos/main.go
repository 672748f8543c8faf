// Package main is the agentos CLI: it serves the governance gateway and
// manages extensions, migrations, and governed tool invocations.
//
// Start the gateway:
//
//	agentos serve --config agentos.yaml
//
// Apply the database schema:
//
//	agentos migrate
//
// Manage extensions:
//
//	agentos extensions install ./weather.zip
//	agentos extensions list
//
// Exit codes: 0 on success, 1 on runtime failure, 2 on usage errors,
// and 451 when an invocation was refused because the sandbox is
// unavailable.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const (
	exitFailure            = 1
	exitUsage              = 2
	exitSandboxUnavailable = 451
)

// exitError carries a specific process exit code through RunE.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	root := &cobra.Command{
		Use:           "agentos",
		Short:         "AgentOS governance and routing kernel",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitUsage, msg: err.Error()}
	})
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildExtensionsCmd(),
		buildToolsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("AGENTOS_CONFIG")
	}
	return path
}
