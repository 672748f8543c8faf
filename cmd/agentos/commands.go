package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the gateway until
// SIGINT or SIGTERM.
func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AgentOS gateway",
		Long: `Start the gateway: webhook endpoints, the message bus, the
capability router, and the admin API. Run "agentos migrate" first when
using a SQL storage driver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildMigrateCmd creates the "migrate" command. The schema statements
// are idempotent, so migrate is safe to run at every deploy.
func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath(cmd))
		},
	}
}

// buildExtensionsCmd groups the extension lifecycle commands. These
// operate directly on the configured storage, not through a running
// gateway.
func buildExtensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "extensions",
		Aliases: []string{"ext"},
		Short:   "Manage installed extensions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsList(cmd.Context(), configPath(cmd))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <extension-id>",
		Short: "Show one extension's record and manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsShow(cmd.Context(), configPath(cmd), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install <package.zip>",
		Short: "Install an extension from a local package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsInstall(cmd.Context(), configPath(cmd), args[0])
		},
	})

	installURL := &cobra.Command{
		Use:   "install-url <https-url>",
		Short: "Download and install an extension package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sha, _ := cmd.Flags().GetString("sha256")
			return runExtensionsInstallURL(cmd.Context(), configPath(cmd), args[0], sha)
		},
	}
	installURL.Flags().String("sha256", "", "Expected SHA-256 of the package (hex)")
	cmd.AddCommand(installURL)

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <extension-id>",
		Short: "Enable an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsSetEnabled(cmd.Context(), configPath(cmd), args[0], true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <extension-id>",
		Short: "Disable an extension without uninstalling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsSetEnabled(cmd.Context(), configPath(cmd), args[0], false)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <extension-id>",
		Short: "Run uninstall steps and remove the extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsUninstall(cmd.Context(), configPath(cmd), args[0])
		},
	})

	return cmd
}

// buildToolsCmd groups tool commands. They talk to a running gateway
// over its admin API.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke governed tools on a running gateway",
	}
	cmd.PersistentFlags().String("addr", "", "Gateway base URL (default derived from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools known to the capability registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return runToolsList(cmd.Context(), configPath(cmd), addr)
		},
	})

	invoke := &cobra.Command{
		Use:   "invoke <tool-id>",
		Short: "Invoke a tool through the governance router",
		Long: `Invoke a tool through the full gate chain. Exits 451 when the
invocation was refused because the container sandbox is unavailable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			inputs, _ := cmd.Flags().GetString("inputs")
			session, _ := cmd.Flags().GetString("session")
			mode, _ := cmd.Flags().GetString("mode")
			token, _ := cmd.Flags().GetString("approval-token")
			frozen, _ := cmd.Flags().GetBool("spec-frozen")
			return runToolsInvoke(cmd.Context(), configPath(cmd), addr, toolInvokeArgs{
				ToolID:        args[0],
				Inputs:        inputs,
				SessionID:     session,
				Mode:          mode,
				ApprovalToken: token,
				SpecFrozen:    frozen,
			})
		},
	}
	invoke.Flags().String("inputs", "", "Tool inputs as a JSON object")
	invoke.Flags().String("session", "", "Session ID for response capture")
	invoke.Flags().String("mode", "EXECUTION", "Execution mode: PLANNING or EXECUTION")
	invoke.Flags().String("approval-token", "", "Approval token for CRITICAL tools")
	invoke.Flags().Bool("spec-frozen", false, "Assert the task spec is frozen")
	cmd.AddCommand(invoke)

	return cmd
}
