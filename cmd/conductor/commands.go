package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the orchestrator
// daemon. This is the primary command for running Conductor in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Conductor orchestrator daemon",
		Long: `Start the orchestrator with all configured providers and schedules.

The daemon will:
1. Load configuration from the specified file (or conductor.yaml)
2. Spawn and handshake every enabled MCP provider subprocess
3. Build the unified tool catalog
4. Start scheduled workflows (cron and interval triggers)
5. Expose Prometheus metrics and a health endpoint
6. Watch the configuration file for changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conductor serve

  # Start with custom config
  conductor serve --config /etc/conductor/production.yaml

  # Start with debug logging
  conductor serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Provider and Tool Commands
// =============================================================================

func buildProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Spawn configured providers and show their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		provider   string
		detailed   bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the unified tool catalog",
		Long: `Spawn the configured providers, collect their tool advertisements, and
print the unified catalog with qualified names (provider__tool).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, resolveConfigPath(configPath), provider, detailed)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Limit the listing to one provider")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Include parameter tables and example arguments")
	return cmd
}

func buildCallCmd() *cobra.Command {
	var (
		configPath  string
		params      string
		sessionID   string
		mode        string
		intent      string
		readonly    bool
		autoApprove bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "call <provider> <tool>",
		Short: "Execute one tool call through the full pipeline",
		Long: `Execute a single tool call: validation (format, history, schema, sync),
policy inspection, and dispatch to the provider subprocess.

Calls that inspection marks requires_approval are withheld unless
--auto-approve is set.`,
		Example: `  conductor call filesystem read_file --params '{"path":"/tmp/notes.txt"}'
  conductor call github create_issue --params '{"title":"bug"}' --auto-approve`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, callOptions{
				configPath:  resolveConfigPath(configPath),
				provider:    args[0],
				tool:        args[1],
				params:      params,
				sessionID:   sessionID,
				mode:        mode,
				intent:      intent,
				readonly:    readonly,
				autoApprove: autoApprove,
				asJSON:      asJSON,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&params, "params", "{}", "Tool parameters as a JSON object")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id for history-aware validation")
	cmd.Flags().StringVar(&mode, "mode", "", "Inspection mode (chat|task|auto)")
	cmd.Flags().StringVar(&intent, "intent", "", "User intent passed to the call reviewer")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "Treat the session as read-only")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Execute calls that would otherwise need approval")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result batch as JSON")
	return cmd
}

func buildModelsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models advertised by the inference endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Workflow Commands
// =============================================================================

func buildWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect task workflows",
	}
	cmd.AddCommand(buildWorkflowRunCmd(), buildWorkflowSchedulesCmd())
	return cmd
}

func buildWorkflowRunCmd() *cobra.Command {
	var (
		configPath  string
		message     string
		mode        string
		sessionID   string
		autoApprove bool
		verbose     bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow turn to completion",
		Long: `Run a full session turn: mode selection, TODO construction, per-item
plan / execute / verify / replan, and the closing summary.`,
		Example: `  conductor workflow run --message "summarize the error logs"
  conductor workflow run --message "tidy /tmp" --mode task --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowRun(cmd, workflowRunOptions{
				configPath:  resolveConfigPath(configPath),
				message:     message,
				mode:        mode,
				sessionID:   sessionID,
				autoApprove: autoApprove,
				verbose:     verbose,
				asJSON:      asJSON,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message for this turn (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "Force a mode (chat|task|dev) instead of selecting one")
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Execute calls that would otherwise need approval")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Stream workflow events to stderr")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the outcome as JSON")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func buildWorkflowSchedulesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List configured workflow schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowSchedules(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// History and Config Commands
// =============================================================================

func buildHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool calls from the audit store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, resolveConfigPath(configPath), limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries to show")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}
