// Package main provides the CLI entry point for the Conductor task
// orchestrator core.
//
// Conductor supervises MCP tool providers over stdio, keeps a unified tool
// catalog, validates and inspects tool calls before execution, and runs
// multi-step task workflows planned and verified by an LLM.
//
// # Basic Usage
//
// Start the daemon (providers, schedules, metrics):
//
//	conductor serve --config conductor.yaml
//
// Inspect the running surface:
//
//	conductor providers
//	conductor tools --provider filesystem
//	conductor models
//
// Execute one tool call through the full validation pipeline:
//
//	conductor call filesystem read_file --params '{"path":"/tmp/notes.txt"}'
//
// Run a workflow turn to completion:
//
//	conductor workflow run --message "collect disk usage and write a report"
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - OPENAI_API_KEY: API key for the OpenAI-compatible inference endpoint
//   - ANTHROPIC_API_KEY: API key for the Anthropic backend
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

const defaultConfigName = "conductor.yaml"

func main() {
	// Structured JSON logs so output is machine-parseable in production.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - task orchestrator for MCP tool providers",
		Long: `Conductor connects LLM-planned workflows to MCP tool providers.

It supervises provider subprocesses over stdio JSON-RPC, normalizes their
tools into a unified catalog, validates and inspects every tool call before
execution, and runs task workflows item by item with verification and replan.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProvidersCmd(),
		buildToolsCmd(),
		buildCallCmd(),
		buildModelsCmd(),
		buildWorkflowCmd(),
		buildHistoryCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the CONDUCTOR_CONFIG fallback when the flag is
// unset or left at the default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); env != "" {
			return env
		}
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}

// parseLevel maps the configured log level name onto slog, defaulting to
// info for anything unrecognized.
func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
