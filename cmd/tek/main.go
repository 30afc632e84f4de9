// Package main provides the tek CLI: a local, single-user AI agent runtime.
//
// tek serves a loopback WebSocket protocol that streams agent turns, runs
// workflows and fires scheduled heartbeats.
//
// # Basic Usage
//
// Start the runtime:
//
//	tek serve --config ~/.tek/config.yaml
//
// Chat from the terminal with a running server:
//
//	tek chat
//
// Inspect workflows and schedules:
//
//	tek workflow list
//	tek schedule list
//
// # Environment Variables
//
// Configuration values may reference the environment with ${VAR}:
//
//   - TEK_CONFIG: Path to configuration file (default: ~/.tek/config.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tek",
		Short: "tek - local AI agent runtime",
		Long: `tek runs an AI agent on your machine.

It routes each message to a model tier, assembles context from your
workspace, asks before running risky tools, runs YAML workflows and
fires heartbeat checks on a schedule. Clients talk to it over a
loopback WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildWorkflowCmd(),
		buildScheduleCmd(),
	)
	return rootCmd
}

// defaultConfigPath honours TEK_CONFIG, then ~/.tek/config.yaml.
func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("TEK_CONFIG")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "config.yaml"
	}
	return filepath.Join(home, ".tek", "config.yaml")
}
