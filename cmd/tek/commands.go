package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the gateway, the
// workflow engine and the scheduler.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tek runtime",
		Long: `Start the tek runtime on the loopback interface.

The server will:
1. Load configuration and open the SQLite database
2. Register every LLM provider that has credentials
3. Load workflow definitions, and watch them when enabled
4. Store configured heartbeat schedules and start the scheduler
5. Serve the WebSocket protocol, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  tek serve

  # Start with a custom config and debug logging
  tek serve --config ./tek.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildChatCmd creates the interactive terminal client.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		sessionKey string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running tek server",
		Long: `Open an interactive chat against a running "tek serve".

Tool approvals, route proposals and pre-flight checklists are answered
at the prompt. Type /quit to leave and /cancel to stop a response.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, chatOptions{
				configPath: configPath,
				addr:       addr,
				sessionKey: sessionKey,
				model:      model,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default from config)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "Session key (default \"main\")")
	cmd.Flags().StringVar(&model, "model", "", "Force a provider:model for every message")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

// buildWorkflowCmd creates the "workflow" command group.
func buildWorkflowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "List, run and resume workflows",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.AddCommand(
		buildWorkflowListCmd(&configPath),
		buildWorkflowRunCmd(&configPath),
		buildWorkflowResumeCmd(&configPath),
		buildWorkflowStatusCmd(&configPath),
	)
	return cmd
}

func buildWorkflowListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowList(cmd, *configPath)
		},
	}
}

func buildWorkflowRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow in this process",
		Long: `Run a workflow to completion in this process.

A step that requires approval pauses the execution; approve it with
"tek workflow resume <execution-id>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowRun(cmd, *configPath, args[0])
		},
	}
}

func buildWorkflowResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Approve the paused step of an execution and continue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowResume(cmd, *configPath, args[0])
		},
	}
}

func buildWorkflowStatusCmd(configPath *string) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show one execution or recent executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runWorkflowStatus(cmd, *configPath, id, status, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, paused, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum executions to list")
	return cmd
}

// buildScheduleCmd creates the "schedule" command group.
func buildScheduleCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and remove schedules",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored schedules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runScheduleList(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "remove <schedule-id>",
			Short: "Delete a stored schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runScheduleRemove(cmd, configPath, args[0])
			},
		},
	)
	return cmd
}
