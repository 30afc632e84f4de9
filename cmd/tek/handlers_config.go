package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HiTek-Dev/tek/internal/config"
)

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  listen:        %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  database:      %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  workspace:     %s\n", cfg.Workspace.Dir)
	fmt.Fprintf(out, "  routing:       %s (default %s)\n", cfg.Routing.Mode, cfg.Routing.DefaultModel)
	fmt.Fprintf(out, "  heartbeats:    %d\n", len(cfg.Heartbeat.Schedules))
	return nil
}
