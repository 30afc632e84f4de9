package tools

import (
	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/config"
)

// NewRegistry builds a registry with the built-in tools enabled in cfg.
// Relative roots resolve against workspaceDir.
func NewRegistry(cfg config.ToolsConfig, workspaceDir string) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()
	if config.ToolEnabled(cfg.Shell.Enabled) {
		workDir := cfg.Shell.WorkDir
		if workDir == "" {
			workDir = workspaceDir
		}
		registry.Register(NewShellTool(workDir, cfg.Shell.Timeout))
	}
	if config.ToolEnabled(cfg.Files.Enabled) {
		root := cfg.Files.Root
		if root == "" {
			root = workspaceDir
		}
		registry.Register(NewReadFileTool(root))
		registry.Register(NewWriteFileTool(root))
	}
	if config.ToolEnabled(cfg.Fetch.Enabled) {
		registry.Register(NewFetchTool(FetchConfig{
			Timeout:  cfg.Fetch.Timeout,
			MaxBytes: cfg.Fetch.MaxBytes,
		}))
	}
	return registry
}
