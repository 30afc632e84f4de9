package config

import (
	"fmt"
	"time"
)

// AgentConfig tunes the tool loop and approval policy.
type AgentConfig struct {
	MaxSteps  int `yaml:"max_steps"`
	MaxTokens int `yaml:"max_tokens"`
	// Approval is the default approval tier: auto, session or always.
	Approval      string            `yaml:"approval"`
	ToolApprovals map[string]string `yaml:"tool_approvals"`
	Preflight     bool              `yaml:"preflight"`
}

// ContextConfig controls prompt assembly and memory pressure.
type ContextConfig struct {
	SystemPrompt   string  `yaml:"system_prompt"`
	ContextWindow  int     `yaml:"context_window"`
	FlushThreshold float64 `yaml:"flush_threshold"`
	// Pricing overrides the built-in per-model prices (USD per million tokens).
	Pricing map[string]PriceConfig `yaml:"pricing"`
}

// PriceConfig is the per-million-token price of a model.
type PriceConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	Shell ShellToolConfig `yaml:"shell"`
	Fetch FetchToolConfig `yaml:"fetch"`
	Files FilesToolConfig `yaml:"files"`
}

// ShellToolConfig configures the shell tool.
type ShellToolConfig struct {
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	WorkDir string        `yaml:"work_dir"`
}

// FetchToolConfig configures the fetch tool.
type FetchToolConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// FilesToolConfig configures read_file and write_file.
type FilesToolConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Root    string `yaml:"root"`
}

// ToolEnabled reports whether a tool toggle is on. Unset means enabled.
func ToolEnabled(enabled *bool) bool {
	return enabled == nil || *enabled
}

var approvalTiers = []string{"auto", "session", "always"}

func applyAgentDefaults(cfg *Config) {
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.Approval == "" {
		cfg.Agent.Approval = "session"
	}
	if cfg.Context.SystemPrompt == "" {
		cfg.Context.SystemPrompt = "You are tek, a local assistant. Use tools when they help and explain what you did."
	}
	if cfg.Context.ContextWindow == 0 {
		cfg.Context.ContextWindow = 200000
	}
	if cfg.Context.FlushThreshold == 0 {
		cfg.Context.FlushThreshold = 0.8
	}
	if cfg.Tools.Shell.Timeout == 0 {
		cfg.Tools.Shell.Timeout = 30 * time.Second
	}
	if cfg.Tools.Fetch.Timeout == 0 {
		cfg.Tools.Fetch.Timeout = 20 * time.Second
	}
	if cfg.Tools.Fetch.MaxBytes == 0 {
		cfg.Tools.Fetch.MaxBytes = 512 << 10
	}
	if cfg.Tools.Files.Root == "" {
		cfg.Tools.Files.Root = cfg.Workspace.Dir
	}
}

func validateAgent(cfg *Config) []string {
	var issues []string
	if cfg.Agent.MaxSteps < 1 {
		issues = append(issues, "agent.max_steps must be at least 1")
	}
	if !containsString(approvalTiers, cfg.Agent.Approval) {
		issues = append(issues, fmt.Sprintf("agent.approval %q must be auto, session or always", cfg.Agent.Approval))
	}
	for tool, tier := range cfg.Agent.ToolApprovals {
		if !containsString(approvalTiers, tier) {
			issues = append(issues, fmt.Sprintf("agent.tool_approvals.%s %q must be auto, session or always", tool, tier))
		}
	}
	if cfg.Context.FlushThreshold <= 0 || cfg.Context.FlushThreshold > 1 {
		issues = append(issues, fmt.Sprintf("context.flush_threshold %.2f must be in (0,1]", cfg.Context.FlushThreshold))
	}
	if cfg.Context.ContextWindow < 1024 {
		issues = append(issues, "context.context_window must be at least 1024")
	}
	return issues
}
