package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the main configuration structure for tek.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Routing       RoutingConfig       `yaml:"routing"`
	Agent         AgentConfig         `yaml:"agent"`
	Context       ContextConfig       `yaml:"context"`
	Tools         ToolsConfig         `yaml:"tools"`
	Workflows     WorkflowsConfig     `yaml:"workflows"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the loopback WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ApprovalTimeout bounds how long a turn waits for a tool approval.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig holds the directory for identity, memory and flush logs.
type WorkspaceConfig struct {
	Dir          string `yaml:"dir"`
	IdentityFile string `yaml:"identity_file"`
	MemoryFile   string `yaml:"memory_file"`
	// ActivityDays controls how many daily logs feed the recent-activity digest.
	ActivityDays int `yaml:"activity_days"`
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7600
	}
	if cfg.Server.ApprovalTimeout == 0 {
		cfg.Server.ApprovalTimeout = 60 * time.Second
	}
	if cfg.Workspace.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.Workspace.Dir = filepath.Join(home, ".tek")
	}
	if cfg.Workspace.IdentityFile == "" {
		cfg.Workspace.IdentityFile = "SOUL.md"
	}
	if cfg.Workspace.MemoryFile == "" {
		cfg.Workspace.MemoryFile = "MEMORY.md"
	}
	if cfg.Workspace.ActivityDays == 0 {
		cfg.Workspace.ActivityDays = 2
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Workspace.Dir, "tek.db")
	}
	if cfg.Workflows.Dir == "" {
		cfg.Workflows.Dir = filepath.Join(cfg.Workspace.Dir, "workflows")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	applyLLMDefaults(cfg)
	applyAgentDefaults(cfg)
	applySchedulingDefaults(cfg)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	if !isLoopbackHost(c.Server.Host) {
		issues = append(issues, fmt.Sprintf("server.host %q must be a loopback address", c.Server.Host))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	issues = append(issues, validateLLM(c)...)
	issues = append(issues, validateAgent(c)...)
	issues = append(issues, validateScheduling(c)...)

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WorkspacePath resolves name relative to the workspace directory.
func (c *Config) WorkspacePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Workspace.Dir, name)
}
