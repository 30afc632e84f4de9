package config

import (
	"fmt"
	"strings"
	"time"
)

// ProvidersConfig holds credentials and endpoints per model provider.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig configures a single provider.
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RoutingConfig maps complexity tiers to provider:model references.
type RoutingConfig struct {
	// Mode is "auto" (route silently) or "confirm" (propose and wait).
	Mode  string            `yaml:"mode"`
	Tiers map[string]string `yaml:"tiers"`
	// HighKeywords and BudgetKeywords replace the default keyword patterns.
	HighKeywords   []string `yaml:"high_keywords"`
	BudgetKeywords []string `yaml:"budget_keywords"`
	// DefaultModel is used for one-shot completions (workflow model steps, heartbeats).
	DefaultModel string `yaml:"default_model"`
}

var routingTiers = []string{"high", "standard", "budget"}

func applyLLMDefaults(cfg *Config) {
	if cfg.Providers.Ollama.BaseURL == "" {
		cfg.Providers.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Routing.Mode == "" {
		cfg.Routing.Mode = "auto"
	}
	if cfg.Routing.Tiers == nil {
		cfg.Routing.Tiers = map[string]string{}
	}
	defaults := map[string]string{
		"high":     "anthropic:claude-opus-4-20250514",
		"standard": "anthropic:claude-sonnet-4-20250514",
		"budget":   "anthropic:claude-3-5-haiku-latest",
	}
	for tier, ref := range defaults {
		if strings.TrimSpace(cfg.Routing.Tiers[tier]) == "" {
			cfg.Routing.Tiers[tier] = ref
		}
	}
	if cfg.Routing.DefaultModel == "" {
		cfg.Routing.DefaultModel = cfg.Routing.Tiers["standard"]
	}
}

func validateLLM(cfg *Config) []string {
	var issues []string
	switch cfg.Routing.Mode {
	case "auto", "confirm":
	default:
		issues = append(issues, fmt.Sprintf("routing.mode %q must be auto or confirm", cfg.Routing.Mode))
	}
	for tier, ref := range cfg.Routing.Tiers {
		if !containsString(routingTiers, tier) {
			issues = append(issues, fmt.Sprintf("routing.tiers: unknown tier %q", tier))
			continue
		}
		if !strings.Contains(ref, ":") {
			issues = append(issues, fmt.Sprintf("routing.tiers.%s %q must be provider:model", tier, ref))
		}
	}
	if !strings.Contains(cfg.Routing.DefaultModel, ":") {
		issues = append(issues, fmt.Sprintf("routing.default_model %q must be provider:model", cfg.Routing.DefaultModel))
	}
	return issues
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
