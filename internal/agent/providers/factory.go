package providers

import (
	"log/slog"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/config"
)

// NewRegistryFromConfig registers every provider that has credentials.
// Ollama needs none, so it is registered when a routing tier or the default
// model points at it, or it has a default model of its own.
func NewRegistryFromConfig(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "providers")
	registry := NewRegistry(RegistryConfig{})

	register := func(name string, p agent.LLMProvider, err error) {
		if err != nil {
			logger.Warn("provider not configured", "provider", name, "error", err)
			return
		}
		registry.Register(p)
		logger.Debug("provider registered", "provider", name)
	}

	pc := cfg.Providers
	if pc.Anthropic.APIKey != "" {
		p, err := NewAnthropicProvider(AnthropicConfig{
			APIKey:       pc.Anthropic.APIKey,
			BaseURL:      pc.Anthropic.BaseURL,
			DefaultModel: pc.Anthropic.DefaultModel,
			MaxRetries:   pc.Anthropic.MaxRetries,
		})
		register("anthropic", p, err)
	}
	if pc.OpenAI.APIKey != "" {
		p, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:       pc.OpenAI.APIKey,
			BaseURL:      pc.OpenAI.BaseURL,
			DefaultModel: pc.OpenAI.DefaultModel,
			MaxRetries:   pc.OpenAI.MaxRetries,
		})
		register("openai", p, err)
	}
	if pc.Google.APIKey != "" {
		p, err := NewGoogleProvider(GoogleConfig{
			APIKey:       pc.Google.APIKey,
			BaseURL:      pc.Google.BaseURL,
			DefaultModel: pc.Google.DefaultModel,
			MaxRetries:   pc.Google.MaxRetries,
		})
		register("google", p, err)
	}
	if pc.Ollama.DefaultModel != "" || referencesProvider(cfg, "ollama") {
		register("ollama", NewOllamaProvider(OllamaConfig{
			BaseURL:      pc.Ollama.BaseURL,
			DefaultModel: pc.Ollama.DefaultModel,
			Timeout:      pc.Ollama.Timeout,
			MaxRetries:   pc.Ollama.MaxRetries,
		}), nil)
	}
	return registry
}

func referencesProvider(cfg *config.Config, name string) bool {
	refs := []string{cfg.Routing.DefaultModel}
	for _, ref := range cfg.Routing.Tiers {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		if provider, _, err := ParseModelID(ref); err == nil && provider == name {
			return true
		}
	}
	return false
}
