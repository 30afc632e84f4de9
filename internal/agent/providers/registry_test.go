package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/config"
)

type namedProvider struct{ name string }

func (p namedProvider) Complete(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return nil, errors.New("not implemented")
}
func (p namedProvider) Name() string          { return p.name }
func (p namedProvider) Models() []agent.Model { return nil }
func (p namedProvider) SupportsTools() bool   { return false }

func TestParseModelID(t *testing.T) {
	provider, model, err := ParseModelID("ollama:llama3.1:8b")
	if err != nil || provider != "ollama" || model != "llama3.1:8b" {
		t.Fatalf("ParseModelID = %q %q %v", provider, model, err)
	}
	for _, bad := range []string{"", "claude", ":model", "anthropic:"} {
		if _, _, err := ParseModelID(bad); err == nil {
			t.Errorf("ParseModelID(%q) expected error", bad)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register(namedProvider{name: "anthropic"})

	p, model, err := r.Resolve("anthropic:claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Name() != "anthropic" || model != "claude-sonnet-4-20250514" {
		t.Fatalf("Resolve() = %s %s", p.Name(), model)
	}
	if _, _, err := r.Resolve("openai:gpt-4o"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "anthropic" {
		t.Fatalf("Names() = %v", got)
	}
}

func TestRegistryCircuit(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{FailureThreshold: 2, Cooldown: time.Minute})
	r.now = func() time.Time { return now }
	r.Register(namedProvider{name: "openai"})

	if r.Available("google") {
		t.Fatal("unregistered provider must not be available")
	}
	r.RecordFailure("openai", &ProviderError{Reason: FailoverInvalidRequest})
	r.RecordFailure("openai", &ProviderError{Reason: FailoverServerError})
	if !r.Available("openai") {
		t.Fatal("one counted failure should not open the circuit")
	}
	r.RecordFailure("openai", &ProviderError{Reason: FailoverServerError})
	if r.Available("openai") {
		t.Fatal("threshold reached, circuit should be open")
	}
	now = now.Add(time.Minute)
	if !r.Available("openai") {
		t.Fatal("cooldown elapsed, provider should be available")
	}
	r.RecordSuccess("openai")

	r.RecordFailure("openai", &ProviderError{Reason: FailoverAuth})
	if r.Available("openai") {
		t.Fatal("auth failures open the circuit immediately")
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Routing.Tiers["budget"] = "ollama:llama3.2"

	r := NewRegistryFromConfig(cfg, nil)
	names := r.Names()
	if len(names) != 2 || names[0] != "ollama" || names[1] != "openai" {
		t.Fatalf("Names() = %v, want [ollama openai]", names)
	}
	if r.Available("anthropic") {
		t.Fatal("anthropic has no key and must be unavailable")
	}
}
