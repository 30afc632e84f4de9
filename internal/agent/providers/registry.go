package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
)

// ErrUnknownProvider is returned when a model id names an unregistered provider.
var ErrUnknownProvider = errors.New("unknown provider")

// ParseModelID splits "provider:model". A bare id without a colon is an error.
func ParseModelID(id string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model id %q must be provider:model", id)
	}
	return provider, model, nil
}

// RegistryConfig tunes the per-provider circuit breaker.
type RegistryConfig struct {
	// FailureThreshold consecutive retryable failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit keeps a provider unavailable.
	Cooldown time.Duration
}

type providerState struct {
	failures int
	openedAt time.Time
}

// Registry resolves "provider:model" ids to providers and tracks which
// providers are currently usable.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]agent.LLMProvider
	states    map[string]*providerState
	config    RegistryConfig
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Registry{
		providers: make(map[string]agent.LLMProvider),
		states:    make(map[string]*providerState),
		config:    config,
		now:       time.Now,
	}
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p agent.LLMProvider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	delete(r.states, p.Name())
}

// Get returns the named provider.
func (r *Registry) Get(name string) (agent.LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the provider and provider-local model for id.
func (r *Registry) Resolve(id string) (agent.LLMProvider, string, error) {
	name, model, err := ParseModelID(id)
	if err != nil {
		return nil, "", err
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, model, nil
}

// Available reports whether the provider is registered and its circuit is
// closed (or its cooldown has elapsed).
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.providers[name]; !ok {
		return false
	}
	state := r.states[name]
	if state == nil || state.openedAt.IsZero() {
		return true
	}
	return r.now().Sub(state.openedAt) >= r.config.Cooldown
}

// RecordSuccess closes the provider's circuit.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, name)
}

// RecordFailure counts a failed call. Credential and billing failures open
// the circuit immediately; request-shaped failures are ignored.
func (r *Registry) RecordFailure(name string, err error) {
	if err == nil {
		return
	}
	reason := ClassifyError(err)
	if providerErr, ok := GetProviderError(err); ok {
		reason = providerErr.Reason
	}
	if reason == FailoverInvalidRequest || reason == FailoverContentFilter {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.states[name]
	if state == nil {
		state = &providerState{}
		r.states[name] = state
	}
	state.failures++
	if reason.ShouldFailover() || state.failures >= r.config.FailureThreshold {
		state.openedAt = r.now()
	}
}
