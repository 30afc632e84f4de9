package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HiTek-Dev/tek/internal/observability"
)

// ErrNoTier is returned by Resolve for a tier with no configured model.
var ErrNoTier = errors.New("routing: tier not configured")

// fallbackOrder is the order tiers are tried after the classified tier.
var fallbackOrder = []Tier{TierStandard, TierHigh, TierBudget}

// fallbackPenalty multiplies confidence for each fallback hop.
const fallbackPenalty = 0.8

// Availability reports whether a provider can take requests right now.
type Availability interface {
	Available(provider string) bool
}

// Decision is the router's choice for one message. It is not persisted.
type Decision struct {
	Tier       Tier    `json:"tier"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	// Available is false when no tier had a usable provider and the
	// original classification is returned as-is.
	Available bool `json:"available"`
}

// ModelID returns "provider:model".
func (d Decision) ModelID() string {
	return d.Provider + ":" + d.Model
}

// Alternative is a tier the user could pick instead.
type Alternative struct {
	Tier     Tier   `json:"tier"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Config configures a Router.
type Config struct {
	// Tiers maps each tier to "provider:model".
	Tiers map[Tier]string
	Rules []Rule
}

// Router classifies messages and maps them to provider:model pairs.
type Router struct {
	tiers        map[Tier]string
	rules        []Rule
	availability Availability
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "routing")
		}
	}
}

// WithMetrics records routing decisions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Router) { r.metrics = metrics }
}

// NewRouter creates a router. A nil availability treats every provider as
// available.
func NewRouter(cfg Config, availability Availability, opts ...Option) *Router {
	r := &Router{
		tiers:        make(map[Tier]string, len(cfg.Tiers)),
		rules:        cfg.Rules,
		availability: availability,
		logger:       slog.Default().With("component", "routing"),
	}
	for tier, ref := range cfg.Tiers {
		r.tiers[tier] = strings.TrimSpace(ref)
	}
	if r.rules == nil {
		r.rules = DefaultRules(nil, nil)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the provider and model configured for tier.
func (r *Router) Resolve(tier Tier) (provider, model string, err error) {
	ref := r.tiers[tier]
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoTier, tier)
	}
	return provider, model, nil
}

// Route classifies message and picks an available provider, falling back
// through the remaining tiers. When nothing is available the original
// decision is returned with Available false so the caller surfaces the
// provider error downstream.
func (r *Router) Route(message string, historyLength int) Decision {
	class := ClassifyComplexity(message, historyLength, r.rules)
	original := Decision{
		Tier:       class.Tier,
		Confidence: class.Confidence,
		Reason:     fmt.Sprintf("%s tier (rule %s)", class.Tier, class.Rule),
	}
	original.Provider, original.Model, _ = r.Resolve(class.Tier)

	if r.usable(class.Tier) {
		original.Available = true
		r.record(original, false)
		return original
	}

	hops := 0
	for _, tier := range fallbackOrder {
		if tier == class.Tier {
			continue
		}
		hops++
		if !r.usable(tier) {
			continue
		}
		provider, model, _ := r.Resolve(tier)
		confidence := class.Confidence
		for i := 0; i < hops; i++ {
			confidence *= fallbackPenalty
		}
		decision := Decision{
			Tier:       tier,
			Provider:   provider,
			Model:      model,
			Confidence: confidence,
			Available:  true,
			Reason:     fmt.Sprintf("%s tier: %s, fell back to %s", class.Tier, r.unavailableReason(class.Tier), tier),
		}
		r.logger.Info("routing fell back", "from", class.Tier, "to", tier, "hops", hops)
		r.record(decision, true)
		return decision
	}

	r.logger.Warn("no routing tier available", "tier", class.Tier, "model", original.ModelID())
	original.Reason += ": no provider available"
	r.record(original, false)
	return original
}

// Alternatives lists the other tiers whose model differs from the chosen
// one, without duplicates.
func (r *Router) Alternatives(decision Decision) []Alternative {
	seen := map[string]bool{decision.ModelID(): true}
	var out []Alternative
	for _, tier := range []Tier{TierHigh, TierStandard, TierBudget} {
		if tier == decision.Tier {
			continue
		}
		provider, model, err := r.Resolve(tier)
		if err != nil {
			continue
		}
		id := provider + ":" + model
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Alternative{Tier: tier, Provider: provider, Model: model})
	}
	return out
}

func (r *Router) usable(tier Tier) bool {
	provider, _, err := r.Resolve(tier)
	if err != nil {
		return false
	}
	return r.availability == nil || r.availability.Available(provider)
}

func (r *Router) unavailableReason(tier Tier) string {
	provider, _, err := r.Resolve(tier)
	if err != nil {
		return "not configured"
	}
	return provider + " unavailable"
}

func (r *Router) record(d Decision, fallback bool) {
	r.metrics.RecordRouting(string(d.Tier), fallback)
	r.logger.Debug("routed message", "tier", d.Tier, "model", d.ModelID(), "confidence", d.Confidence)
}
