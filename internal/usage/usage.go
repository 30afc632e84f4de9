// Package usage tracks token usage and cost per session and model.
package usage

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Usage represents token usage for a single request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost represents pricing for a model (USD per million tokens).
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate calculates the cost of usage in USD.
func (c Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	return (float64(usage.InputTokens)*c.Input + float64(usage.OutputTokens)*c.Output) / 1_000_000
}

// Pricing maps model ids to prices. Keys may be bare model ids or
// "provider:model".
type Pricing map[string]Cost

// DefaultPricing returns list prices for the models tek routes to by default.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus-4":     {Input: 15, Output: 75},
		"claude-sonnet-4":   {Input: 3, Output: 15},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4},
		"claude-3-7-sonnet": {Input: 3, Output: 15},
		"gpt-4o":            {Input: 2.5, Output: 10},
		"gpt-4o-mini":       {Input: 0.15, Output: 0.6},
		"gpt-4.1":           {Input: 2, Output: 8},
		"gpt-4.1-mini":      {Input: 0.4, Output: 1.6},
		"o3":                {Input: 2, Output: 8},
		"gemini-2.5-pro":    {Input: 1.25, Output: 10},
		"gemini-2.5-flash":  {Input: 0.3, Output: 2.5},
		"ollama":            {},
	}
}

// Merge returns a copy of p with overrides applied.
func (p Pricing) Merge(overrides Pricing) Pricing {
	out := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Lookup finds the price for model. It tries the full id, then the id without
// its provider prefix, then the longest key that prefixes the bare id, then
// the provider name alone.
func (p Pricing) Lookup(model string) (Cost, bool) {
	if cost, ok := p[model]; ok {
		return cost, true
	}
	provider, bare, hasProvider := strings.Cut(model, ":")
	if !hasProvider {
		bare, provider = model, ""
	}
	if cost, ok := p[bare]; ok {
		return cost, true
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(bare, k) {
			return p[k], true
		}
	}
	if provider != "" {
		if cost, ok := p[provider]; ok {
			return cost, true
		}
	}
	return Cost{}, false
}

// Record is one persisted usage entry.
type Record struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelTotals aggregates usage for one model.
type ModelTotals struct {
	Model    string  `json:"model"`
	Usage    Usage   `json:"usage"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// Summary aggregates usage for a session, or for everything when SessionID
// is empty.
type Summary struct {
	SessionID string        `json:"session_id,omitempty"`
	Usage     Usage         `json:"usage"`
	Cost      float64       `json:"cost"`
	ByModel   []ModelTotals `json:"by_model"`
}

func summarize(sessionID string, records []Record) *Summary {
	summary := &Summary{SessionID: sessionID, ByModel: []ModelTotals{}}
	index := map[string]int{}
	for _, r := range records {
		summary.Usage.Add(&r.Usage)
		summary.Cost += r.Cost
		key := r.Provider + ":" + r.Model
		i, ok := index[key]
		if !ok {
			i = len(summary.ByModel)
			index[key] = i
			summary.ByModel = append(summary.ByModel, ModelTotals{Model: key})
		}
		summary.ByModel[i].Usage.Add(&r.Usage)
		summary.ByModel[i].Cost += r.Cost
		summary.ByModel[i].Requests++
	}
	sort.Slice(summary.ByModel, func(i, j int) bool { return summary.ByModel[i].Model < summary.ByModel[j].Model })
	return summary
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "$0.00"
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}
