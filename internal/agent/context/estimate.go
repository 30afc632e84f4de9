package context

import "github.com/HiTek-Dev/tek/internal/usage"

// bytesPerToken is the rough ratio used for all providers.
const bytesPerToken = 4

// EstimateTokens approximates the token count of text as ceil(bytes/4).
func EstimateTokens(text string) int {
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// EstimateCost returns the input cost in USD of tokens sent to model.
// Unknown models cost nothing.
func EstimateCost(pricing usage.Pricing, model string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	cost, ok := pricing.Lookup(model)
	if !ok {
		return 0
	}
	return cost.Estimate(&usage.Usage{InputTokens: int64(tokens)})
}
