// Package pricing estimates backend cost from token usage when the backend
// does not report it.
package pricing

import (
	"sort"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
	// CacheReadPer1M applies to prompt tokens served from the prompt cache.
	CacheReadPer1M float64
}

// Known model pricing as of 2026. Keys are model id prefixes, so dated ids
// such as claude-sonnet-4-5-20250929 resolve to their family.
var knownModels = map[string]ModelPricing{
	"claude-opus-4":     {15.00, 75.00, 1.50},
	"claude-opus-4-5":   {5.00, 25.00, 0.50},
	"claude-sonnet-4":   {3.00, 15.00, 0.30},
	"claude-sonnet-4-5": {3.00, 15.00, 0.30},
	"claude-3-7-sonnet": {3.00, 15.00, 0.30},
	"claude-haiku-4-5":  {1.00, 5.00, 0.10},
	"claude-3-5-haiku":  {0.80, 4.00, 0.08},
}

// prefixes is knownModels' keys, longest first.
var prefixes = func() []string {
	out := make([]string, 0, len(knownModels))
	for k := range knownModels {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}()

// Lookup returns the pricing for model, matching the longest known prefix.
func Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return knownModels[prefix], true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	return EstimateCostWithCache(model, promptTokens, 0, completionTokens)
}

// EstimateCostWithCache is EstimateCost with cache-read prompt tokens priced
// separately.
func EstimateCostWithCache(model string, promptTokens, cacheReadTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(cacheReadTokens)/1_000_000)*p.CacheReadPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
