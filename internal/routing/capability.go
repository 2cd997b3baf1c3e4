// Package routing maps an agent's aggregator-form model identifier and
// feature flags to a concrete provider invocation. Selection is table
// driven: one static capability entry per model, consulted by a pure
// Route function, so there are no provider conditionals scattered across
// call sites.
package routing

// ModelCapability describes one model's routing options. Entries are
// keyed by the aggregator model id ("vendor/model-name").
type ModelCapability struct {
	// Family groups models by vendor prefix, e.g. "claude", "gpt".
	Family string

	// SupportsThinking marks models that can produce extended reasoning
	// when routed to ThinkingProvider.
	SupportsThinking bool

	// ThinkingProvider is the specialized provider required for extended
	// reasoning, with its provider-form model id and default budget.
	ThinkingProvider string
	ThinkingModelID  string
	ThinkingBudget   int

	// DirectProvider optionally serves the model family without the
	// aggregator even when thinking is off.
	DirectProvider string
	DirectModelID  string

	// SupportsAudio marks models that accept audio input.
	SupportsAudio bool
}

// DefaultCapabilities returns the built-in capability table. The zero
// value for an unlisted model routes to the aggregator unmodified.
func DefaultCapabilities() map[string]ModelCapability {
	return map[string]ModelCapability{
		"anthropic/claude-sonnet-4": {
			Family:           "claude",
			SupportsThinking: true,
			ThinkingProvider: "anthropic",
			ThinkingModelID:  "claude-sonnet-4-20250514",
			ThinkingBudget:   10000,
			DirectProvider:   "anthropic",
			DirectModelID:    "claude-sonnet-4-20250514",
		},
		"anthropic/claude-opus-4": {
			Family:           "claude",
			SupportsThinking: true,
			ThinkingProvider: "anthropic",
			ThinkingModelID:  "claude-opus-4-20250514",
			ThinkingBudget:   16000,
			DirectProvider:   "anthropic",
			DirectModelID:    "claude-opus-4-20250514",
		},
		"anthropic/claude-3.5-sonnet": {
			Family:           "claude",
			SupportsThinking: false,
			DirectProvider:   "anthropic",
			DirectModelID:    "claude-3-5-sonnet-latest",
		},
		"anthropic/claude-3.5-haiku": {
			Family:           "claude",
			SupportsThinking: false,
			DirectProvider:   "anthropic",
			DirectModelID:    "claude-3-5-haiku-latest",
		},
		"openai/gpt-4o": {
			Family:        "gpt",
			SupportsAudio: true,
		},
		"openai/gpt-4o-mini": {
			Family: "gpt",
		},
		"openai/o3-mini": {
			Family: "gpt",
		},
		"google/gemini-2.5-pro": {
			Family: "gemini",
		},
		"meta-llama/llama-3.3-70b-instruct": {
			Family: "llama",
		},
	}
}
