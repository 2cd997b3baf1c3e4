package routing

import (
	"log/slog"
	"sync"
)

// Provider names the router decides between. They match the identifiers
// the provider registry uses.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

// Extra parameter keys carried in a Decision.
const (
	ExtraThinkingEnabled = "thinking_enabled"
	ExtraThinkingBudget  = "thinking_budget_tokens"
)

// Decision is the routing outcome: which provider to call, the
// provider-form model id, and extra invocation parameters.
type Decision struct {
	Provider string
	Model    string
	Extra    map[string]any
}

// ThinkingEnabled reports whether the decision carries reasoning
// parameters.
func (d Decision) ThinkingEnabled() bool {
	v, ok := d.Extra[ExtraThinkingEnabled].(bool)
	return ok && v
}

// ThinkingBudget returns the reasoning budget, or 0 when thinking is off.
func (d Decision) ThinkingBudget() int {
	v, ok := d.Extra[ExtraThinkingBudget].(int)
	if !ok {
		return 0
	}
	return v
}

// Prereq reports whether a provider's prerequisites (credentials,
// required schema support) are satisfied, with a diagnostic reason when
// not.
type Prereq func() (ok bool, reason string)

// CredentialPrereq builds a Prereq satisfied when the credential string
// is non-empty.
func CredentialPrereq(apiKey, what string) Prereq {
	return func() (bool, string) {
		if apiKey == "" {
			return false, what + " not configured"
		}
		return true, ""
	}
}

// Router resolves model invocations against the capability table.
// Prerequisite checks run once per process; after that Route is a pure
// function of its arguments.
type Router struct {
	table   map[string]ModelCapability
	prereqs map[string]func() bool
	logger  *slog.Logger
}

// NewRouter builds a router. prereqs maps provider name to its check; a
// provider with no entry is treated as unavailable. Checks are wrapped
// in sync.OnceValue so each runs at most once, logging its reason on
// first failure.
func NewRouter(table map[string]ModelCapability, prereqs map[string]Prereq, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cached := make(map[string]func() bool, len(prereqs))
	for name, check := range prereqs {
		provider, prereq := name, check
		cached[provider] = sync.OnceValue(func() bool {
			ok, reason := prereq()
			if !ok {
				logger.Warn("provider unavailable",
					"provider", provider,
					"reason", reason)
			}
			return ok
		})
	}
	return &Router{table: table, prereqs: cached, logger: logger}
}

func (r *Router) available(provider string) bool {
	check, ok := r.prereqs[provider]
	return ok && check()
}

// Route selects a provider for the model. Lookup order:
//
//  1. Thinking requested, the model requires a specialized provider for
//     reasoning, and that provider is available: route there with the
//     entry's provider-form model id and reasoning budget.
//  2. The model family has a direct provider and it is available: route
//     there without reasoning parameters.
//  3. Otherwise the aggregator serves the model id unmodified.
func (r *Router) Route(modelID string, thinkingEnabled bool) Decision {
	cap, known := r.table[modelID]

	if thinkingEnabled && known && cap.SupportsThinking && cap.ThinkingProvider != "" {
		if r.available(cap.ThinkingProvider) {
			return Decision{
				Provider: cap.ThinkingProvider,
				Model:    cap.ThinkingModelID,
				Extra: map[string]any{
					ExtraThinkingEnabled: true,
					ExtraThinkingBudget:  cap.ThinkingBudget,
				},
			}
		}
		r.logger.Debug("thinking route unavailable, falling back",
			"model", modelID,
			"provider", cap.ThinkingProvider)
	}

	if known && cap.DirectProvider != "" && r.available(cap.DirectProvider) {
		return Decision{
			Provider: cap.DirectProvider,
			Model:    cap.DirectModelID,
			Extra:    map[string]any{},
		}
	}

	return Decision{
		Provider: ProviderOpenRouter,
		Model:    modelID,
		Extra:    map[string]any{},
	}
}

// Capability returns the table entry for a model, if any.
func (r *Router) Capability(modelID string) (ModelCapability, bool) {
	cap, ok := r.table[modelID]
	return cap, ok
}
