// Package tools defines the coordination tools agents may call during an
// activation, plus the registry the executor resolves them from.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roundtablehq/roundtable/internal/provider"
)

// Invocation carries the activation scope a tool executes in.
type Invocation struct {
	ConversationID string
	AgentID        string
}

// Tool is one callable coordination primitive.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema for the tool's input object.
	Schema() map[string]any

	// Execute runs the tool and returns the result text fed back to the
	// model. Errors become error-flagged tool results, not failures of
	// the activation.
	Execute(ctx context.Context, inv Invocation, input json.RawMessage) (string, error)
}

// Quiet tools are internal coordination steps; the executor does not
// broadcast a "using tool" status line for them.
var quiet = map[string]struct{}{
	"borrow_context":     {},
	"close_conversation": {},
}

// IsQuiet reports whether a tool's use should go unannounced.
func IsQuiet(name string) bool {
	_, ok := quiet[name]
	return ok
}

// Registry resolves tools by name and filters them against an agent's
// allowlist.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry over the given tools.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns provider-form definitions for the named tools,
// sorted by name. Unknown names are skipped; an agent allowlisting a
// tool this build does not ship is a configuration gap, not an error.
func (r *Registry) Definitions(allowlist []string) []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(allowlist))
	for _, name := range allowlist {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute resolves and runs a tool call.
func (r *Registry) Execute(ctx context.Context, inv Invocation, call provider.ToolCall) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	return t.Execute(ctx, inv, call.Input)
}
