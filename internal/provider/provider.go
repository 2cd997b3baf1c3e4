// Package provider defines the LLM client boundary: an abstract streaming
// chat invocation plus the two concrete backends the orchestrator routes
// between: the OpenRouter aggregator (OpenAI-compatible API) and direct
// Anthropic access for extended thinking.
//
// Clients deliver output as a channel of Chunks. A chunk carries exactly one
// of: a message-start marker, a text delta, a reasoning delta, a complete
// tool call, a done marker with token usage, or an error. Implementations
// must be safe for concurrent use; each Stream call runs independently.
package provider

import (
	"context"
	"encoding/json"
)

// Provider names used by the router and the client registry.
const (
	NameOpenRouter = "openrouter"
	NameAnthropic  = "anthropic"
)

// Client is the abstract streaming chat invocation.
type Client interface {
	// Stream starts a completion and returns a channel of chunks. The
	// channel is closed when the stream ends, errors, or the context is
	// cancelled.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the stable provider identifier.
	Name() string
}

// Request contains all parameters for one streaming invocation.
type Request struct {
	// Model is the provider-form model identifier.
	Model string `json:"model"`

	// System is the assembled system instruction block.
	System string `json:"system,omitempty"`

	// Messages is the ordered turn history.
	Messages []Turn `json:"messages"`

	// Tools the model may call during this invocation.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking requests extended reasoning on supported backends.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens is the reasoning token budget when
	// EnableThinking is set.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// Turn is a single message in provider role form.
// Role values: "user", "assistant", "tool".
type Turn struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries a tool's output back into the conversation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Chunk is one event in a streaming response.
type Chunk struct {
	// Start marks the beginning of a new assistant message.
	Start bool `json:"start,omitempty"`

	// Text is an incremental content delta.
	Text string `json:"text,omitempty"`

	// Thinking is an incremental reasoning delta.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a complete tool invocation request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done marks successful end of the message.
	Done bool `json:"done,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}
