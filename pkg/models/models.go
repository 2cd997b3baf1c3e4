// Package models defines the shared data model for the roundtable
// orchestrator: conversations, agents, the per-(conversation, agent)
// participation record, and messages. These are plain structs with no
// behavior; all mutation goes through the store layer.
package models

import (
	"time"
)

// ConversationMode controls how agent responses are triggered.
type ConversationMode string

const (
	// ModeAutoRespond causes every participating agent to be activated
	// whenever a human posts a message.
	ModeAutoRespond ConversationMode = "auto_respond"

	// ModeManualTrigger means agents respond only when explicitly asked,
	// or when the initiation scheduler offers them the conversation for
	// an autonomous turn.
	ModeManualTrigger ConversationMode = "manual_trigger"
)

// Role indicates the message author type.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Conversation is an ordered, append-only sequence of messages shared by
// humans and agents. Title and Summary are caches owned by the surrounding
// CRUD layer; the core only reads them.
type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Mode      ConversationMode `json:"mode"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// RemovedAt marks a soft-removed conversation. The core treats
	// removed conversations as invisible everywhere.
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Removed reports whether the conversation has been soft-removed.
func (c *Conversation) Removed() bool {
	return c != nil && c.RemovedAt != nil
}

// Agent is a persona configuration. It is created and edited by the
// surrounding CRUD layer and consumed read-only during an activation.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Model is the aggregator-form model identifier (e.g. "anthropic/claude-sonnet-4").
	Model string `json:"model"`

	// Instructions is the free-text identity block placed at the top of
	// every system prompt built for this agent.
	Instructions string `json:"instructions,omitempty"`

	// ThinkingEnabled requests extended reasoning when the model's
	// capability entry supports it.
	ThinkingEnabled bool `json:"thinking_enabled,omitempty"`

	// AudioInput indicates the agent accepts audio attachments.
	AudioInput bool `json:"audio_input,omitempty"`

	// Tools is the allowlist of tool names this agent may call.
	Tools []string `json:"tools,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participation is the per-(conversation, agent) state record. It is the
// entity the core mutates most; every mutation is a single-column atomic
// update to stay safe under concurrent workers.
type Participation struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`

	// ClosedForInitiationAt, when set, excludes this conversation from
	// the agent's autonomous continuation offers. It is set by the
	// agent's own close tool call and cleared, conversation-wide, the
	// moment any human posts into the conversation.
	ClosedForInitiationAt *time.Time `json:"closed_for_initiation_at,omitempty"`

	// Summary is this agent's private two-line view of where the
	// conversation stands.
	Summary string `json:"summary,omitempty"`

	// SummaryGeneratedAt debounces summary regeneration.
	SummaryGeneratedAt *time.Time `json:"summary_generated_at,omitempty"`

	// BorrowedContext holds messages staged from another of this agent's
	// conversations for inclusion in its next activation only. It is
	// cleared after that activation completes successfully, not merely
	// after it is read, so a failed attempt does not lose the staging.
	BorrowedContext *BorrowedContext `json:"borrowed_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Closed reports whether the participation is closed for autonomous initiation.
func (p *Participation) Closed() bool {
	return p != nil && p.ClosedForInitiationAt != nil
}

// BorrowedContext is the staged payload written by the borrow_context tool.
type BorrowedContext struct {
	SourceConversationID string            `json:"source_conversation_id"`
	Messages             []BorrowedMessage `json:"messages"`
	StagedAt             time.Time         `json:"staged_at"`
}

// BorrowedMessage is one author/content pair lifted from the source
// conversation, truncated to a bounded length at staging time.
type BorrowedMessage struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// Message is a single entry in a conversation. Agent messages are created
// in streaming state and mutated in place while chunks arrive; they are
// finalized exactly once.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`

	// AgentID is set if and only if Role is RoleAgent.
	AgentID string `json:"agent_id,omitempty"`

	// AuthorName is the display name used when rendering this message
	// into another participant's prompt.
	AuthorName string `json:"author_name,omitempty"`

	Content string `json:"content"`

	// Thinking holds the model's reasoning text when extended thinking
	// was enabled for the producing activation.
	Thinking string `json:"thinking,omitempty"`

	// Streaming is true while content is still being appended.
	Streaming bool `json:"streaming,omitempty"`

	// Status is a short human-readable "doing X" line shown while the
	// message is streaming (e.g. "Using web_search").
	Status string `json:"status,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// ToolsUsed lists the tool names invoked while producing this message.
	ToolsUsed []string `json:"tools_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
