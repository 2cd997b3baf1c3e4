// Package store persists the orchestrator's data model: conversations,
// agents, messages, and the per-(conversation, agent) participation record.
//
// Two implementations are provided: a SQLite-backed store for real runs and
// an in-memory store for tests. Both guarantee that participation mutations
// (close, reopen, borrowed-context staging/clearing, summary writes) are
// single atomic operations, never read-modify-write sequences, so concurrent
// workers cannot lose updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/roundtablehq/roundtable/pkg/models"
)

// ErrNotFound is returned when the requested entity does not exist or has
// been soft-removed.
var ErrNotFound = errors.New("store: not found")

// ContextSummary is one cross-conversation context line's raw material:
// an agent's summary of another conversation it participates in.
type ContextSummary struct {
	ConversationID string
	Title          string
	Summary        string
	UpdatedAt      time.Time
}

// Store is the persistence interface for the orchestrator core.
type Store interface {
	// Conversations. Removed conversations are invisible to every getter.
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	RemoveConversation(ctx context.Context, id string, at time.Time) error

	// Agents are owned by surrounding CRUD; the core reads them and tests
	// seed them.
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)

	// Messages. Streaming messages are updated in place and finalized
	// exactly once; an empty streaming artifact left by a failed
	// activation is deleted, not finalized.
	AppendMessage(ctx context.Context, m *models.Message) error
	UpdateMessage(ctx context.Context, m *models.Message) error
	DeleteMessage(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// History returns the most recent messages in chronological order.
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)

	// Participations. At most one per (conversation, agent) pair.
	AddParticipant(ctx context.Context, p *models.Participation) error
	GetParticipation(ctx context.Context, conversationID, agentID string) (*models.Participation, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*models.Participation, error)
	ListAgentConversations(ctx context.Context, agentID string) ([]string, error)

	// Atomic participation column updates.
	CloseForInitiation(ctx context.Context, conversationID, agentID string, at time.Time) error
	ReopenConversation(ctx context.Context, conversationID string) (int64, error)
	SetBorrowedContext(ctx context.Context, conversationID, agentID string, bc *models.BorrowedContext) error
	ClearBorrowedContext(ctx context.Context, conversationID, agentID string) error
	SetSummary(ctx context.Context, conversationID, agentID, summary string, at time.Time) error

	// ContinuableConversations returns conversations eligible for the
	// agent's autonomous next turn: manual-trigger mode, not removed,
	// agent participates and is not closed, and the agent did not author
	// the most recent message. Ordered by recency, capped at limit.
	ContinuableConversations(ctx context.Context, agentID string, limit int) ([]*models.Conversation, error)

	// AgentContextSummaries returns non-empty summaries for the agent's
	// other active conversations updated since the given time, newest
	// first, capped at limit.
	AgentContextSummaries(ctx context.Context, agentID, excludeConversationID string, since time.Time, limit int) ([]*ContextSummary, error)
}
