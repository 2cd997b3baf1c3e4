package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roundtablehq/roundtable/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
// All returned values are clones; callers never share memory with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	agents        map[string]*models.Agent
	messages      map[string]*models.Message
	messageOrder  map[string][]string // conversation id -> message ids, append order
	parts         map[string]*models.Participation // key: convID + "\x00" + agentID
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		agents:        make(map[string]*models.Agent),
		messages:      make(map[string]*models.Message),
		messageOrder:  make(map[string][]string),
		parts:         make(map[string]*models.Participation),
	}
}

func partKey(conversationID, agentID string) string {
	return conversationID + "\x00" + agentID
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.Removed() {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStore) RemoveConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	c.RemovedAt = &t
	return nil
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; !exists {
		s.messageOrder[m.ConversationID] = append(s.messageOrder[m.ConversationID], m.ID)
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	order := s.messageOrder[m.ConversationID]
	for i, mid := range order {
		if mid == id {
			s.messageOrder[m.ConversationID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.messageOrder[conversationID]
	start := 0
	if limit > 0 && len(order) > limit {
		start = len(order) - limit
	}
	out := make([]*models.Message, 0, len(order)-start)
	for _, id := range order[start:] {
		if m, ok := s.messages[id]; ok {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.messageOrder[conversationID]
	if len(order) == 0 {
		return nil, ErrNotFound
	}
	m, ok := s.messages[order[len(order)-1]]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, p *models.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[partKey(p.ConversationID, p.AgentID)] = cloneParticipation(p)
	return nil
}

func (s *MemoryStore) GetParticipation(ctx context.Context, conversationID, agentID string) (*models.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[partKey(conversationID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneParticipation(p), nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, conversationID string) ([]*models.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Participation
	for _, p := range s.parts {
		if p.ConversationID == conversationID {
			out = append(out, cloneParticipation(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) ListAgentConversations(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.parts {
		if p.AgentID != agentID {
			continue
		}
		if c, ok := s.conversations[p.ConversationID]; !ok || c.Removed() {
			continue
		}
		out = append(out, p.ConversationID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CloseForInitiation(ctx context.Context, conversationID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[partKey(conversationID, agentID)]
	if !ok {
		return ErrNotFound
	}
	t := at
	p.ClosedForInitiationAt = &t
	return nil
}

func (s *MemoryStore) ReopenConversation(ctx context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.parts {
		if p.ConversationID == conversationID && p.ClosedForInitiationAt != nil {
			p.ClosedForInitiationAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetBorrowedContext(ctx context.Context, conversationID, agentID string, bc *models.BorrowedContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[partKey(conversationID, agentID)]
	if !ok {
		return ErrNotFound
	}
	p.BorrowedContext = cloneBorrowed(bc)
	return nil
}

func (s *MemoryStore) ClearBorrowedContext(ctx context.Context, conversationID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[partKey(conversationID, agentID)]
	if !ok {
		return ErrNotFound
	}
	p.BorrowedContext = nil
	return nil
}

func (s *MemoryStore) SetSummary(ctx context.Context, conversationID, agentID, summary string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[partKey(conversationID, agentID)]
	if !ok {
		return ErrNotFound
	}
	t := at
	p.Summary = summary
	p.SummaryGeneratedAt = &t
	return nil
}

func (s *MemoryStore) ContinuableConversations(ctx context.Context, agentID string, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Conversation
	for _, p := range s.parts {
		if p.AgentID != agentID || p.ClosedForInitiationAt != nil {
			continue
		}
		c, ok := s.conversations[p.ConversationID]
		if !ok || c.Removed() || c.Mode != models.ModeManualTrigger {
			continue
		}
		if last := s.lastMessageLocked(c.ID); last != nil && last.Role == models.RoleAgent && last.AgentID == agentID {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) lastMessageLocked(conversationID string) *models.Message {
	order := s.messageOrder[conversationID]
	if len(order) == 0 {
		return nil
	}
	return s.messages[order[len(order)-1]]
}

func (s *MemoryStore) AgentContextSummaries(ctx context.Context, agentID, excludeConversationID string, since time.Time, limit int) ([]*ContextSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ContextSummary
	for _, p := range s.parts {
		if p.AgentID != agentID || p.ConversationID == excludeConversationID || p.Summary == "" {
			continue
		}
		c, ok := s.conversations[p.ConversationID]
		if !ok || c.Removed() || c.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, &ContextSummary{
			ConversationID: c.ID,
			Title:          c.Title,
			Summary:        p.Summary,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.RemovedAt != nil {
		t := *c.RemovedAt
		out.RemovedAt = &t
	}
	return &out
}

func cloneAgent(a *models.Agent) *models.Agent {
	if a == nil {
		return nil
	}
	out := *a
	out.Tools = append([]string(nil), a.Tools...)
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.ToolsUsed = append([]string(nil), m.ToolsUsed...)
	return &out
}

func cloneParticipation(p *models.Participation) *models.Participation {
	if p == nil {
		return nil
	}
	out := *p
	if p.ClosedForInitiationAt != nil {
		t := *p.ClosedForInitiationAt
		out.ClosedForInitiationAt = &t
	}
	if p.SummaryGeneratedAt != nil {
		t := *p.SummaryGeneratedAt
		out.SummaryGeneratedAt = &t
	}
	out.BorrowedContext = cloneBorrowed(p.BorrowedContext)
	return &out
}

func cloneBorrowed(bc *models.BorrowedContext) *models.BorrowedContext {
	if bc == nil {
		return nil
	}
	out := *bc
	out.Messages = append([]models.BorrowedMessage(nil), bc.Messages...)
	return &out
}
