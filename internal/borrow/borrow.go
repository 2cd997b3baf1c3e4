// Package borrow implements context borrowing: an agent stages a recent
// slice of one conversation onto its participation in another, where the
// next activation reads it and, on success, consumes it.
package borrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

const (
	// historyLimit is how many recent messages a borrow captures.
	historyLimit = 10

	// maxMessageChars truncates each borrowed message body.
	maxMessageChars = 500
)

// Service stages borrowed context between an agent's conversations.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a borrow service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger, now: time.Now}
}

// Stage copies the tail of sourceConversationID onto the agent's
// participation in targetConversationID. Staging twice before
// consumption is last-writer-wins.
func (s *Service) Stage(ctx context.Context, agentID, targetConversationID, sourceConversationID string) error {
	if sourceConversationID == targetConversationID {
		return fmt.Errorf("cannot borrow context from the current conversation")
	}

	source, err := s.store.GetConversation(ctx, sourceConversationID)
	if err != nil {
		return fmt.Errorf("source conversation %s: %w", sourceConversationID, err)
	}
	if source.Removed() {
		return fmt.Errorf("source conversation %s: %w", sourceConversationID, store.ErrNotFound)
	}
	if _, err := s.store.GetParticipation(ctx, sourceConversationID, agentID); err != nil {
		return fmt.Errorf("agent does not participate in conversation %s: %w", sourceConversationID, err)
	}

	history, err := s.store.History(ctx, sourceConversationID, historyLimit)
	if err != nil {
		return fmt.Errorf("load source history: %w", err)
	}

	borrowed := &models.BorrowedContext{
		SourceConversationID: sourceConversationID,
		StagedAt:             s.now().UTC(),
	}
	for _, msg := range history {
		if msg.Role != models.RoleHuman && msg.Role != models.RoleAgent {
			continue
		}
		if msg.Streaming || msg.Content == "" {
			continue
		}
		borrowed.Messages = append(borrowed.Messages, models.BorrowedMessage{
			Author:  msg.AuthorName,
			Content: truncate(msg.Content, maxMessageChars),
		})
	}
	if len(borrowed.Messages) == 0 {
		return fmt.Errorf("conversation %s has no borrowable messages", sourceConversationID)
	}

	if err := s.store.SetBorrowedContext(ctx, targetConversationID, agentID, borrowed); err != nil {
		return fmt.Errorf("stage borrowed context: %w", err)
	}
	s.logger.Info("borrowed context staged",
		"agent_id", agentID,
		"target_conversation_id", targetConversationID,
		"source_conversation_id", sourceConversationID,
		"messages", len(borrowed.Messages))
	return nil
}

// ValidSources lists the agent's other conversations, for error messages
// when a borrow names an invalid source.
func (s *Service) ValidSources(ctx context.Context, agentID, excludeConversationID string) ([]string, error) {
	all, err := s.store.ListAgentConversations(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, id := range all {
		if id == excludeConversationID {
			continue
		}
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil || conv.Removed() {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// Do not split a multi-byte rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
