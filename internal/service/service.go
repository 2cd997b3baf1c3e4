// Package service is the ingestion boundary: it accepts human messages
// and manual triggers, applies the reopen rule, and turns them into
// queued work.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roundtablehq/roundtable/internal/jobs"
	"github.com/roundtablehq/roundtable/internal/metrics"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// SummaryNotifier matches the summary broker's fan-out entry point.
type SummaryNotifier interface {
	FanOut(ctx context.Context, conversationID string)
}

// Service wires message ingestion to the store and job queue.
type Service struct {
	store     store.Store
	queue     jobs.Queue
	summaries SummaryNotifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New builds a Service. summaries and metrics are optional.
func New(st store.Store, queue jobs.Queue, summaries SummaryNotifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		queue:     queue,
		summaries: summaries,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// PostHumanMessage appends a human message and runs the arrival rules:
// the conversation is touched, every closed participation reopens, the
// target agents are activated per the conversation mode, and summary
// regeneration fans out.
func (s *Service) PostHumanMessage(ctx context.Context, conversationID, authorName, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is empty")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if conv.Removed() {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}

	now := s.now().UTC()
	msg := &models.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           models.RoleHuman,
		AuthorName:     authorName,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conversationID, now); err != nil {
		s.logger.Warn("touch conversation failed", "conversation_id", conversationID, "error", err)
	}

	// A human posting reopens the whole conversation in one statement,
	// no matter how many agents had closed it.
	reopened, err := s.store.ReopenConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("reopen failed", "conversation_id", conversationID, "error", err)
	} else if reopened > 0 {
		s.logger.Info("conversation reopened by human message",
			"conversation_id", conversationID, "participations", reopened)
	}

	if conv.Mode == models.ModeAutoRespond {
		parts, err := s.store.ListParticipants(ctx, conversationID)
		if err != nil {
			s.logger.Warn("list participants failed", "conversation_id", conversationID, "error", err)
		} else {
			for _, p := range parts {
				s.enqueueActivation(conversationID, p.AgentID, jobs.TriggerAuto)
			}
		}
	}

	if s.summaries != nil {
		s.summaries.FanOut(ctx, conversationID)
	}
	return msg, nil
}

// TriggerAgent requests one response from one agent regardless of
// conversation mode or the agent's closed flag.
func (s *Service) TriggerAgent(ctx context.Context, conversationID, agentID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if conv.Removed() {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	if _, err := s.store.GetParticipation(ctx, conversationID, agentID); err != nil {
		return fmt.Errorf("agent %s does not participate in conversation %s: %w",
			agentID, conversationID, err)
	}
	s.enqueueActivation(conversationID, agentID, jobs.TriggerManual)
	return nil
}

func (s *Service) enqueueActivation(conversationID, agentID string, trigger jobs.Trigger) {
	if s.metrics != nil {
		s.metrics.ActivationsStarted.WithLabelValues(string(trigger)).Inc()
	}
	s.queue.Enqueue(jobs.Job{
		Kind:           jobs.KindActivation,
		ConversationID: conversationID,
		AgentID:        agentID,
		Trigger:        trigger,
	})
}

// CreateConversation opens a conversation in the given mode.
func (s *Service) CreateConversation(ctx context.Context, title string, mode models.ConversationMode) (*models.Conversation, error) {
	if mode == "" {
		mode = models.ModeAutoRespond
	}
	now := s.now().UTC()
	conv := &models.Conversation{
		ID:        s.newID(),
		Title:     title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// AddAgent joins an agent to a conversation.
func (s *Service) AddAgent(ctx context.Context, conversationID, agentID string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if conv.Removed() {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	p := &models.Participation{
		ID:             s.newID(),
		ConversationID: conversationID,
		AgentID:        agentID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}
