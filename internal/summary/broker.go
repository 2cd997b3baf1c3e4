// Package summary maintains each participation's private working
// summary: a two-line view of where a conversation stands from one
// agent's seat, regenerated lazily after activity and fanned out to an
// agent's other conversations as one-line context.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roundtablehq/roundtable/internal/jobs"
	"github.com/roundtablehq/roundtable/internal/metrics"
	"github.com/roundtablehq/roundtable/internal/provider"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// Config bounds summary generation.
type Config struct {
	// Model is the aggregator-form model id used for summarization.
	Model string

	// Cooldown is the minimum age of a summary before regeneration.
	Cooldown time.Duration

	// HistoryLimit is how many recent messages feed the summary prompt.
	HistoryLimit int

	// ContextWindow bounds how old another conversation may be to appear
	// in cross-conversation context lines.
	ContextWindow time.Duration

	// ContextLimit caps the number of context lines.
	ContextLimit int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "openai/gpt-4o-mini"
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 6 * time.Hour
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = 10
	}
}

// Broker regenerates summaries and serves context lines. Summaries are
// advisory; every operation is last-writer-wins and every failure is
// contained to the job that hit it.
type Broker struct {
	store   store.Store
	client  provider.Client
	queue   jobs.Queue
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewBroker builds a Broker. queue and metrics are optional; without a
// queue FanOut is a no-op.
func NewBroker(st store.Store, client provider.Client, queue jobs.Queue, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Broker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:   st,
		client:  client,
		queue:   queue,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Stale reports whether the participation's summary needs regenerating
// given the conversation's latest activity. A summary is stale when the
// conversation moved past it and the cooldown has elapsed since it was
// last generated.
func (b *Broker) Stale(p *models.Participation, lastActivity time.Time, now time.Time) bool {
	if p.SummaryGeneratedAt == nil {
		return true
	}
	if !lastActivity.After(*p.SummaryGeneratedAt) {
		return false
	}
	return now.Sub(*p.SummaryGeneratedAt) >= b.cfg.Cooldown
}

// FanOut enqueues regeneration for every participant whose summary is
// stale. The staleness gate runs again inside the job, so racing fan-outs
// collapse to one regeneration per cooldown.
func (b *Broker) FanOut(ctx context.Context, conversationID string) {
	if b.queue == nil {
		return
	}
	parts, err := b.store.ListParticipants(ctx, conversationID)
	if err != nil {
		b.logger.Warn("summary fan-out failed", "conversation_id", conversationID, "error", err)
		return
	}
	last, err := b.store.LastMessage(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("summary fan-out failed", "conversation_id", conversationID, "error", err)
		}
		return
	}
	now := b.now()
	for _, p := range parts {
		if !b.Stale(p, last.CreatedAt, now) {
			continue
		}
		b.queue.Enqueue(jobs.Job{
			Kind:           jobs.KindSummary,
			ConversationID: conversationID,
			AgentID:        p.AgentID,
		})
	}
}

// RegenerateIfStale rebuilds one participation's summary unless another
// worker already did. It is the KindSummary job body.
func (b *Broker) RegenerateIfStale(ctx context.Context, conversationID, agentID string) error {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if conv.Removed() {
		return nil
	}
	part, err := b.store.GetParticipation(ctx, conversationID, agentID)
	if err != nil {
		return fmt.Errorf("load participation: %w", err)
	}
	last, err := b.store.LastMessage(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load last message: %w", err)
	}
	if !b.Stale(part, last.CreatedAt, b.now()) {
		b.count("skipped_fresh")
		return nil
	}

	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	history, err := b.store.History(ctx, conversationID, b.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	text, err := b.generate(ctx, agent, part.Summary, history)
	if err != nil {
		b.count("failed")
		return fmt.Errorf("generate summary: %w", err)
	}
	if err := b.store.SetSummary(ctx, conversationID, agentID, text, b.now().UTC()); err != nil {
		b.count("failed")
		return fmt.Errorf("write summary: %w", err)
	}
	b.count("regenerated")
	b.logger.Debug("summary regenerated",
		"conversation_id", conversationID, "agent_id", agentID)
	return nil
}

func (b *Broker) generate(ctx context.Context, agent *models.Agent, previous string, history []*models.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range history {
		if msg.Role != models.RoleHuman && msg.Role != models.RoleAgent {
			continue
		}
		if msg.Streaming || msg.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.AuthorName, msg.Content)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You maintain a private working summary for the agent %q.\n", agent.Name)
	prompt.WriteString("Summarize where this conversation stands from that agent's point of view, ")
	prompt.WriteString("in exactly two short lines: line one is the current state, ")
	prompt.WriteString("line two is what the agent should do or watch next. ")
	prompt.WriteString("Output only the two lines, no preamble.\n")
	if previous != "" {
		prompt.WriteString("\nPrevious summary:\n")
		prompt.WriteString(previous)
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nRecent messages:\n")
	prompt.WriteString(transcript.String())

	chunks, err := b.client.Stream(ctx, &provider.Request{
		Model:     b.cfg.Model,
		Messages:  []provider.Turn{{Role: "user", Content: prompt.String()}},
		MaxTokens: 200,
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
	}
	return clipLines(strings.TrimSpace(out.String()), 2), nil
}

// ContextLines renders the agent's other recent conversations as one
// line each, newest first.
func (b *Broker) ContextLines(ctx context.Context, agentID, excludeConversationID string) ([]string, error) {
	since := b.now().Add(-b.cfg.ContextWindow)
	summaries, err := b.store.AgentContextSummaries(ctx, agentID, excludeConversationID, since, b.cfg.ContextLimit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(summaries))
	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "untitled"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", s.ConversationID, title, oneLine(s.Summary)))
	}
	return lines, nil
}

func (b *Broker) count(outcome string) {
	if b.metrics != nil {
		b.metrics.SummaryRegenerations.WithLabelValues(outcome).Inc()
	}
}

func clipLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
		if len(kept) == n {
			break
		}
	}
	return strings.Join(kept, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
