// Package executor runs agent activations: it assembles the prompt,
// routes to a provider, streams the response into a message row, runs
// tool rounds, and finalizes or cleans up.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roundtablehq/roundtable/internal/backoff"
	"github.com/roundtablehq/roundtable/internal/broadcast"
	"github.com/roundtablehq/roundtable/internal/metrics"
	"github.com/roundtablehq/roundtable/internal/provider"
	"github.com/roundtablehq/roundtable/internal/routing"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/internal/tools"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// State is the phase an activation is in.
type State string

const (
	StateBuildingContext  State = "building_context"
	StateProviderSelected State = "provider_selected"
	StateStreaming        State = "streaming"
	StateFinalizing       State = "finalizing"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// ContextProvider supplies the cross-conversation awareness lines placed
// into an agent's system prompt.
type ContextProvider interface {
	ContextLines(ctx context.Context, agentID, excludeConversationID string) ([]string, error)
}

// SummaryNotifier is told when an activation succeeds so every
// participant's working summary can be queued for regeneration.
type SummaryNotifier interface {
	FanOut(ctx context.Context, conversationID string)
}

// Config bounds one activation.
type Config struct {
	// MaxAttempts caps transient-error retries.
	MaxAttempts int

	// MaxToolRounds caps consecutive tool-call cycles.
	MaxToolRounds int

	// HistoryLimit is how many recent messages enter the prompt.
	HistoryLimit int

	// MaxTokens bounds the response.
	MaxTokens int

	// ContentFlush and ThinkingFlush are the stream buffer intervals.
	ContentFlush  time.Duration
	ThinkingFlush time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.ContentFlush <= 0 {
		c.ContentFlush = 200 * time.Millisecond
	}
	if c.ThinkingFlush <= 0 {
		c.ThinkingFlush = 100 * time.Millisecond
	}
}

// Activation is one agent response in one conversation. Exposed state is
// for inspection; the executor owns all transitions.
type Activation struct {
	ConversationID string
	AgentID        string
	MessageID      string
	State          State
	Attempts       int
	Provider       string
}

// Executor runs activations against the store and provider registry.
type Executor struct {
	store     store.Store
	router    *routing.Router
	providers map[string]provider.Client
	catalog   *provider.Catalog
	registry  *tools.Registry
	events    broadcast.Broadcaster
	contexts  ContextProvider
	summaries SummaryNotifier
	metrics   *metrics.Metrics
	policy    backoff.Policy
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Options wires an Executor.
type Options struct {
	Store     store.Store
	Router    *routing.Router
	Providers map[string]provider.Client
	Catalog   *provider.Catalog
	Registry  *tools.Registry
	Events    broadcast.Broadcaster
	Contexts  ContextProvider
	Summaries SummaryNotifier
	Metrics   *metrics.Metrics
	Backoff   backoff.Policy
	Config    Config
	Logger    *slog.Logger
}

// New builds an Executor. Events, Contexts, Summaries and Metrics are
// optional.
func New(opts Options) *Executor {
	opts.Config.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = broadcast.Discard{}
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.DefaultPolicy()
	}
	return &Executor{
		store:     opts.Store,
		router:    opts.Router,
		providers: opts.Providers,
		catalog:   opts.Catalog,
		registry:  opts.Registry,
		events:    opts.Events,
		contexts:  opts.Contexts,
		summaries: opts.Summaries,
		metrics:   opts.Metrics,
		policy:    opts.Backoff,
		cfg:       opts.Config,
		logger:    opts.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Execute runs one activation to completion. The returned Activation
// reports the terminal state even when err is non-nil.
func (e *Executor) Execute(ctx context.Context, conversationID, agentID string) (*Activation, error) {
	act := &Activation{
		ConversationID: conversationID,
		AgentID:        agentID,
		State:          StateBuildingContext,
	}
	start := e.now()
	err := e.run(ctx, act)
	if err != nil {
		act.State = StateFailed
		if e.metrics != nil {
			e.metrics.ActivationsFinished.WithLabelValues("failed").Inc()
		}
		return act, err
	}
	act.State = StateDone
	if e.metrics != nil {
		e.metrics.ActivationsFinished.WithLabelValues("done").Inc()
		e.metrics.ActivationDuration.WithLabelValues(act.Provider).Observe(e.now().Sub(start).Seconds())
	}
	return act, nil
}

func (e *Executor) run(ctx context.Context, act *Activation) error {
	conv, err := e.store.GetConversation(ctx, act.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		// Removed or unknown conversation. The activation is moot.
		e.logger.Debug("skipping activation, conversation gone",
			"conversation_id", act.ConversationID, "agent_id", act.AgentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", act.ConversationID, err)
	}
	if conv.Removed() {
		return nil
	}
	agent, err := e.store.GetAgent(ctx, act.AgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", act.AgentID, err)
	}
	part, err := e.store.GetParticipation(ctx, act.ConversationID, act.AgentID)
	if err != nil {
		return fmt.Errorf("agent %s does not participate in conversation %s: %w",
			act.AgentID, act.ConversationID, err)
	}

	system, err := e.buildSystemPrompt(ctx, agent, act.ConversationID, part.BorrowedContext)
	if err != nil {
		return err
	}
	turns, err := e.buildHistory(ctx, act.ConversationID, agent)
	if err != nil {
		return err
	}

	decision := e.router.Route(agent.Model, agent.ThinkingEnabled)
	if agent.ThinkingEnabled && !decision.ThinkingEnabled() && e.metrics != nil {
		// Thinking was requested but the route could not honor it.
		e.metrics.RoutingFallbacks.WithLabelValues(agent.Model, decision.Provider).Inc()
	}
	act.State = StateProviderSelected
	act.Provider = decision.Provider
	client, ok := e.providers[decision.Provider]
	if !ok {
		return fmt.Errorf("no client registered for provider %q", decision.Provider)
	}
	e.logger.Info("provider selected",
		"conversation_id", act.ConversationID,
		"agent_id", act.AgentID,
		"provider", decision.Provider,
		"model", decision.Model,
		"thinking", decision.ThinkingEnabled())

	req := &provider.Request{
		Model:                decision.Model,
		System:               system,
		Messages:             turns,
		Tools:                e.registry.Definitions(agent.Tools),
		MaxTokens:            e.cfg.MaxTokens,
		EnableThinking:       decision.ThinkingEnabled(),
		ThinkingBudgetTokens: decision.ThinkingBudget(),
	}

	refreshedCatalog := false
	for attempt := 0; ; attempt++ {
		act.Attempts = attempt + 1
		err = e.streamOnce(ctx, act, agent, client, req, part.BorrowedContext != nil)
		if err == nil {
			return nil
		}

		reason := provider.ReasonOf(err)
		switch {
		case reason == provider.ReasonModelNotFound && !refreshedCatalog && e.catalog != nil:
			refreshedCatalog = true
			e.logger.Warn("model not found, refreshing catalog",
				"model", decision.Model, "error", err)
			if rerr := e.catalog.Refresh(ctx); rerr != nil {
				e.logger.Error("catalog refresh failed", "error", rerr)
				return err
			}
			if !e.catalog.Contains(decision.Model) {
				// The refreshed catalog confirms the model is gone; a
				// retry would only repeat the failure.
				e.logger.Warn("model absent from refreshed catalog", "model", decision.Model)
				return err
			}
			continue
		case reason.Retryable() && attempt+1 < e.cfg.MaxAttempts:
			if e.metrics != nil {
				e.metrics.ActivationRetries.WithLabelValues(string(reason)).Inc()
			}
			e.publishError(act.ConversationID,
				fmt.Sprintf("%s is having trouble responding (%s), retrying", agent.Name, reason))
			e.logger.Warn("transient provider failure, retrying",
				"conversation_id", act.ConversationID,
				"agent_id", act.AgentID,
				"attempt", attempt+1,
				"reason", reason,
				"error", err)
			if serr := e.policy.Sleep(ctx, attempt); serr != nil {
				return serr
			}
			continue
		default:
			e.publishError(act.ConversationID,
				fmt.Sprintf("%s could not respond: %s", agent.Name, reason))
			return err
		}
	}
}

// streamOnce performs one full provider exchange including tool rounds.
// On failure it deletes the message row if nothing was streamed into it.
func (e *Executor) streamOnce(ctx context.Context, act *Activation, agent *models.Agent, client provider.Client, req *provider.Request, consumeBorrowed bool) error {
	run := &streamRun{
		executor:        e,
		act:             act,
		agent:           agent,
		consumeBorrowed: consumeBorrowed,
		content:         newStreamBufferAt(e.cfg.ContentFlush, e.now),
		thinking:        newStreamBufferAt(e.cfg.ThinkingFlush, e.now),
	}

	// Tool rounds extend the request in place; copy the turn slice so a
	// retry starts from the original history.
	working := *req
	working.Messages = append([]provider.Turn(nil), req.Messages...)

	mark := 0
	for round := 0; ; round++ {
		calls, err := run.consume(ctx, client, &working)
		if err != nil {
			run.cleanup(ctx)
			return err
		}
		if len(calls) == 0 {
			return run.finalize(ctx)
		}
		if round+1 >= e.cfg.MaxToolRounds {
			e.logger.Warn("tool round limit reached",
				"conversation_id", act.ConversationID,
				"agent_id", act.AgentID,
				"rounds", round+1)
			return run.finalize(ctx)
		}
		results := run.executeTools(ctx, calls)
		roundText := run.content.Total()[mark:]
		mark = len(run.content.Total())
		working.Messages = append(working.Messages,
			provider.Turn{Role: "assistant", Content: roundText, ToolCalls: calls},
			provider.Turn{Role: "tool", ToolResults: results},
		)
	}
}

func (e *Executor) buildSystemPrompt(ctx context.Context, agent *models.Agent, conversationID string, borrowed *models.BorrowedContext) (string, error) {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(agent.Name)
	b.WriteString(", an agent in a shared conversation with humans and other agents.\n")
	b.WriteString("Messages from other participants are prefixed with their name. Do not prefix your own replies.\n")
	if agent.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(agent.Instructions)
		b.WriteString("\n")
	}

	if e.contexts != nil {
		lines, err := e.contexts.ContextLines(ctx, agent.ID, conversationID)
		if err != nil {
			return "", fmt.Errorf("load context lines: %w", err)
		}
		if len(lines) > 0 {
			b.WriteString("\nYour other active conversations:\n")
			for _, line := range lines {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}

	if borrowed != nil && len(borrowed.Messages) > 0 {
		fmt.Fprintf(&b, "\nContext you borrowed from conversation %s:\n", borrowed.SourceConversationID)
		for _, m := range borrowed.Messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Author, m.Content)
		}
	}
	return b.String(), nil
}

// buildHistory renders recent messages as provider turns. The agent's
// own messages become assistant turns; everyone else's are user turns
// prefixed with the author's name. Consecutive same-role turns are
// merged because some providers require strict alternation.
func (e *Executor) buildHistory(ctx context.Context, conversationID string, agent *models.Agent) ([]provider.Turn, error) {
	history, err := e.store.History(ctx, conversationID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]provider.Turn, 0, len(history))
	for _, msg := range history {
		if msg.Streaming || msg.Content == "" {
			continue
		}
		role := "user"
		content := msg.Content
		if msg.Role == models.RoleAgent && msg.AgentID == agent.ID {
			role = "assistant"
		} else if msg.AuthorName != "" {
			content = msg.AuthorName + ": " + content
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role && len(turns[n-1].ToolCalls) == 0 {
			turns[n-1].Content += "\n" + content
			continue
		}
		turns = append(turns, provider.Turn{Role: role, Content: content})
	}
	// Providers reject a conversation that opens with an assistant turn.
	for len(turns) > 0 && turns[0].Role != "user" {
		turns = turns[1:]
	}
	if len(turns) == 0 {
		turns = append(turns, provider.Turn{Role: "user", Content: "(conversation opened)"})
	}
	return turns, nil
}

func (e *Executor) publishError(conversationID, message string) {
	e.publish(broadcast.Event{
		Name:           models.EventError,
		ConversationID: conversationID,
		Payload:        map[string]any{"conversation_id": conversationID, "message": message},
	})
}

func (e *Executor) publish(event broadcast.Event) {
	if e.metrics != nil {
		e.metrics.EventsBroadcast.WithLabelValues(event.Name).Inc()
	}
	e.events.Publish(event)
}

// errStreamInterrupted marks a stream that ended without a done chunk.
var errStreamInterrupted = errors.New("stream ended unexpectedly")
