// Package scheduler drives autonomous conversation continuation. On a
// fixed cadence it asks, per agent, which conversations are eligible to
// continue and submits at most one activation job for the agent's pick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roundtablehq/roundtable/internal/jobs"
	"github.com/roundtablehq/roundtable/internal/metrics"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// DecisionKind is what a strategy chose for an agent this tick.
type DecisionKind string

const (
	// DecideContinue resumes an existing conversation.
	DecideContinue DecisionKind = "continue"

	// DecideStartNew opens a fresh conversation. The built-in strategy
	// never does; the kind exists for strategies that initiate.
	DecideStartNew DecisionKind = "start_new"

	// DecideIdle does nothing this tick.
	DecideIdle DecisionKind = "idle"
)

// Decision is one agent's scheduling outcome for one tick.
type Decision struct {
	Kind           DecisionKind
	ConversationID string
}

// Strategy picks what an agent does with its continuable conversations.
type Strategy interface {
	Decide(ctx context.Context, agent *models.Agent, continuable []*models.Conversation) Decision
}

// RecencyStrategy continues the most recently updated continuable
// conversation, or idles when there is none.
type RecencyStrategy struct{}

func (RecencyStrategy) Decide(_ context.Context, _ *models.Agent, continuable []*models.Conversation) Decision {
	if len(continuable) == 0 {
		return Decision{Kind: DecideIdle}
	}
	// Continuable results are already ordered newest first.
	return Decision{Kind: DecideContinue, ConversationID: continuable[0].ID}
}

// Config bounds the scheduler.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// MaxContinuable caps the continuable query per agent.
	MaxContinuable int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxContinuable <= 0 {
		c.MaxContinuable = 10
	}
}

// Scheduler runs the per-agent tick on a cron cadence.
type Scheduler struct {
	store    store.Store
	queue    jobs.Queue
	strategy Strategy
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
	cron     *cron.Cron
}

// New builds a stopped scheduler; call Start to run it. strategy and
// metrics are optional.
func New(st store.Store, queue jobs.Queue, strategy Strategy, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if strategy == nil {
		strategy = RecencyStrategy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		queue:    queue,
		strategy: strategy,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start begins ticking on the configured interval.
func (s *Scheduler) Start() {
	s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.Tick(context.Background())
	}))
	s.cron.Start()
	s.logger.Info("initiation scheduler started", "interval", s.cfg.Interval)
}

// Stop halts ticking; a tick already running finishes.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Tick evaluates every agent once and submits at most one activation per
// agent. Manual triggers do not go through here; they bypass both the
// cadence and the closed flag.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Error("scheduler tick: list agents", "error", err)
		return
	}
	for _, agent := range agents {
		s.tickAgent(ctx, agent)
	}
}

func (s *Scheduler) tickAgent(ctx context.Context, agent *models.Agent) {
	continuable, err := s.store.ContinuableConversations(ctx, agent.ID, s.cfg.MaxContinuable)
	if err != nil {
		s.logger.Error("scheduler tick: continuable query",
			"agent_id", agent.ID, "error", err)
		return
	}
	decision := s.strategy.Decide(ctx, agent, continuable)
	switch decision.Kind {
	case DecideContinue:
		s.logger.Debug("scheduling continuation",
			"agent_id", agent.ID,
			"conversation_id", decision.ConversationID)
		if s.metrics != nil {
			s.metrics.ActivationsStarted.WithLabelValues(string(jobs.TriggerScheduled)).Inc()
		}
		s.queue.Enqueue(jobs.Job{
			Kind:           jobs.KindActivation,
			ConversationID: decision.ConversationID,
			AgentID:        agent.ID,
			Trigger:        jobs.TriggerScheduled,
		})
	case DecideStartNew:
		// Strategies that initiate conversations own the creation; the
		// built-in recency strategy never returns this.
		s.logger.Debug("strategy requested new conversation, not supported by scheduler",
			"agent_id", agent.ID)
	case DecideIdle:
	}
}
