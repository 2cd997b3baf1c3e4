package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler executes one job. Errors are logged, never propagated; a
// failed job must not take down its worker.
type Handler func(ctx context.Context, job Job) error

// InProcessQueue is a bounded channel-backed worker pool. It is the only
// Queue implementation; the interface exists so tests can capture
// enqueued work synchronously.
type InProcessQueue struct {
	workers int
	handler Handler
	logger  *slog.Logger

	// mu serializes Enqueue's send against Stop's close of the channel.
	mu     sync.Mutex
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
	depth     atomic.Int32
	onDepth   func(depth int)
}

// PoolConfig configures an InProcessQueue.
type PoolConfig struct {
	// Workers is the number of concurrent workers. Defaults to 1.
	Workers int

	// QueueSize bounds pending jobs. Defaults to 100.
	QueueSize int

	// Handler processes each job. Required.
	Handler Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnDepth, when set, observes queue depth changes. The metrics layer
	// hooks a gauge here.
	OnDepth func(depth int)
}

// NewInProcessQueue builds a stopped pool; call Start to run it.
func NewInProcessQueue(cfg PoolConfig) *InProcessQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Handler == nil {
		panic("jobs: Handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessQueue{
		workers: cfg.Workers,
		handler: cfg.Handler,
		logger:  cfg.Logger,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		onDepth: cfg.OnDepth,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (q *InProcessQueue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop drains nothing: queued jobs that have not started are abandoned,
// running jobs get a cancelled context and finish on their own terms.
func (q *InProcessQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue implements Queue. The stopped check happens under the same
// lock Stop closes the channel under, so a send never races the close.
func (q *InProcessQueue) Enqueue(job Job) bool {
	q.mu.Lock()
	if q.stopped.Load() {
		q.mu.Unlock()
		return false
	}
	select {
	case q.jobs <- job:
		q.mu.Unlock()
		q.noteDepth(q.depth.Add(1))
		return true
	default:
		q.mu.Unlock()
		q.logger.Warn("job queue full, dropping job",
			"kind", job.Kind,
			"conversation_id", job.ConversationID,
			"agent_id", job.AgentID)
		return false
	}
}

// Stats reports pool counters.
func (q *InProcessQueue) Stats() (processed, failed uint64, depth int) {
	return q.processed.Load(), q.failed.Load(), int(q.depth.Load())
}

func (q *InProcessQueue) noteDepth(depth int32) {
	if q.onDepth != nil {
		q.onDepth(int(depth))
	}
}

func (q *InProcessQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.noteDepth(q.depth.Add(-1))
			q.run(job)
		}
	}
}

func (q *InProcessQueue) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("job panicked",
				"kind", job.Kind,
				"conversation_id", job.ConversationID,
				"agent_id", job.AgentID,
				"panic", r)
		}
	}()

	if err := q.handler(q.ctx, job); err != nil {
		q.failed.Add(1)
		q.logger.Error("job failed",
			"kind", job.Kind,
			"conversation_id", job.ConversationID,
			"agent_id", job.AgentID,
			"error", err)
		return
	}
	q.processed.Add(1)
}
