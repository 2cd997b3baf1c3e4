// Package jobs provides the asynchronous work queue that activations and
// summary regenerations run on. The core never executes long work
// inline; everything goes through a Queue so concurrent workers can
// process different agents and conversations simultaneously.
package jobs

// Kind identifies the work a job carries.
type Kind string

const (
	// KindActivation runs one agent response in one conversation.
	KindActivation Kind = "activation"

	// KindSummary regenerates one participation's working summary.
	KindSummary Kind = "summary"
)

// Trigger records what caused an activation job.
type Trigger string

const (
	TriggerAuto      Trigger = "auto"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Job is one unit of queued work.
type Job struct {
	Kind           Kind
	ConversationID string
	AgentID        string
	Trigger        Trigger
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	// Enqueue submits the job. It returns false when the queue is full
	// or shut down; callers treat that as a dropped unit of advisory
	// work, not a fatal error.
	Enqueue(job Job) bool
}
