package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roundtablehq/roundtable/internal/jobs"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *captureQueue) Enqueue(job jobs.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

type captureFanOut struct {
	conversations []string
}

func (f *captureFanOut) FanOut(_ context.Context, conversationID string) {
	f.conversations = append(f.conversations, conversationID)
}

func setup(t *testing.T, mode models.ConversationMode, agents ...string) (*Service, *store.MemoryStore, *captureQueue, *captureFanOut) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	err := st.CreateConversation(ctx, &models.Conversation{ID: "c1", Mode: mode, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, id := range agents {
		if err := st.CreateAgent(ctx, &models.Agent{ID: id, Name: id, Model: "openai/gpt-4o"}); err != nil {
			t.Fatalf("create agent: %v", err)
		}
		err := st.AddParticipant(ctx, &models.Participation{
			ID: "c1-" + id, ConversationID: "c1", AgentID: id, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	q := &captureQueue{}
	f := &captureFanOut{}
	return New(st, q, f, nil, nil), st, q, f
}

func TestPostHumanMessageAutoRespondActivatesAllAgents(t *testing.T) {
	svc, st, q, f := setup(t, models.ModeAutoRespond, "alpha", "beta")
	ctx := context.Background()

	msg, err := svc.PostHumanMessage(ctx, "c1", "carol", "hello agents")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Role != models.RoleHuman || msg.Content != "hello agents" {
		t.Fatalf("message = %+v", msg)
	}

	agents := map[string]bool{}
	for _, job := range q.jobs {
		if job.Kind != jobs.KindActivation || job.Trigger != jobs.TriggerAuto {
			t.Fatalf("unexpected job %+v", job)
		}
		agents[job.AgentID] = true
	}
	if !agents["alpha"] || !agents["beta"] || len(agents) != 2 {
		t.Fatalf("activated agents = %v, want alpha and beta", agents)
	}
	if len(f.conversations) != 1 || f.conversations[0] != "c1" {
		t.Fatalf("fan-out = %v, want [c1]", f.conversations)
	}

	history, err := st.History(ctx, "c1", 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v (err %v), want the posted message", history, err)
	}
}

func TestPostHumanMessageManualTriggerActivatesNobody(t *testing.T) {
	svc, _, q, _ := setup(t, models.ModeManualTrigger, "alpha")
	if _, err := svc.PostHumanMessage(context.Background(), "c1", "carol", "hi"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs = %v, want none in manual-trigger mode", q.jobs)
	}
}

func TestPostHumanMessageReopensClosedParticipations(t *testing.T) {
	svc, st, _, _ := setup(t, models.ModeManualTrigger, "alpha", "beta")
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"alpha", "beta"} {
		if err := st.CloseForInitiation(ctx, "c1", id, now); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	if _, err := svc.PostHumanMessage(ctx, "c1", "carol", "wake up"); err != nil {
		t.Fatalf("post: %v", err)
	}
	for _, id := range []string{"alpha", "beta"} {
		p, err := st.GetParticipation(ctx, "c1", id)
		if err != nil {
			t.Fatalf("get participation: %v", err)
		}
		if p.Closed() {
			t.Fatalf("%s still closed after human post", id)
		}
	}
}

func TestPostHumanMessageValidation(t *testing.T) {
	svc, st, _, _ := setup(t, models.ModeAutoRespond, "alpha")
	ctx := context.Background()

	if _, err := svc.PostHumanMessage(ctx, "c1", "carol", "   "); err == nil {
		t.Fatal("blank content should be rejected")
	}
	if _, err := svc.PostHumanMessage(ctx, "missing", "carol", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	if err := st.RemoveConversation(ctx, "c1", now); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.PostHumanMessage(ctx, "c1", "carol", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("post into removed conversation: err = %v, want ErrNotFound", err)
	}
}

func TestTriggerAgentBypassesClosedFlag(t *testing.T) {
	svc, st, q, _ := setup(t, models.ModeManualTrigger, "alpha")
	ctx := context.Background()
	if err := st.CloseForInitiation(ctx, "c1", "alpha", time.Now().UTC()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := svc.TriggerAgent(ctx, "c1", "alpha"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].Trigger != jobs.TriggerManual {
		t.Fatalf("jobs = %+v, want one manual activation", q.jobs)
	}
}

func TestTriggerAgentRequiresParticipation(t *testing.T) {
	svc, _, _, _ := setup(t, models.ModeManualTrigger, "alpha")
	if err := svc.TriggerAgent(context.Background(), "c1", "stranger"); err == nil {
		t.Fatal("non-participant trigger should fail")
	}
}
