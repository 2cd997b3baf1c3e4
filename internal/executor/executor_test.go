package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roundtablehq/roundtable/internal/backoff"
	"github.com/roundtablehq/roundtable/internal/borrow"
	"github.com/roundtablehq/roundtable/internal/broadcast"
	"github.com/roundtablehq/roundtable/internal/provider"
	"github.com/roundtablehq/roundtable/internal/routing"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/internal/tools"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// scriptClient replays pre-scripted chunk sequences, one per Stream
// call. Calls beyond the script reuse the last sequence.
type scriptClient struct {
	mu       sync.Mutex
	scripts  [][]provider.Chunk
	requests []*provider.Request
}

func (c *scriptClient) Name() string { return provider.NameOpenRouter }

func (c *scriptClient) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	c.mu.Lock()
	idx := len(c.requests)
	snapshot := *req
	snapshot.Messages = append([]provider.Turn(nil), req.Messages...)
	c.requests = append(c.requests, &snapshot)
	var script []provider.Chunk
	if idx < len(c.scripts) {
		script = c.scripts[idx]
	} else if n := len(c.scripts); n > 0 {
		script = c.scripts[n-1]
	}
	c.mu.Unlock()

	ch := make(chan *provider.Chunk, len(script))
	for i := range script {
		ch <- &script[i]
	}
	close(ch)
	return ch, nil
}

func (c *scriptClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptClient) request(i int) *provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type captureEvents struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (c *captureEvents) Publish(event broadcast.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureEvents) named(name string) []broadcast.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []broadcast.Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type captureFanOut struct {
	mu    sync.Mutex
	convs []string
}

func (c *captureFanOut) FanOut(ctx context.Context, conversationID string) {
	c.mu.Lock()
	c.convs = append(c.convs, conversationID)
	c.mu.Unlock()
}

type fixture struct {
	store  store.Store
	client *scriptClient
	events *captureEvents
	fanout *captureFanOut
	exec   *Executor
}

func newFixture(t *testing.T, scripts [][]provider.Chunk, mutate func(*Options)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	client := &scriptClient{scripts: scripts}
	events := &captureEvents{}
	fanout := &captureFanOut{}

	opts := Options{
		Store:     st,
		Router:    routing.NewRouter(map[string]routing.ModelCapability{}, nil, nil),
		Providers: map[string]provider.Client{provider.NameOpenRouter: client},
		Registry: tools.NewRegistry(
			tools.NewCloseConversationTool(st),
			tools.NewBorrowContextTool(borrow.NewService(st, nil)),
		),
		Events:    events,
		Summaries: fanout,
		Backoff:   backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{store: st, client: client, events: events, fanout: fanout, exec: New(opts)}
}

func (f *fixture) seedAgent(t *testing.T, id, name string, toolNames ...string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.CreateAgent(context.Background(), &models.Agent{
		ID: id, Name: name, Model: "openai/gpt-4o", Tools: toolNames,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
}

func (f *fixture) seedConversation(t *testing.T, convID string, agents ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := f.store.CreateConversation(ctx, &models.Conversation{
		ID: convID, Mode: models.ModeAutoRespond, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, id := range agents {
		err := f.store.AddParticipant(ctx, &models.Participation{
			ID: convID + "-" + id, ConversationID: convID, AgentID: id, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
}

func (f *fixture) seedHuman(t *testing.T, convID, msgID, author, content string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.AppendMessage(context.Background(), &models.Message{
		ID: msgID, ConversationID: convID, Role: models.RoleHuman,
		AuthorName: author, Content: content, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func successScript(text string) []provider.Chunk {
	return []provider.Chunk{
		{Start: true, InputTokens: 12},
		{Text: text},
		{Done: true, OutputTokens: 7},
	}
}

func errorScript(status int) []provider.Chunk {
	return []provider.Chunk{
		{Error: provider.NewError("openrouter", "openai/gpt-4o", status, "", "", nil)},
	}
}

func TestExecuteStreamsResponse(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{successScript("Hello there")}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi everyone")

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if act.State != StateDone || act.Provider != provider.NameOpenRouter {
		t.Fatalf("activation = %+v", act)
	}
	if act.MessageID == "" {
		t.Fatal("activation should record its message id")
	}

	history, err := f.store.History(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d messages, want 2", len(history))
	}
	msg := history[1]
	if msg.Content != "Hello there" || msg.Streaming || msg.AgentID != "alpha" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.InputTokens != 12 || msg.OutputTokens != 7 {
		t.Fatalf("tokens = %d/%d, want 12/7", msg.InputTokens, msg.OutputTokens)
	}

	if got := f.events.named(models.EventStreamingEnd); len(got) != 1 {
		t.Fatalf("streaming_end events = %d, want 1", len(got))
	}
	if len(f.fanout.convs) != 1 || f.fanout.convs[0] != "c1" {
		t.Fatalf("summary fanout = %v, want [c1]", f.fanout.convs)
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{
		errorScript(429),
		successScript("second try worked"),
	}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if act.State != StateDone || act.Attempts != 2 {
		t.Fatalf("activation = %+v", act)
	}
	if f.client.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.client.callCount())
	}

	errs := f.events.named(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	payload, _ := errs[0].Payload.(map[string]any)
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "retrying") {
		t.Fatalf("error event message = %q", msg)
	}
}

func TestExecuteFailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{errorScript(500)}, func(o *Options) {
		o.Config.MaxAttempts = 2
	})
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err == nil {
		t.Fatal("expected failure after attempts exhausted")
	}
	if act.State != StateFailed {
		t.Fatalf("state = %s, want %s", act.State, StateFailed)
	}
	if f.client.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.client.callCount())
	}
	if got := provider.ReasonOf(err); got != provider.ReasonServerError {
		t.Fatalf("reason = %s, want %s", got, provider.ReasonServerError)
	}
}

func TestExecuteDoesNotRetryFatalErrors(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{errorScript(401)}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	if _, err := f.exec.Execute(context.Background(), "c1", "alpha"); err == nil {
		t.Fatal("auth failure should propagate")
	}
	if f.client.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retry)", f.client.callCount())
	}
	errs := f.events.named(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	payload, _ := errs[0].Payload.(map[string]any)
	if msg, _ := payload["message"].(string); strings.Contains(msg, "retrying") {
		t.Fatalf("fatal error should not announce a retry: %q", msg)
	}
}

func TestModelNotFoundRefreshesCatalogOnce(t *testing.T) {
	var fetches int
	catalog := provider.NewCatalog(func(ctx context.Context) ([]string, error) {
		fetches++
		return []string{"openai/gpt-4o"}, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := newFixture(t, [][]provider.Chunk{errorScript(404)}, func(o *Options) {
		o.Catalog = catalog
	})
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	if _, err := f.exec.Execute(context.Background(), "c1", "alpha"); err == nil {
		t.Fatal("persistent model_not_found should fail")
	}
	// The refreshed catalog lists the model, so exactly one retry runs.
	if fetches != 1 {
		t.Fatalf("catalog fetches = %d, want 1", fetches)
	}
	if f.client.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2 (once before, once after refresh)", f.client.callCount())
	}
}

func TestModelAbsentFromRefreshedCatalogSkipsRetry(t *testing.T) {
	var fetches int
	catalog := provider.NewCatalog(func(ctx context.Context) ([]string, error) {
		fetches++
		return []string{"openai/gpt-4o-mini"}, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := newFixture(t, [][]provider.Chunk{errorScript(404)}, func(o *Options) {
		o.Catalog = catalog
	})
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	if _, err := f.exec.Execute(context.Background(), "c1", "alpha"); err == nil {
		t.Fatal("model missing from the catalog should fail")
	}
	if fetches != 1 {
		t.Fatalf("catalog fetches = %d, want 1", fetches)
	}
	if f.client.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1 (catalog confirms the model is gone)", f.client.callCount())
	}
}

func TestEmptyStreamDeletesMessage(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{{
		{Start: true},
		{Done: true},
	}}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err == nil {
		t.Fatal("an empty response is a failure")
	}
	if act.MessageID != "" {
		t.Fatalf("message id = %q, want empty after cleanup", act.MessageID)
	}
	history, _ := f.store.History(context.Background(), "c1", 10)
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want only the human one", len(history))
	}
}

func TestToolOnlyResponseIsSilentSuccess(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{
		{
			{Start: true},
			{ToolCall: &provider.ToolCall{ID: "t1", Name: "close_conversation", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{
			{Start: true},
			{Done: true},
		},
	}, nil)
	f.seedAgent(t, "alpha", "Alpha", "close_conversation")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "please wrap up")

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if act.State != StateDone {
		t.Fatalf("state = %s, want %s", act.State, StateDone)
	}

	p, err := f.store.GetParticipation(context.Background(), "c1", "alpha")
	if err != nil {
		t.Fatalf("get participation: %v", err)
	}
	if !p.Closed() {
		t.Fatal("close_conversation tool should have closed the participation")
	}

	// Quiet tool: no status announcement, and the empty message row is gone.
	if got := f.events.named(models.EventAgentStatus); len(got) != 0 {
		t.Fatalf("agent_status events = %d, want 0 for a quiet tool", len(got))
	}
	history, _ := f.store.History(context.Background(), "c1", 10)
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want only the human one", len(history))
	}
}

func TestToolRoundFeedsResultsBack(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{
		{
			{Start: true},
			{ToolCall: &provider.ToolCall{ID: "t1", Name: "close_conversation", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		successScript("All wrapped up."),
	}, nil)
	f.seedAgent(t, "alpha", "Alpha", "close_conversation")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "please wrap up")

	if _, err := f.exec.Execute(context.Background(), "c1", "alpha"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.client.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.client.callCount())
	}

	second := f.client.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 {
		t.Fatalf("final turn = %+v, want tool results", last)
	}
	if last.ToolResults[0].ToolCallID != "t1" || last.ToolResults[0].IsError {
		t.Fatalf("tool result = %+v", last.ToolResults[0])
	}
	assistant := second.Messages[len(second.Messages)-2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant turn = %+v, want the tool call", assistant)
	}

	history, _ := f.store.History(context.Background(), "c1", 10)
	if len(history) != 2 || history[1].Content != "All wrapped up." {
		t.Fatalf("history = %+v", history)
	}
	if len(history[1].ToolsUsed) != 1 || history[1].ToolsUsed[0] != "close_conversation" {
		t.Fatalf("tools used = %v", history[1].ToolsUsed)
	}
}

func TestBorrowedContextReadAndConsumed(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{successScript("Noted, plan B it is.")}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "what did we decide?")

	ctx := context.Background()
	borrowed := &models.BorrowedContext{
		SourceConversationID: "src",
		StagedAt:             time.Now().UTC(),
		Messages: []models.BorrowedMessage{
			{Author: "dave", Content: "decision: go with plan B"},
		},
	}
	if err := f.store.SetBorrowedContext(ctx, "c1", "alpha", borrowed); err != nil {
		t.Fatalf("set borrowed: %v", err)
	}

	if _, err := f.exec.Execute(ctx, "c1", "alpha"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	system := f.client.request(0).System
	if !strings.Contains(system, "Context you borrowed from conversation src") ||
		!strings.Contains(system, "dave: decision: go with plan B") {
		t.Fatalf("system prompt missing borrowed block:\n%s", system)
	}

	p, _ := f.store.GetParticipation(ctx, "c1", "alpha")
	if p.BorrowedContext != nil {
		t.Fatal("borrowed context should be consumed on success")
	}
}

func TestBorrowedContextSurvivesFailure(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{errorScript(401)}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "hi")

	ctx := context.Background()
	borrowed := &models.BorrowedContext{
		SourceConversationID: "src",
		StagedAt:             time.Now().UTC(),
		Messages:             []models.BorrowedMessage{{Author: "dave", Content: "keep me"}},
	}
	if err := f.store.SetBorrowedContext(ctx, "c1", "alpha", borrowed); err != nil {
		t.Fatalf("set borrowed: %v", err)
	}

	if _, err := f.exec.Execute(ctx, "c1", "alpha"); err == nil {
		t.Fatal("expected provider failure")
	}
	p, _ := f.store.GetParticipation(ctx, "c1", "alpha")
	if p.BorrowedContext == nil {
		t.Fatal("failed activation must not consume borrowed context")
	}
}

func TestBorrowStagedDuringActivationSurvivesSuccess(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{
		{
			{Start: true},
			{ToolCall: &provider.ToolCall{ID: "t1", Name: "borrow_context", Input: json.RawMessage(`{"conversation_id":"src"}`)}},
			{Done: true},
		},
		successScript("I pulled in the other thread."),
	}, nil)
	f.seedAgent(t, "alpha", "Alpha", "borrow_context")
	f.seedConversation(t, "c1", "alpha")
	f.seedConversation(t, "src", "alpha")
	f.seedHuman(t, "c1", "m1", "carol", "check the other thread")
	f.seedHuman(t, "src", "m2", "dave", "plan B is approved")

	ctx := context.Background()
	if _, err := f.exec.Execute(ctx, "c1", "alpha"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Nothing was read at prompt time, so the staging made by this very
	// activation must survive for the next one.
	p, _ := f.store.GetParticipation(ctx, "c1", "alpha")
	if p.BorrowedContext == nil || p.BorrowedContext.SourceConversationID != "src" {
		t.Fatalf("borrowed = %+v, want staging from src intact", p.BorrowedContext)
	}
}

func TestHistoryRendering(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{successScript("ok")}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha", "beta")
	ctx := context.Background()
	now := time.Now().UTC()

	msgs := []*models.Message{
		{ID: "m1", Role: models.RoleHuman, AuthorName: "carol", Content: "hi all"},
		{ID: "m2", Role: models.RoleAgent, AgentID: "alpha", AuthorName: "Alpha", Content: "hello carol"},
		{ID: "m3", Role: models.RoleAgent, AgentID: "beta", AuthorName: "Beta", Content: "hey there"},
		{ID: "m4", Role: models.RoleHuman, AuthorName: "carol", Content: "one more thing"},
	}
	for i, m := range msgs {
		m.ConversationID = "c1"
		m.CreatedAt = now.Add(time.Duration(i) * time.Second)
		m.UpdatedAt = m.CreatedAt
		if err := f.store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append %s: %v", m.ID, err)
		}
	}

	if _, err := f.exec.Execute(ctx, "c1", "alpha"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	turns := f.client.request(0).Messages
	want := []provider.Turn{
		{Role: "user", Content: "carol: hi all"},
		{Role: "assistant", Content: "hello carol"},
		{Role: "user", Content: "Beta: hey there\ncarol: one more thing"},
	}
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d: %+v", len(turns), len(want), turns)
	}
	for i := range want {
		if turns[i].Role != want[i].Role || turns[i].Content != want[i].Content {
			t.Fatalf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}

	system := f.client.request(0).System
	if !strings.Contains(system, "You are Alpha") {
		t.Fatalf("system prompt = %q", system)
	}
}

func TestRemovedConversationIsSkipped(t *testing.T) {
	f := newFixture(t, [][]provider.Chunk{successScript("never sent")}, nil)
	f.seedAgent(t, "alpha", "Alpha")
	f.seedConversation(t, "c1", "alpha")
	if err := f.store.RemoveConversation(context.Background(), "c1", time.Now().UTC()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	act, err := f.exec.Execute(context.Background(), "c1", "alpha")
	if err != nil {
		t.Fatalf("activation against a removed conversation should be a no-op, got %v", err)
	}
	if act.State != StateDone {
		t.Fatalf("state = %s", act.State)
	}
	if f.client.callCount() != 0 {
		t.Fatalf("provider calls = %d, want 0", f.client.callCount())
	}
}
