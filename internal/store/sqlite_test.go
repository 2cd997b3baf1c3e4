package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/roundtablehq/roundtable/pkg/models"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConversationRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	conv := newConversation("c1", models.ModeManualTrigger, now)
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mode != models.ModeManualTrigger || got.Title != conv.Title {
		t.Fatalf("got %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, now)
	}

	if err := s.RemoveConversation(ctx, "c1", now); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed conversation visible, err = %v", err)
	}
}

func TestSQLiteHistoryLimitKeepsOrder(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	mustCreate(t, s, newConversation("c1", models.ModeAutoRespond, now))

	for i, id := range []string{"m0", "m1", "m2", "m3"} {
		appendMsg(t, s, "c1", id, models.RoleHuman, "", "msg "+id, now.Add(time.Duration(i)*time.Second))
	}
	history, err := s.History(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "m2" || history[1].ID != "m3" {
		t.Fatalf("history = %+v, want m2 then m3", history)
	}
}

func TestSQLiteReopenScopedToConversation(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	mustCreate(t, s, newConversation("c1", models.ModeManualTrigger, now), "alpha", "beta")
	mustCreate(t, s, newConversation("c2", models.ModeManualTrigger, now), "alpha")

	for _, pair := range [][2]string{{"c1", "alpha"}, {"c1", "beta"}, {"c2", "alpha"}} {
		if err := s.CloseForInitiation(ctx, pair[0], pair[1], now); err != nil {
			t.Fatalf("close %v: %v", pair, err)
		}
	}
	n, err := s.ReopenConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n != 2 {
		t.Fatalf("reopened = %d, want 2", n)
	}
	p, err := s.GetParticipation(ctx, "c2", "alpha")
	if err != nil || !p.Closed() {
		t.Fatalf("c2/alpha should remain closed, err=%v", err)
	}
}

func TestSQLiteBorrowedContextJSON(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	mustCreate(t, s, newConversation("c1", models.ModeAutoRespond, now), "alpha")

	bc := &models.BorrowedContext{
		SourceConversationID: "src",
		Messages: []models.BorrowedMessage{
			{Author: "bob", Content: "first"},
			{Author: "Beta", Content: "second"},
		},
		StagedAt: now,
	}
	if err := s.SetBorrowedContext(ctx, "c1", "alpha", bc); err != nil {
		t.Fatalf("set: %v", err)
	}
	p, err := s.GetParticipation(ctx, "c1", "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.BorrowedContext == nil || len(p.BorrowedContext.Messages) != 2 {
		t.Fatalf("borrowed = %+v", p.BorrowedContext)
	}
	if p.BorrowedContext.Messages[1].Author != "Beta" {
		t.Fatalf("messages = %+v", p.BorrowedContext.Messages)
	}

	if err := s.ClearBorrowedContext(ctx, "c1", "alpha"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	p, _ = s.GetParticipation(ctx, "c1", "alpha")
	if p.BorrowedContext != nil {
		t.Fatal("borrowed context should be cleared")
	}
}

func TestSQLiteContinuableExcludesSelfLastAuthor(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreate(t, s, newConversation("c1", models.ModeManualTrigger, now), "alpha", "beta")
	appendMsg(t, s, "c1", "m1", models.RoleAgent, "beta", "over to you", now)

	convs, err := s.ContinuableConversations(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("continuable: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("alpha should find c1 continuable, got %d", len(convs))
	}

	convs, err = s.ContinuableConversations(ctx, "beta", 10)
	if err != nil {
		t.Fatalf("continuable: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("beta spoke last and should find nothing, got %d", len(convs))
	}
}
