package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roundtablehq/roundtable/internal/store"
)

// CloseConversationTool marks the agent's participation in the current
// conversation closed for autonomous initiation. The agent still
// responds when directly triggered, and any human message reopens it.
type CloseConversationTool struct {
	store store.Store
}

// NewCloseConversationTool builds the tool over the store.
func NewCloseConversationTool(st store.Store) *CloseConversationTool {
	return &CloseConversationTool{store: st}
}

func (t *CloseConversationTool) Name() string { return "close_conversation" }

func (t *CloseConversationTool) Description() string {
	return "Stop autonomously continuing this conversation. Use when the discussion has " +
		"reached a natural conclusion and nothing more needs saying. You will still " +
		"respond if a human posts or you are triggered directly."
}

func (t *CloseConversationTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *CloseConversationTool) Execute(ctx context.Context, inv Invocation, _ json.RawMessage) (string, error) {
	if err := t.store.CloseForInitiation(ctx, inv.ConversationID, inv.AgentID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("close conversation %s: %w", inv.ConversationID, err)
	}
	return "This conversation is closed for autonomous continuation. A human message will reopen it.", nil
}
