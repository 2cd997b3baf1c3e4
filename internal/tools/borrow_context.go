package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roundtablehq/roundtable/internal/borrow"
)

// BorrowContextTool stages recent messages from one of the agent's other
// conversations into the current one.
type BorrowContextTool struct {
	service *borrow.Service
}

// NewBorrowContextTool wraps the borrow service as a tool.
func NewBorrowContextTool(service *borrow.Service) *BorrowContextTool {
	return &BorrowContextTool{service: service}
}

func (t *BorrowContextTool) Name() string { return "borrow_context" }

func (t *BorrowContextTool) Description() string {
	return "Bring recent messages from one of your other conversations into this one. " +
		"Use when the current discussion would benefit from context you have elsewhere. " +
		"The borrowed messages are added to your context on your next response."
}

func (t *BorrowContextTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"conversation_id": map[string]any{
				"type":        "string",
				"description": "ID of the conversation to borrow recent messages from",
			},
		},
		"required": []string{"conversation_id"},
	}
}

type borrowContextInput struct {
	ConversationID string `json:"conversation_id"`
}

func (t *BorrowContextTool) Execute(ctx context.Context, inv Invocation, input json.RawMessage) (string, error) {
	var params borrowContextInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if params.ConversationID == "" {
		return "", fmt.Errorf("conversation_id is required")
	}

	if err := t.service.Stage(ctx, inv.AgentID, inv.ConversationID, params.ConversationID); err != nil {
		valid, listErr := t.service.ValidSources(ctx, inv.AgentID, inv.ConversationID)
		if listErr == nil && len(valid) > 0 {
			return "", fmt.Errorf("%w; valid conversation ids: %s", err, strings.Join(valid, ", "))
		}
		return "", err
	}
	return fmt.Sprintf("Context from conversation %s staged; it will be included in your next response.", params.ConversationID), nil
}
