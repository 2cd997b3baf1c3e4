package executor

import (
	"context"
	"fmt"

	"github.com/roundtablehq/roundtable/internal/broadcast"
	"github.com/roundtablehq/roundtable/internal/provider"
	"github.com/roundtablehq/roundtable/internal/tools"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// streamRun owns the message row and buffers for one provider exchange.
// One row serves all tool rounds of the exchange; a retry after failure
// starts a fresh run.
type streamRun struct {
	executor *Executor
	act      *Activation
	agent    *models.Agent

	message  *models.Message
	content  *StreamBuffer
	thinking *StreamBuffer

	// consumeBorrowed is set when borrowed context was read into this
	// activation's prompt; only then does success clear the staging.
	consumeBorrowed bool

	inputTokens  int
	outputTokens int
	toolsUsed    []string
}

// consume drains one provider stream, returning any tool calls the model
// requested. The message row is created on the first start chunk.
func (r *streamRun) consume(ctx context.Context, client provider.Client, req *provider.Request) ([]provider.ToolCall, error) {
	e := r.executor
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var calls []provider.ToolCall
	done := false
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			return nil, chunk.Error
		case chunk.Start:
			if chunk.InputTokens > 0 {
				r.inputTokens = chunk.InputTokens
			}
			if r.message == nil {
				if err := r.createMessage(ctx); err != nil {
					return nil, err
				}
			}
		case chunk.Text != "":
			r.content.Append(chunk.Text)
			r.act.State = StateStreaming
			if out, ok := r.content.FlushIfDue(); ok {
				if err := r.persist(ctx); err != nil {
					return nil, err
				}
				r.publishChunk(models.EventStreamingUpdate, out)
			}
		case chunk.Thinking != "":
			r.thinking.Append(chunk.Thinking)
			r.act.State = StateStreaming
			if out, ok := r.thinking.FlushIfDue(); ok {
				if err := r.persist(ctx); err != nil {
					return nil, err
				}
				r.publishChunk(models.EventThinkingUpdate, out)
			}
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Done:
			done = true
			if chunk.InputTokens > 0 {
				r.inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				r.outputTokens += chunk.OutputTokens
			}
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errStreamInterrupted
	}
	if e.metrics != nil && (r.inputTokens > 0 || r.outputTokens > 0) {
		e.metrics.LLMTokensUsed.WithLabelValues(r.act.Provider, req.Model, "prompt").Add(float64(r.inputTokens))
		e.metrics.LLMTokensUsed.WithLabelValues(r.act.Provider, req.Model, "completion").Add(float64(r.outputTokens))
	}
	return calls, nil
}

func (r *streamRun) createMessage(ctx context.Context) error {
	e := r.executor
	now := e.now().UTC()
	r.message = &models.Message{
		ID:             e.newID(),
		ConversationID: r.act.ConversationID,
		Role:           models.RoleAgent,
		AgentID:        r.agent.ID,
		AuthorName:     r.agent.Name,
		Streaming:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.AppendMessage(ctx, r.message); err != nil {
		return fmt.Errorf("create streaming message: %w", err)
	}
	r.act.MessageID = r.message.ID
	return nil
}

// persist writes the current buffered totals onto the message row.
func (r *streamRun) persist(ctx context.Context) error {
	if r.message == nil {
		return nil
	}
	r.message.Content = r.content.Total()
	r.message.Thinking = r.thinking.Total()
	r.message.UpdatedAt = r.executor.now().UTC()
	if err := r.executor.store.UpdateMessage(ctx, r.message); err != nil {
		return fmt.Errorf("persist streaming message: %w", err)
	}
	return nil
}

func (r *streamRun) publishChunk(event, chunk string) {
	if r.message == nil {
		return
	}
	r.executor.publish(broadcast.Event{
		Name:           event,
		ConversationID: r.act.ConversationID,
		Payload:        map[string]any{"message_id": r.message.ID, "chunk": chunk},
	})
}

// executeTools runs each call and returns results for the next round.
// Tool failures become error-flagged results; they never abort the
// activation.
func (r *streamRun) executeTools(ctx context.Context, calls []provider.ToolCall) []provider.ToolResult {
	e := r.executor
	inv := tools.Invocation{ConversationID: r.act.ConversationID, AgentID: r.agent.ID}
	results := make([]provider.ToolResult, 0, len(calls))
	for _, call := range calls {
		r.toolsUsed = append(r.toolsUsed, call.Name)
		if !tools.IsQuiet(call.Name) {
			r.setStatus(ctx, "Using "+call.Name)
		}

		output, err := e.registry.Execute(ctx, inv, call)
		status := "success"
		if err != nil {
			status = "error"
			output = err.Error()
			e.logger.Warn("tool execution failed",
				"tool", call.Name,
				"conversation_id", r.act.ConversationID,
				"agent_id", r.agent.ID,
				"error", err)
		}
		if e.metrics != nil {
			e.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		}
		results = append(results, provider.ToolResult{
			ToolCallID: call.ID,
			Content:    output,
			IsError:    err != nil,
		})
	}
	r.setStatus(ctx, "")
	return results
}

// setStatus updates the transient activity line and broadcasts it. Quiet
// tools never reach here.
func (r *streamRun) setStatus(ctx context.Context, status string) {
	if r.message == nil || r.message.Status == status {
		return
	}
	r.message.Status = status
	r.message.UpdatedAt = r.executor.now().UTC()
	if err := r.executor.store.UpdateMessage(ctx, r.message); err != nil {
		r.executor.logger.Warn("status update failed", "message_id", r.message.ID, "error", err)
		return
	}
	if status != "" {
		r.executor.publish(broadcast.Event{
			Name:           models.EventAgentStatus,
			ConversationID: r.act.ConversationID,
			Payload:        map[string]any{"message_id": r.message.ID, "status": status},
		})
	}
}

// finalize flushes the tail, marks the message complete, clears borrowed
// context, and queues summary regeneration.
func (r *streamRun) finalize(ctx context.Context) error {
	e := r.executor
	r.act.State = StateFinalizing

	if out, ok := r.content.FlushForce(); ok {
		r.publishChunk(models.EventStreamingUpdate, out)
	}
	if out, ok := r.thinking.FlushForce(); ok {
		r.publishChunk(models.EventThinkingUpdate, out)
	}

	// No text at all: delete the empty row. If the model spent its turn
	// on tool calls alone (closing the conversation, staging context)
	// that is still a completed activation, just a silent one.
	if r.message == nil || r.content.Total() == "" {
		r.cleanup(ctx)
		if len(r.toolsUsed) > 0 {
			r.clearBorrowed(ctx)
			return nil
		}
		return errStreamInterrupted
	}

	now := e.now().UTC()
	r.message.Content = r.content.Total()
	r.message.Thinking = r.thinking.Total()
	r.message.Streaming = false
	r.message.Status = ""
	r.message.InputTokens = r.inputTokens
	r.message.OutputTokens = r.outputTokens
	r.message.ToolsUsed = r.toolsUsed
	r.message.UpdatedAt = now
	if err := e.store.UpdateMessage(ctx, r.message); err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	e.publish(broadcast.Event{
		Name:           models.EventStreamingEnd,
		ConversationID: r.act.ConversationID,
		Payload:        map[string]any{"message_id": r.message.ID},
	})

	if err := e.store.TouchConversation(ctx, r.act.ConversationID, now); err != nil {
		e.logger.Warn("touch conversation failed", "conversation_id", r.act.ConversationID, "error", err)
	}
	r.clearBorrowed(ctx)
	if e.summaries != nil {
		e.summaries.FanOut(ctx, r.act.ConversationID)
	}
	return nil
}

// clearBorrowed consumes staged context after a successful activation.
// It is skipped when nothing was read at prompt time, so a borrow staged
// during this activation survives for the next one. A failed or retried
// activation never reaches here, which keeps the staging intact.
func (r *streamRun) clearBorrowed(ctx context.Context) {
	if !r.consumeBorrowed {
		return
	}
	e := r.executor
	if err := e.store.ClearBorrowedContext(ctx, r.act.ConversationID, r.agent.ID); err != nil {
		e.logger.Warn("clear borrowed context failed",
			"conversation_id", r.act.ConversationID,
			"agent_id", r.agent.ID,
			"error", err)
	}
}

// cleanup disposes of the message row after a failed exchange: an empty
// streaming row is deleted, a partially streamed row is closed out so it
// does not sit in streaming state forever.
func (r *streamRun) cleanup(ctx context.Context) {
	if r.message == nil {
		return
	}
	e := r.executor
	if r.content.Total() == "" {
		if err := e.store.DeleteMessage(ctx, r.message.ID); err != nil {
			e.logger.Warn("delete empty streaming message failed",
				"message_id", r.message.ID, "error", err)
		}
		r.message = nil
		r.act.MessageID = ""
		return
	}
	r.message.Content = r.content.Total()
	r.message.Thinking = r.thinking.Total()
	r.message.Streaming = false
	r.message.Status = ""
	r.message.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateMessage(ctx, r.message); err != nil {
		e.logger.Warn("close partial streaming message failed",
			"message_id", r.message.ID, "error", err)
	}
	e.publish(broadcast.Event{
		Name:           models.EventStreamingEnd,
		ConversationID: r.act.ConversationID,
		Payload:        map[string]any{"message_id": r.message.ID},
	})
}
