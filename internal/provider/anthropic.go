package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// minThinkingBudget is Anthropic's floor for extended thinking budgets.
const minThinkingBudget = 1024

// defaultThinkingBudget is used when a request enables thinking without
// specifying a budget.
const defaultThinkingBudget = 10000

// AnthropicClient talks to the Anthropic Messages API directly. It is the
// backend the router selects when a model family supports extended
// thinking and direct credentials are configured.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient builds a direct Anthropic client. baseURL may be
// empty to use the default endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", NameAnthropic),
	}
}

func (c *AnthropicClient) Name() string { return NameAnthropic }

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *Chunk, 16)
	go func() {
		defer close(out)
		c.run(ctx, req, params, out)
	}()
	return out, nil
}

func (c *AnthropicClient) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if req.EnableThinking {
		budget := req.ThinkingBudgetTokens
		if budget < minThinkingBudget {
			budget = defaultThinkingBudget
		}
		// The API requires max_tokens to exceed the thinking budget.
		if maxTokens <= budget {
			params.MaxTokens = int64(budget + maxTokens)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	msgs, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			raw, err := json.Marshal(t.Parameters)
			if err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("encode tool schema for %s: %w", t.Name, err)
			}
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(raw, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: schema,
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func anthropicMessages(turns []Turn) ([]anthropic.MessageParam, error) {
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "user":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(t.ToolCalls))
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			for _, tc := range t.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("decode tool input for %s: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.ToolResults))
			for _, tr := range t.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			// Tool results travel in a user-role message.
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported turn role %q", t.Role)
		}
	}
	return msgs, nil
}

func (c *AnthropicClient) run(ctx context.Context, req *Request, params anthropic.MessageNewParams, out chan<- *Chunk) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	var (
		activeTool  *ToolCall
		toolArgs    []byte
		startedOnce bool
	)

	emit := func(ch *Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			msg := event.AsMessageStart().Message
			startedOnce = true
			if !emit(&Chunk{Start: true, InputTokens: int(msg.Usage.InputTokens)}) {
				return
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				activeTool = &ToolCall{ID: use.ID, Name: use.Name}
				toolArgs = toolArgs[:0]
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if !emit(&Chunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if !emit(&Chunk{Thinking: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				toolArgs = append(toolArgs, delta.PartialJSON...)
			}
		case "content_block_stop":
			if activeTool != nil {
				if len(toolArgs) == 0 {
					activeTool.Input = json.RawMessage(`{}`)
				} else {
					activeTool.Input = json.RawMessage(append([]byte(nil), toolArgs...))
				}
				if !emit(&Chunk{ToolCall: activeTool}) {
					return
				}
				activeTool = nil
			}
		case "message_delta":
			usage := event.AsMessageDelta().Usage
			if !emit(&Chunk{Done: true, OutputTokens: int(usage.OutputTokens)}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := c.wrapError(req.Model, err)
		c.logger.Warn("stream failed", "model", req.Model, "reason", ReasonOf(wrapped), "error", err)
		emit(&Chunk{Error: wrapped})
		return
	}
	if !startedOnce {
		emit(&Chunk{Error: NewError(NameAnthropic, req.Model, 0, "", "stream ended without message_start", nil)})
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := ""
		message := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				code = payload.Error.Type
				message = payload.Error.Message
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if message == "" {
			message = err.Error()
		}
		pe := NewError(NameAnthropic, model, apiErr.StatusCode, code, message, err)
		pe.RequestID = requestID
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Provider: NameAnthropic, Model: model, Message: err.Error(), Cause: err}
	}
	return NewError(NameAnthropic, model, 0, "", err.Error(), err)
}
