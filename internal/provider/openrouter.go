package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig holds settings for the aggregator client.
type OpenRouterConfig struct {
	// APIKey is the OpenRouter API key (required).
	APIKey string

	// BaseURL overrides the default endpoint, mainly for tests.
	BaseURL string

	// AppName is sent as the X-Title header for OpenRouter's dashboard.
	AppName string

	// SiteURL is sent as the HTTP-Referer header.
	SiteURL string
}

// OpenRouterClient is the generic aggregator backend. OpenRouter exposes an
// OpenAI-compatible API over models from many upstream providers, addressed
// as "vendor/model-name". It is the router's default and final fallback.
type OpenRouterClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenRouterClient builds the aggregator client.
func NewOpenRouterClient(cfg OpenRouterConfig, logger *slog.Logger) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = openRouterBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.AppName != "" || cfg.SiteURL != "" {
		clientConfig.HTTPClient = &http.Client{
			Transport: &attributionTransport{
				appName: cfg.AppName,
				siteURL: cfg.SiteURL,
				next:    http.DefaultTransport,
			},
		}
	}
	return &OpenRouterClient{
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger.With("provider", NameOpenRouter),
	}, nil
}

// attributionTransport adds OpenRouter's app identification headers.
type attributionTransport struct {
	appName string
	siteURL string
	next    http.RoundTripper
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.appName != "" {
		clone.Header.Set("X-Title", t.appName)
	}
	if t.siteURL != "" {
		clone.Header.Set("HTTP-Referer", t.siteURL)
	}
	return t.next.RoundTrip(clone)
}

func (c *OpenRouterClient) Name() string { return NameOpenRouter }

// Stream implements Client.
func (c *OpenRouterClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		chatReq.Tools = tools
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(req.Model, err)
	}

	out := make(chan *Chunk, 16)
	go c.processStream(ctx, req.Model, stream, out)
	return out, nil
}

func (c *OpenRouterClient) processStream(ctx context.Context, model string, stream *openai.ChatCompletionStream, out chan<- *Chunk) {
	defer close(out)
	defer stream.Close()

	emit := func(ch *Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Partial tool calls accumulate by stream index until the finish reason
	// or EOF makes them complete.
	toolCalls := make(map[int]*ToolCall)
	flushTools := func() bool {
		for _, tc := range toolCalls {
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage(`{}`)
			}
			if !emit(&Chunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*ToolCall)
		return true
	}

	started := false
	var inputTokens, outputTokens int

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushTools() {
					return
				}
				emit(&Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			wrapped := c.wrapError(model, err)
			c.logger.Warn("stream failed", "model", model, "reason", ReasonOf(wrapped), "error", err)
			emit(&Chunk{Error: wrapped})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		if !started {
			started = true
			if !emit(&Chunk{Start: true}) {
				return
			}
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			if !emit(&Chunk{Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if !flushTools() {
				return
			}
		}
	}
}

// openAIMessages flattens turns to the OpenAI chat shape. Tool results
// become individual "tool" role messages keyed by tool call ID.
func openAIMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.Messages {
		switch turn.Role {
		case "user":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Content,
			})
		case "assistant":
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			for _, tc := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, msg)
		case "tool":
			for _, tr := range turn.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "error: " + content
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	return result
}

// ListModelIDs fetches the aggregator's current model catalog.
func (c *OpenRouterClient) ListModelIDs(ctx context.Context) ([]string, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("openrouter: list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *OpenRouterClient) wrapError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return NewError(NameOpenRouter, model, apiErr.HTTPStatusCode, code, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(NameOpenRouter, model, reqErr.HTTPStatusCode, "", reqErr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Provider: NameOpenRouter, Model: model, Message: err.Error(), Cause: err}
	}
	return NewError(NameOpenRouter, model, 0, "", err.Error(), err)
}
