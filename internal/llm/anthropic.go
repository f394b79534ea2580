package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/nugget/mobo/internal/httpkit"
)

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	api    anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a client with SDK retries disabled.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))),
		option.WithMaxRetries(0),
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{api: anthropic.NewClient(opts...), logger: logger}
}

// Chat sends one Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat %s: %w", req.Model, err)
	}

	out := &Response{
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil || args == nil {
				args = map[string]any{"_raw": string(tu.Input)}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	out.Text = text.String()

	c.logger.Debug("anthropic chat complete",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "anthropic response content", "content", out.Text)
	return out, nil
}

func anthropicParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	// Tool results must all arrive in the user message that follows the
	// assistant's tool_use blocks, so consecutive results are merged.
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range req.Messages {
		if _, ok := m.(ToolResultMessage); !ok {
			flush()
		}
		switch m := m.(type) {
		case SystemMessage:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case UserMessage:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case AssistantMessage:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		case ToolResultMessage:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.CallID, m.Content, m.IsError))
		default:
			return params, fmt.Errorf("unsupported message type %T", m)
		}
	}
	flush()

	for _, t := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		tool.InputSchema.Required = requiredFields(t.Parameters["required"])
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
