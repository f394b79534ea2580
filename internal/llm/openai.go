package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mobo/internal/httpkit"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIConfig configures an [OpenAIClient]. Any OpenAI-compatible
// endpoint works, including OpenRouter and Ollama's /v1 API.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAIClient talks to the Chat Completions API.
type OpenAIClient struct {
	api    openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. The SDK's own retries are disabled;
// a failed call is reported to the caller, which decides how to degrade.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{api: openai.NewClient(opts...), logger: logger}
}

// Chat sends one chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	params, err := openAIParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat %s: %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Model:        resp.Model,
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}

	c.logger.Debug("openai chat complete",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "openai response content", "content", out.Text)
	return out, nil
}

func openAIParams(req Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	for _, m := range req.Messages {
		switch m := m.(type) {
		case SystemMessage:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case UserMessage:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		case AssistantMessage:
			if len(m.ToolCalls) == 0 {
				params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return params, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(args),
						},
					},
				})
			}
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case ToolResultMessage:
			params.Messages = append(params.Messages, openai.ToolMessage(m.Content, m.CallID))
		default:
			return params, fmt.Errorf("unsupported message type %T", m)
		}
	}

	for _, t := range req.Tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(fn))
	}
	return params, nil
}

// decodeArguments parses a tool call's JSON argument string. Models
// occasionally emit invalid JSON; the raw text is kept under "_raw" so
// the tool can report a useful error.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
