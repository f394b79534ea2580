// Package llm defines the provider-neutral chat interface used by the
// engine and the retrieval classifier, plus adapters for OpenAI-compatible
// endpoints and Anthropic.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one entry in a chat transcript. It is a closed set:
// [SystemMessage], [UserMessage], [AssistantMessage] and
// [ToolResultMessage].
type Message interface {
	Role() string
	isMessage()
}

// SystemMessage carries instructions.
type SystemMessage struct {
	Content string
}

// UserMessage is text from the person (or bot) being answered.
type UserMessage struct {
	Content string
}

// AssistantMessage is a prior model turn, possibly requesting tools.
type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolResultMessage answers one [ToolCall].
type ToolResultMessage struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (SystemMessage) Role() string     { return "system" }
func (UserMessage) Role() string       { return "user" }
func (AssistantMessage) Role() string  { return "assistant" }
func (ToolResultMessage) Role() string { return "tool" }

func (SystemMessage) isMessage()     {}
func (UserMessage) isMessage()       {}
func (AssistantMessage) isMessage()  {}
func (ToolResultMessage) isMessage() {}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	// ID is provider-assigned and echoed back in the ToolResultMessage.
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition advertises a tool to the model. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one chat completion call.
type Request struct {
	Model string
	// Temperature is left to the provider default when nil.
	Temperature *float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDefinition
}

// Response is a completed chat call.
type Response struct {
	Model        string
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client is implemented by every provider.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// Temperature returns a pointer for [Request.Temperature].
func Temperature(t float64) *float64 {
	return &t
}

// DefaultMaxTokens is used when a request leaves MaxTokens at zero.
const DefaultMaxTokens = 1024
