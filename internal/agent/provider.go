package agent

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

// Provider is the model invocation boundary. It accepts the effective history,
// the tool schema set, and a system prompt, and returns a token stream.
//
// Implementations must be safe for concurrent use; the runtime may stream
// several conversations at once through one provider.
type Provider interface {
	// Complete sends a request and returns a streaming response. The returned
	// channel is closed by the provider when the stream ends; a chunk carrying
	// Error is terminal.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai", "google").
	Name() string
}

// CompletionRequest contains all parameters for one model invocation.
type CompletionRequest struct {
	// Model selects the model; empty means the provider default.
	Model string `json:"model"`

	// System sets the assistant's behavior. Handled separately from messages
	// by most model APIs.
	System string `json:"system,omitempty"`

	// Messages is the effective conversation history in chronological order.
	// Every tool call in it is already resolved; providers may assume each
	// assistant tool call is followed by a matching tool output.
	Messages []CompletionMessage `json:"messages"`

	// Tools is the schema set the model may call. Empty disables tool use.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one history entry in provider-neutral form.
//
// Role values: "user", "assistant", "system", "tool". Tool-role messages carry
// ToolOutputs and no content.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []ToolCall          `json:"tool_calls,omitempty"`
	ToolOutputs []ToolOutput        `json:"tool_outputs,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolCall is a model-emitted request to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput is the recorded result of an earlier tool call, fed back to the
// model on the next step.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionChunk is a single chunk of a streaming model response.
//
// Each chunk carries partial text, a complete tool call, a terminal error, or
// the Done signal. Token counts are populated on the final chunk only.
type CompletionChunk struct {
	Text         string    `json:"text,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	Done         bool      `json:"done,omitempty"`
	Error        error     `json:"-"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
}
