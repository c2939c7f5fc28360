package agent

import "encoding/json"

// EventType tags a StreamEvent.
type EventType string

const (
	// EventToken carries a fragment of model-generated text.
	EventToken EventType = "token"

	// EventToolResult notifies that one invocation reached a terminal result.
	EventToolResult EventType = "toolResult"

	// EventError is the terminal event of a failed turn.
	EventError EventType = "error"

	// EventDone is the terminal event of a completed turn. Emitted exactly
	// once, only after the token stream finished.
	EventDone EventType = "done"
)

// StreamEvent is one element of the merged response stream delivered to the
// client: a tagged union of token, toolResult, error, and done. Exactly one
// payload field matching Type is set.
type StreamEvent struct {
	Type       EventType        `json:"type"`
	Token      string           `json:"token,omitempty"`
	ToolResult *ToolResultEvent `json:"toolResult,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}

// ToolResultEvent reports the terminal outcome of one tool invocation.
// A rejection is delivered the same way as a success, distinguished only by
// its value content; IsError marks execution failures.
type ToolResultEvent struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Value      json.RawMessage `json:"value"`
	IsError    bool            `json:"isError,omitempty"`
}

// ErrorEvent describes a turn-fatal failure. Tokens and tool results already
// emitted before it remain delivered.
type ErrorEvent struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}
