package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// InvocationState tracks a tool invocation from proposal to terminal result.
type InvocationState string

const (
	// InvocationCall is the initial state: the model proposed the call and
	// no result has been recorded yet.
	InvocationCall InvocationState = "call"
	// InvocationPending means the call is waiting on a human decision.
	InvocationPending InvocationState = "pending"
	// InvocationRejected means a human declined the call. Terminal.
	InvocationRejected InvocationState = "rejected"
	// InvocationDone means a result (value or error value) was recorded. Terminal.
	InvocationDone InvocationState = "done"
)

// Terminal reports whether the state admits no further transitions.
func (s InvocationState) Terminal() bool {
	return s == InvocationRejected || s == InvocationDone
}

// CanTransition reports whether moving from s to next preserves the monotonic
// order call -> pending -> (rejected | done), with call -> done allowed for
// auto-executed calls. Writing the same state again is a no-op and allowed.
func (s InvocationState) CanTransition(next InvocationState) bool {
	if s == next {
		return true
	}
	switch s {
	case InvocationCall:
		return next == InvocationPending || next == InvocationRejected || next == InvocationDone
	case InvocationPending:
		return next == InvocationRejected || next == InvocationDone
	default:
		return false
	}
}

// ToolInvocation is a model-proposed call to a named tool, tracked through
// resolution. ID is the tool call id, unique within its message.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     InvocationState `json:"state"`
	// Result holds the terminal payload: the tool output for done, the
	// rejection notice for rejected.
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Resolved reports whether the invocation reached a terminal result.
func (ti ToolInvocation) Resolved() bool {
	return ti.State.Terminal()
}

// ToolDecision is an externally supplied approve/reject verdict correlated to
// one pending invocation by tool call id. Consumed exactly once.
type ToolDecision struct {
	ToolCallID string    `json:"tool_call_id"`
	Approved   bool      `json:"approved"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one entry in a conversation's ordered history.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Invocations    []ToolInvocation `json:"invocations,omitempty"`
	Attachments    []Attachment     `json:"attachments,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Unresolved reports whether any invocation still lacks a terminal result.
func (m *Message) Unresolved() bool {
	for i := range m.Invocations {
		if !m.Invocations[i].Resolved() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy the caller may mutate freely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Invocations != nil {
		out.Invocations = make([]ToolInvocation, len(m.Invocations))
		for i, inv := range m.Invocations {
			out.Invocations[i] = inv
			if inv.Arguments != nil {
				out.Invocations[i].Arguments = append(json.RawMessage(nil), inv.Arguments...)
			}
			if inv.Result != nil {
				out.Invocations[i].Result = append(json.RawMessage(nil), inv.Result...)
			}
		}
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Attachment references a file stored through the upload side-channel.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Conversation is an ordered thread of messages.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduledTask describes a deferred or recurring prompt delivered to a
// conversation when its schedule fires.
type ScheduledTask struct {
	Name           string `json:"name" yaml:"name"`
	Schedule       string `json:"schedule" yaml:"schedule"`
	Prompt         string `json:"prompt" yaml:"prompt"`
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id"`
	Disabled       bool   `json:"disabled,omitempty" yaml:"disabled"`
}
