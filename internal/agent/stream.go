package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// streamBufferSize is the event channel buffer for one turn.
const streamBufferSize = 10

// MaxResponseTextSize is the maximum size of accumulated response text (1MB).
const MaxResponseTextSize = 1 << 20 // 1MB

// MaxToolCallsPerStep is the maximum number of tool calls allowed in a single step.
const MaxToolCallsPerStep = 100

// Stream is the write side of one turn's event channel. It enforces the
// turn's merge contract: tool results for the previous step are emitted
// before any model tokens, tokens pass through verbatim in arrival order,
// and exactly one terminal event (done or error) ends the stream before
// the channel closes.
//
// A single goroutine drives a Stream; the mutex only guards the terminal
// transition so late emits after Fail or Finish degrade to ErrStreamClosed
// instead of a send on a closed channel.
type Stream struct {
	ch chan StreamEvent

	mu         sync.Mutex
	terminated bool
}

// NewStream creates a stream with the standard buffer.
func NewStream() *Stream {
	return &Stream{ch: make(chan StreamEvent, streamBufferSize)}
}

// Events returns the read side. The channel is closed after the terminal
// event; consumers should read until close.
func (s *Stream) Events() <-chan StreamEvent {
	return s.ch
}

// EmitResults sends one toolResult event per entry, in slice order.
// Callers pass results in invocation order, so the wire order matches the
// order the tool calls appeared in the conversation.
func (s *Stream) EmitResults(ctx context.Context, results []ToolResultEvent) error {
	for i := range results {
		res := results[i]
		if err := s.send(ctx, StreamEvent{Type: EventToolResult, ToolResult: &res}); err != nil {
			return err
		}
	}
	return nil
}

// EmitToken forwards one token of model output verbatim.
func (s *Stream) EmitToken(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.send(ctx, StreamEvent{Type: EventToken, Token: text})
}

// RelayResult is what one model stream produced.
type RelayResult struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Relay forwards a provider completion stream to the event channel. Token
// text is passed through verbatim as it arrives; tool calls are collected
// and returned for the resolution pass. Relay returns early on the first
// provider error or on context cancellation, in which case no further
// tokens are emitted.
func (s *Stream) Relay(ctx context.Context, chunks <-chan *CompletionChunk) (*RelayResult, error) {
	out := &RelayResult{}
	var text strings.Builder
	// Accumulated text survives every return path.
	defer func() { out.Text = text.String() }()

	for {
		// Cancellation wins over a ready chunk.
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return out, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return out, chunk.Error
			}
			if chunk.Text != "" {
				if text.Len()+len(chunk.Text) > MaxResponseTextSize {
					return out, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
				}
				text.WriteString(chunk.Text)
				if err := s.EmitToken(ctx, chunk.Text); err != nil {
					return out, err
				}
			}
			if chunk.ToolCall != nil {
				if len(out.ToolCalls) >= MaxToolCallsPerStep {
					return out, fmt.Errorf("tool calls exceed maximum of %d per step", MaxToolCallsPerStep)
				}
				out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
			}
			out.InputTokens += chunk.InputTokens
			out.OutputTokens += chunk.OutputTokens
			if chunk.Done {
				return out, nil
			}
		}
	}
}

// Finish emits the done event and closes the channel. Only the first
// terminal call wins; later Finish or Fail calls are no-ops.
func (s *Stream) Finish() {
	s.terminate(StreamEvent{Type: EventDone})
}

// Fail emits a terminal error event and closes the channel. An error
// stream ends with the error event alone; no done event follows it.
func (s *Stream) Fail(kind ErrorKind, detail string) {
	s.terminate(StreamEvent{
		Type:  EventError,
		Error: &ErrorEvent{Kind: kind, Detail: detail},
	})
}

// send delivers one non-terminal event, honoring cancellation.
func (s *Stream) send(ctx context.Context, ev StreamEvent) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate delivers the terminal event exactly once and closes the
// channel. The send is unconditional: consumers read until close, so a
// buffered slot is always drained.
func (s *Stream) terminate(ev StreamEvent) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.ch <- ev
	close(s.ch)
}
