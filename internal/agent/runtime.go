// Package agent implements the conversational core: tool registration,
// the scanner/executor pass that resolves tool invocations, and the
// streaming turn runtime that merges tool results with model output.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────┐
//	│              Runtime                    │  Turn orchestration
//	├─────────────────────────────────────────┤
//	│  Registry │ Resolver │ history.Store   │  Tools and state
//	├─────────────────────────────────────────┤
//	│              Provider                   │  Model abstraction
//	└─────────────────────────────────────────┘
//
// # Basic Usage
//
//	provider, _ := providers.NewAnthropicProvider(config)
//	store := history.NewMemoryStore()
//	runtime := agent.NewRuntime(provider, store)
//
//	runtime.RegisterTool(agent.Auto("current_time", "Current time", nil, timeFunc))
//
//	events, _ := runtime.Run(ctx, "conv-1", &models.Message{Role: models.RoleUser, Content: "hi"})
//	for ev := range events {
//	    // forward StreamEvents to the client
//	}
//
// A turn begins by resolving whatever the transcript already owes: auto
// tools execute, delivered decisions are consumed, undecided confirmations
// stay pending. If anything is still pending the turn ends there; the
// model is never called over an unresolved transcript. Otherwise the
// runtime streams model steps, resolving new tool calls after each, until
// the model answers without tools or the step bound is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/pkg/models"
)

// RuntimeOptions configures turn behavior.
type RuntimeOptions struct {
	// MaxSteps limits tool-use steps per turn.
	MaxSteps int

	// MaxTokens is the default max tokens for model responses.
	MaxTokens int

	// HistoryLimit caps how many transcript messages are loaded per turn.
	HistoryLimit int

	// Model names the model passed to the provider.
	Model string

	// SystemPrompt is sent with every completion request.
	SystemPrompt string

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig

	// DecisionTTL bounds how long an undelivered decision is kept.
	DecisionTTL time.Duration

	// OnPending is invoked when a turn parks on unresolved confirmations.
	OnPending func(conversationID string, pending []models.ToolInvocation)

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxSteps:     10,
		MaxTokens:    4096,
		HistoryLimit: 50,
		DecisionTTL:  DefaultDecisionTTL,
		Logger:       slog.Default(),
	}
}

func mergeRuntimeOptions(base RuntimeOptions, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxSteps > 0 {
		merged.MaxSteps = override.MaxSteps
	}
	if override.MaxTokens > 0 {
		merged.MaxTokens = override.MaxTokens
	}
	if override.HistoryLimit > 0 {
		merged.HistoryLimit = override.HistoryLimit
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.SystemPrompt != "" {
		merged.SystemPrompt = override.SystemPrompt
	}
	if override.ExecutorConfig != nil {
		merged.ExecutorConfig = override.ExecutorConfig
	}
	if override.DecisionTTL > 0 {
		merged.DecisionTTL = override.DecisionTTL
	}
	if override.OnPending != nil {
		merged.OnPending = override.OnPending
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}

// Runtime drives conversation turns against a provider, resolving tool
// invocations between model steps and persisting every transition.
type Runtime struct {
	provider  Provider
	registry  *Registry
	executor  *Executor
	resolver  *Resolver
	store     history.Store
	decisions DecisionStore
	opts      RuntimeOptions
	locks     *lockTable
	logger    *slog.Logger
}

// NewRuntime creates a runtime with default options.
func NewRuntime(provider Provider, store history.Store) *Runtime {
	return NewRuntimeWithOptions(provider, store, DefaultRuntimeOptions())
}

// NewRuntimeWithOptions creates a runtime with custom options.
func NewRuntimeWithOptions(provider Provider, store history.Store, opts RuntimeOptions) *Runtime {
	opts = mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	registry := NewRegistry()
	executor := NewExecutor(registry, opts.ExecutorConfig)
	logger := opts.Logger.With("component", "runtime")

	return &Runtime{
		provider:  provider,
		registry:  registry,
		executor:  executor,
		resolver:  NewResolver(registry, executor, opts.Logger),
		store:     store,
		decisions: NewMemoryDecisionStore(),
		opts:      opts,
		locks:     newLockTable(),
		logger:    logger,
	}
}

// Registry exposes the tool registry for registration and schema export.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// RegisterTool adds a tool definition to the runtime's registry.
func (r *Runtime) RegisterTool(def Definition) error {
	return r.registry.Register(def)
}

// ConfigureTool sets per-tool execution overrides.
func (r *Runtime) ConfigureTool(name string, config *ToolConfig) {
	r.executor.ConfigureTool(name, config)
}

// SetSystemPrompt configures the system prompt sent with every request.
func (r *Runtime) SetSystemPrompt(system string) {
	r.opts.SystemPrompt = system
}

// SetModel configures the model passed to the provider.
func (r *Runtime) SetModel(model string) {
	r.opts.Model = model
}

// SubmitDecision records one approve/reject decision for a pending tool
// call. The next resolution pass on the conversation consumes it; a
// decision for an id that never shows up ages out after DecisionTTL.
func (r *Runtime) SubmitDecision(decision models.ToolDecision) error {
	if err := r.decisions.Submit(decision); err != nil {
		return err
	}
	r.logger.Info("decision submitted",
		"tool_call_id", decision.ToolCallID,
		"approved", decision.Approved,
		"decided_by", decision.DecidedBy,
	)
	return nil
}

// PendingInvocations lists the invocations awaiting a decision in a
// conversation's transcript.
func (r *Runtime) PendingInvocations(ctx context.Context, conversationID string) ([]models.ToolInvocation, error) {
	msgs, err := r.store.GetHistory(ctx, conversationID, r.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	var pending []models.ToolInvocation
	for _, msg := range msgs {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		for _, inv := range msg.Invocations {
			if inv.State == models.InvocationPending {
				pending = append(pending, inv)
			}
		}
	}
	return pending, nil
}

// Run executes one conversation turn and streams events until a terminal
// done or error event. incoming may be nil to resume a conversation after
// decisions arrived; the resolution pass then picks up where the previous
// turn parked.
//
// Run returns an error only for immediate failures; streaming failures
// arrive as a terminal error event.
func (r *Runtime) Run(ctx context.Context, conversationID string, incoming *models.Message) (<-chan StreamEvent, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if r.store == nil {
		return nil, errors.New("no history store configured")
	}
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	stream := NewStream()
	go r.run(ctx, stream, conversationID, incoming)
	return stream.Events(), nil
}

// Resume re-enters a conversation with no new message, resolving any
// decisions that arrived since the last turn parked.
func (r *Runtime) Resume(ctx context.Context, conversationID string) (<-chan StreamEvent, error) {
	return r.Run(ctx, conversationID, nil)
}

func (r *Runtime) run(ctx context.Context, stream *Stream, conversationID string, incoming *models.Message) {
	unlock := r.locks.acquire(conversationID)
	defer unlock()

	// Persistence outlives cancellation: results of tools that ran must
	// land in the transcript even when the client has gone away.
	persistCtx := context.WithoutCancel(ctx)

	if pruned := r.decisions.Prune(r.opts.DecisionTTL); pruned > 0 {
		r.logger.Debug("pruned stale decisions", "count", pruned)
	}

	if _, err := r.store.EnsureConversation(persistCtx, conversationID); err != nil {
		r.logger.Error("ensure conversation failed", "conversation_id", conversationID, "error", err)
		stream.Fail(ErrorKindInternal, "conversation unavailable")
		return
	}

	if incoming != nil {
		if incoming.ID == "" {
			incoming.ID = uuid.NewString()
		}
		if incoming.Role == "" {
			incoming.Role = models.RoleUser
		}
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = time.Now()
		}
		if err := r.store.AppendMessage(persistCtx, conversationID, incoming); err != nil {
			r.logger.Error("append message failed", "conversation_id", conversationID, "error", err)
			stream.Fail(ErrorKindInternal, "failed to persist message")
			return
		}
	}

	msgs, err := r.store.GetHistory(ctx, conversationID, r.opts.HistoryLimit)
	if err != nil {
		r.logger.Error("load history failed", "conversation_id", conversationID, "error", err)
		stream.Fail(ErrorKindInternal, "failed to load history")
		return
	}

	// Settle whatever the transcript already owes before any model call.
	outcome, err := r.resolvePass(ctx, persistCtx, stream, conversationID, msgs)
	if err != nil {
		return
	}
	msgs = outcome.History
	if len(outcome.Pending) > 0 {
		r.parkPending(stream, conversationID, outcome.Pending)
		return
	}
	if incoming == nil && len(outcome.Results) == 0 {
		// Resume on a settled conversation: nothing to do.
		stream.Finish()
		return
	}

	for step := 0; step < r.opts.MaxSteps; step++ {
		select {
		case <-ctx.Done():
			r.failForError(stream, ctx.Err())
			return
		default:
		}

		chunks, err := r.provider.Complete(ctx, r.buildRequest(msgs))
		if err != nil {
			r.logger.Warn("completion request failed", "conversation_id", conversationID, "step", step, "error", err)
			stream.Fail(ErrorKindModelStream, err.Error())
			return
		}

		relay, relayErr := stream.Relay(ctx, chunks)

		assistant := &models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        relay.Text,
			Invocations:    invocationsFromCalls(relay.ToolCalls),
			CreatedAt:      time.Now(),
		}
		if relay.Text != "" || len(relay.ToolCalls) > 0 {
			if err := r.store.AppendMessage(persistCtx, conversationID, assistant); err != nil {
				r.logger.Error("append assistant message failed", "conversation_id", conversationID, "error", err)
				stream.Fail(ErrorKindInternal, "failed to persist message")
				return
			}
			msgs = append(msgs, assistant)
		}

		if relayErr != nil {
			r.failForError(stream, relayErr)
			return
		}

		r.logger.Debug("model step complete",
			"conversation_id", conversationID,
			"step", step,
			"tool_calls", len(relay.ToolCalls),
			"input_tokens", relay.InputTokens,
			"output_tokens", relay.OutputTokens,
		)

		if len(relay.ToolCalls) == 0 {
			stream.Finish()
			return
		}

		outcome, err = r.resolvePass(ctx, persistCtx, stream, conversationID, msgs)
		if err != nil {
			return
		}
		msgs = outcome.History
		if len(outcome.Pending) > 0 {
			r.parkPending(stream, conversationID, outcome.Pending)
			return
		}
		if ctx.Err() != nil {
			// Executions were detached and persisted; no further steps.
			r.failForError(stream, ctx.Err())
			return
		}
	}

	stream.Fail(ErrorKindMaxSteps, fmt.Sprintf("reached max steps: %d", r.opts.MaxSteps))
}

// resolvePass runs one scanner/executor pass, persists the rewritten
// messages, and emits the terminal results. On failure the stream is
// already failed; callers just return.
func (r *Runtime) resolvePass(ctx, persistCtx context.Context, stream *Stream, conversationID string, msgs []*models.Message) (*Outcome, error) {
	outcome, err := r.resolver.Resolve(ctx, msgs, r.decisions)
	if err != nil {
		r.logger.Error("resolution pass failed", "conversation_id", conversationID, "error", err)
		stream.Fail(ErrorKindInternal, "tool resolution failed")
		return nil, err
	}
	for _, updated := range outcome.Updated {
		if err := r.store.UpdateMessage(persistCtx, updated); err != nil {
			r.logger.Error("persist resolved message failed",
				"conversation_id", conversationID,
				"message_id", updated.ID,
				"error", err,
			)
			stream.Fail(ErrorKindInternal, "failed to persist tool results")
			return nil, err
		}
	}
	if err := stream.EmitResults(ctx, outcome.Results); err != nil {
		r.failForError(stream, err)
		return nil, err
	}
	return outcome, nil
}

func (r *Runtime) parkPending(stream *Stream, conversationID string, pending []models.ToolInvocation) {
	r.logger.Info("turn parked awaiting decisions",
		"conversation_id", conversationID,
		"pending", len(pending),
	)
	if r.opts.OnPending != nil {
		r.opts.OnPending(conversationID, pending)
	}
	stream.Finish()
}

// failForError maps an error to the terminal event kind.
func (r *Runtime) failForError(stream *Stream, err error) {
	switch {
	case err == nil:
		stream.Finish()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		stream.Fail(ErrorKindCanceled, err.Error())
	case errors.Is(err, ErrMaxSteps):
		stream.Fail(ErrorKindMaxSteps, err.Error())
	case errors.Is(err, ErrStreamClosed):
		// Consumer already has a terminal event.
	default:
		stream.Fail(ErrorKindModelStream, err.Error())
	}
}

// buildRequest converts the transcript into a completion request. An
// assistant message carrying invocations expands into the assistant tool
// calls plus a tool message with their outputs, which is the shape
// providers expect.
func (r *Runtime) buildRequest(msgs []*models.Message) *CompletionRequest {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role != models.RoleAssistant || len(m.Invocations) == 0 {
			out = append(out, CompletionMessage{
				Role:        string(m.Role),
				Content:     m.Content,
				Attachments: m.Attachments,
			})
			continue
		}

		calls := make([]ToolCall, 0, len(m.Invocations))
		outputs := make([]ToolOutput, 0, len(m.Invocations))
		for _, inv := range m.Invocations {
			calls = append(calls, ToolCall{
				ID:        inv.ID,
				Name:      inv.Name,
				Arguments: inv.Arguments,
			})
			outputs = append(outputs, ToolOutput{
				ToolCallID: inv.ID,
				Content:    invocationOutput(inv),
				IsError:    inv.IsError,
			})
		}
		out = append(out, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   m.Content,
			ToolCalls: calls,
		})
		out = append(out, CompletionMessage{
			Role:        string(models.RoleTool),
			ToolOutputs: outputs,
		})
	}

	return &CompletionRequest{
		Model:     r.opts.Model,
		System:    r.opts.SystemPrompt,
		Messages:  out,
		Tools:     r.registry.Definitions(),
		MaxTokens: r.opts.MaxTokens,
	}
}

// invocationOutput renders an invocation's result for the model. Turns
// never reach the model with unresolved invocations, but the placeholder
// keeps the request well formed if a transcript is imported mid-flight.
func invocationOutput(inv models.ToolInvocation) string {
	if inv.Resolved() && len(inv.Result) > 0 {
		return string(inv.Result)
	}
	return "pending confirmation"
}

func invocationsFromCalls(calls []ToolCall) []models.ToolInvocation {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolInvocation, 0, len(calls))
	for _, call := range calls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, models.ToolInvocation{
			ID:        id,
			Name:      call.Name,
			Arguments: call.Arguments,
			State:     models.InvocationCall,
		})
	}
	return out
}
