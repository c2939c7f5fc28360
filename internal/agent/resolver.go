package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/pkg/models"
)

// RejectionNotice is the result content recorded for a rejected invocation.
// The model sees a definitive outcome, not a stall; at the protocol level a
// rejection is delivered like any other tool result.
const RejectionNotice = "Tool execution was declined by the user."

// Resolver walks a message history, finds tool invocations without a terminal
// result, and resolves every one the current information allows: auto tools
// execute immediately, decided confirmations execute or record a rejection,
// undecided ones stay pending, unknown tools fail immediately.
//
// Resolve is a pure transform over its input: callers get a rewritten copy
// and the original slice is never mutated, so concurrent turns never share
// mutable state through it.
type Resolver struct {
	registry *Registry
	executor *Executor
	logger   *slog.Logger
}

// NewResolver creates a resolver over the given registry. If executor is nil
// a default one is created.
func NewResolver(registry *Registry, executor *Executor, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewExecutor(registry, nil)
	}
	return &Resolver{
		registry: registry,
		executor: executor,
		logger:   logger.With("component", "resolver"),
	}
}

// Outcome is the result of one resolution pass.
type Outcome struct {
	// History is the rewritten history. Messages that did not change are
	// shared with the input; changed ones are fresh copies.
	History []*models.Message

	// Updated holds the changed message copies, for persistence.
	Updated []*models.Message

	// Results lists the invocations that reached a terminal state in this
	// pass, in the order the invocations originally appeared.
	Results []ToolResultEvent

	// Pending lists invocations still awaiting a human decision.
	Pending []models.ToolInvocation
}

// pendingExec is one invocation queued for execution in this pass.
type pendingExec struct {
	msgIdx int
	invIdx int
	call   ToolCall
}

// Resolve performs one scanner/executor pass over history. Decisions are
// consumed exactly once; a decision for an id not present in history is left
// alone. Scanning an already-resolved history is a no-op, so repeated passes
// without new decisions are idempotent and nothing executes twice.
func (r *Resolver) Resolve(ctx context.Context, history []*models.Message, decisions DecisionStore) (*Outcome, error) {
	if r.registry == nil {
		return nil, errors.New("resolver has no registry")
	}

	out := &Outcome{
		History: make([]*models.Message, len(history)),
	}
	copy(out.History, history)

	resolved := make(map[string]bool)
	var execs []pendingExec

	// ensure returns a mutable copy of message i, cloning at most once.
	ensure := func(i int) *models.Message {
		for _, m := range out.Updated {
			if m == out.History[i] {
				return m
			}
		}
		clone := out.History[i].Clone()
		out.History[i] = clone
		out.Updated = append(out.Updated, clone)
		return clone
	}

	for i, msg := range out.History {
		if msg == nil || msg.Role != models.RoleAssistant || !msg.Unresolved() {
			continue
		}
		for j := range msg.Invocations {
			inv := &out.History[i].Invocations[j]
			if inv.Resolved() {
				continue
			}

			def, known := r.registry.Lookup(inv.Name)
			if !known {
				m := ensure(i)
				target := &m.Invocations[j]
				target.State = models.InvocationDone
				target.Result = errorValue("tool not found: " + inv.Name)
				target.IsError = true
				resolved[target.ID] = true
				r.logger.Warn("unknown tool in history", "tool", inv.Name, "tool_call_id", inv.ID)
				continue
			}

			switch def.Mode {
			case ModeAuto:
				execs = append(execs, pendingExec{
					msgIdx: i,
					invIdx: j,
					call:   ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Arguments},
				})

			case ModeConfirm:
				decision, decided := takeDecision(decisions, inv.ID)
				switch {
				case !decided:
					if inv.State != models.InvocationPending {
						m := ensure(i)
						m.Invocations[j].State = models.InvocationPending
					}
				case decision.Approved:
					execs = append(execs, pendingExec{
						msgIdx: i,
						invIdx: j,
						call:   ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Arguments},
					})
				default:
					m := ensure(i)
					target := &m.Invocations[j]
					target.State = models.InvocationRejected
					target.Result = rejectionValue()
					target.IsError = false
					resolved[target.ID] = true
					r.logger.Info("tool rejected by decision",
						"tool", inv.Name,
						"tool_call_id", inv.ID,
						"decided_by", decision.DecidedBy,
					)
				}
			}
		}
	}

	if len(execs) > 0 {
		calls := make([]ToolCall, len(execs))
		for i, ex := range execs {
			calls[i] = ex.call
		}
		results := r.executor.ExecuteAll(ctx, calls)

		for i, res := range results {
			ex := execs[i]
			if res == nil {
				continue
			}
			// A call that never started because the turn was canceled stays
			// unresolved; a later pass picks it up with no duplicate effects.
			if res.Error != nil && errors.Is(res.Error, context.Canceled) {
				continue
			}

			m := ensure(ex.msgIdx)
			target := &m.Invocations[ex.invIdx]
			target.State = models.InvocationDone
			if res.Error != nil {
				target.Result = errorValue(res.Error.Error())
				target.IsError = true
				r.logger.Warn("tool execution failed",
					"tool", target.Name,
					"tool_call_id", target.ID,
					"error", res.Error,
					"attempts", res.Attempts,
				)
			} else {
				target.Result = normalizeValue(res.Value)
				target.IsError = false
			}
			resolved[target.ID] = true
		}
	}

	// Emit results in the order the invocations originally appeared,
	// regardless of execution interleaving.
	for _, msg := range out.History {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		for _, inv := range msg.Invocations {
			if resolved[inv.ID] {
				out.Results = append(out.Results, ToolResultEvent{
					ToolCallID: inv.ID,
					ToolName:   inv.Name,
					Value:      inv.Result,
					IsError:    inv.IsError,
				})
			}
			if inv.State == models.InvocationPending {
				out.Pending = append(out.Pending, inv)
			}
		}
	}

	return out, nil
}

func takeDecision(decisions DecisionStore, toolCallID string) (models.ToolDecision, bool) {
	if decisions == nil {
		return models.ToolDecision{}, false
	}
	return decisions.Take(toolCallID)
}

// errorValue wraps a failure message as a tool result value.
func errorValue(msg string) json.RawMessage {
	value, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return json.RawMessage(fmt.Sprintf("{%q:%q}", "error", "tool execution failed"))
	}
	return value
}

// rejectionValue is the terminal payload of a declined invocation.
func rejectionValue() json.RawMessage {
	value, _ := json.Marshal(RejectionNotice)
	return value
}

// normalizeValue guarantees a non-nil JSON payload for a successful result.
func normalizeValue(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage("null")
	}
	return value
}
