package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func newTestResolver(t *testing.T, defs ...Definition) *Resolver {
	t.Helper()
	reg := NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register(%s) error: %v", def.Name, err)
		}
	}
	return NewResolver(reg, NewExecutor(reg, &ExecutorConfig{
		MaxConcurrency:  2,
		DefaultTimeout:  5 * time.Second,
		DefaultRetries:  0,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 10 * time.Millisecond,
	}), nil)
}

func assistantWith(invs ...models.ToolInvocation) *models.Message {
	return &models.Message{
		ID:             "msg-a",
		ConversationID: "conv-1",
		Role:           models.RoleAssistant,
		Invocations:    invs,
	}
}

func weatherTool(temp int) Definition {
	return Auto("getWeather", "Weather lookup",
		json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"temp":` + jsonInt(temp) + `}`), nil
		})
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestResolver_AutoExecutesImmediately(t *testing.T) {
	r := newTestResolver(t, weatherTool(18))
	history := []*models.Message{
		{ID: "msg-u", Role: models.RoleUser, Content: "weather in paris?"},
		assistantWith(models.ToolInvocation{
			ID:        "tc-1",
			Name:      "getWeather",
			Arguments: json.RawMessage(`{"city":"Paris"}`),
			State:     models.InvocationCall,
		}),
	}

	out, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	if len(out.Results) != 1 {
		t.Fatalf("Results length = %d, want 1", len(out.Results))
	}
	ev := out.Results[0]
	if ev.ToolCallID != "tc-1" || ev.ToolName != "getWeather" {
		t.Errorf("event = %+v, want tc-1/getWeather", ev)
	}
	if string(ev.Value) != `{"temp":18}` {
		t.Errorf("event value = %s, want {\"temp\":18}", ev.Value)
	}
	if ev.IsError {
		t.Error("IsError = true, want false")
	}

	inv := out.History[1].Invocations[0]
	if inv.State != models.InvocationDone {
		t.Errorf("state = %q, want %q", inv.State, models.InvocationDone)
	}
	if string(inv.Result) != `{"temp":18}` {
		t.Errorf("result = %s, want {\"temp\":18}", inv.Result)
	}
	if len(out.Pending) != 0 {
		t.Errorf("Pending length = %d, want 0", len(out.Pending))
	}

	// Pure transform: the input history is untouched.
	if history[1].Invocations[0].State != models.InvocationCall {
		t.Errorf("input history mutated: state = %q", history[1].Invocations[0].State)
	}
	if history[1].Invocations[0].Result != nil {
		t.Error("input history mutated: result recorded on input message")
	}
}

func TestResolver_Idempotent(t *testing.T) {
	var executions atomic.Int64
	counted := Auto("count", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		executions.Add(1)
		return json.RawMessage(`"ok"`), nil
	})

	r := newTestResolver(t, counted)
	history := []*models.Message{
		assistantWith(models.ToolInvocation{ID: "tc-1", Name: "count", State: models.InvocationCall}),
	}

	first, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("first Resolve error: %v", err)
	}
	second, err := r.Resolve(context.Background(), first.History, nil)
	if err != nil {
		t.Fatalf("second Resolve error: %v", err)
	}

	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want exactly 1", got)
	}
	if len(second.Results) != 0 {
		t.Errorf("second pass Results length = %d, want 0", len(second.Results))
	}
	if len(second.Updated) != 0 {
		t.Errorf("second pass Updated length = %d, want 0", len(second.Updated))
	}
	if second.History[0].Invocations[0].State != models.InvocationDone {
		t.Errorf("state after second pass = %q, want done", second.History[0].Invocations[0].State)
	}
}

func TestResolver_ConfirmStaysPendingWithoutDecision(t *testing.T) {
	var executions atomic.Int64
	guarded := Confirm("write_file", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		executions.Add(1)
		return json.RawMessage(`"written"`), nil
	})

	r := newTestResolver(t, guarded)
	decisions := NewMemoryDecisionStore()
	history := []*models.Message{
		assistantWith(models.ToolInvocation{ID: "tc-1", Name: "write_file", State: models.InvocationCall}),
	}

	out, err := r.Resolve(context.Background(), history, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(out.Results) != 0 {
		t.Errorf("Results length = %d, want 0", len(out.Results))
	}
	if len(out.Pending) != 1 || out.Pending[0].ID != "tc-1" {
		t.Fatalf("Pending = %+v, want tc-1", out.Pending)
	}
	if out.History[0].Invocations[0].State != models.InvocationPending {
		t.Errorf("state = %q, want pending", out.History[0].Invocations[0].State)
	}

	// Any number of further scans without a decision changes nothing.
	for range 3 {
		out, err = r.Resolve(context.Background(), out.History, decisions)
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if len(out.Updated) != 0 || len(out.Results) != 0 {
			t.Fatalf("scan without decision changed state: updated=%d results=%d", len(out.Updated), len(out.Results))
		}
		if out.History[0].Invocations[0].State != models.InvocationPending {
			t.Fatalf("state = %q, want pending", out.History[0].Invocations[0].State)
		}
	}
	if executions.Load() != 0 {
		t.Errorf("executions = %d, want 0 without approval", executions.Load())
	}
}

func TestResolver_RejectionRecordedOnce(t *testing.T) {
	guarded := Confirm("write_file", "", nil, echoExec)
	r := newTestResolver(t, guarded)
	decisions := NewMemoryDecisionStore()
	history := []*models.Message{
		assistantWith(models.ToolInvocation{ID: "tc-1", Name: "write_file", State: models.InvocationCall}),
	}

	out, err := r.Resolve(context.Background(), history, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	if err := decisions.Submit(models.ToolDecision{ToolCallID: "tc-1", Approved: false}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	out, err = r.Resolve(context.Background(), out.History, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	if len(out.Results) != 1 {
		t.Fatalf("Results length = %d, want 1", len(out.Results))
	}
	ev := out.Results[0]
	if ev.IsError {
		t.Error("rejection reported as error, want plain result")
	}
	var notice string
	if err := json.Unmarshal(ev.Value, &notice); err != nil {
		t.Fatalf("rejection value is not a JSON string: %v", err)
	}
	if notice != RejectionNotice {
		t.Errorf("notice = %q, want %q", notice, RejectionNotice)
	}

	inv := out.History[0].Invocations[0]
	if inv.State != models.InvocationRejected {
		t.Errorf("state = %q, want rejected", inv.State)
	}

	// The decision was consumed; a further scan emits nothing again.
	if decisions.Len() != 0 {
		t.Errorf("decision store length = %d, want 0 after consumption", decisions.Len())
	}
	again, err := r.Resolve(context.Background(), out.History, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(again.Results) != 0 {
		t.Errorf("rejection emitted twice: %+v", again.Results)
	}
}

func TestResolver_ApprovalExecutesConfirmedFunc(t *testing.T) {
	var executions atomic.Int64
	guarded := Confirm("write_file", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		executions.Add(1)
		return json.RawMessage(`{"bytes":5}`), nil
	})
	r := newTestResolver(t, guarded)
	decisions := NewMemoryDecisionStore()
	if err := decisions.Submit(models.ToolDecision{ToolCallID: "tc-1", Approved: true}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	history := []*models.Message{
		assistantWith(models.ToolInvocation{ID: "tc-1", Name: "write_file", State: models.InvocationPending}),
	}

	out, err := r.Resolve(context.Background(), history, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if executions.Load() != 1 {
		t.Fatalf("executions = %d, want 1", executions.Load())
	}
	inv := out.History[0].Invocations[0]
	if inv.State != models.InvocationDone {
		t.Errorf("state = %q, want done", inv.State)
	}
	if string(inv.Result) != `{"bytes":5}` {
		t.Errorf("result = %s, want {\"bytes\":5}", inv.Result)
	}
}

func TestResolver_UnknownToolNeverPending(t *testing.T) {
	r := newTestResolver(t)
	history := []*models.Message{
		assistantWith(models.ToolInvocation{
			ID:        "tc-magic",
			Name:      "doMagic",
			Arguments: json.RawMessage(`{}`),
			State:     models.InvocationCall,
		}),
	}

	out, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	inv := out.History[0].Invocations[0]
	if inv.State != models.InvocationDone {
		t.Errorf("state = %q, want done (immediate error result)", inv.State)
	}
	if !inv.IsError {
		t.Error("IsError = false, want true for unknown tool")
	}
	if len(out.Pending) != 0 {
		t.Errorf("Pending length = %d, want 0: unknown tools must never stall", len(out.Pending))
	}
	if len(out.Results) != 1 || !out.Results[0].IsError {
		t.Fatalf("Results = %+v, want one error event", out.Results)
	}
	var payload map[string]string
	if err := json.Unmarshal(out.Results[0].Value, &payload); err != nil {
		t.Fatalf("error value is not JSON: %v", err)
	}
	if payload["error"] != "tool not found: doMagic" {
		t.Errorf("error payload = %q, want tool not found: doMagic", payload["error"])
	}
}

func TestResolver_ExecutorFailureIsolated(t *testing.T) {
	failing := Auto("explode", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	panicking := Auto("panic_tool", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		panic("unexpected")
	})
	r := newTestResolver(t, failing, panicking, weatherTool(18))

	history := []*models.Message{
		assistantWith(
			models.ToolInvocation{ID: "tc-1", Name: "explode", State: models.InvocationCall},
			models.ToolInvocation{ID: "tc-2", Name: "panic_tool", State: models.InvocationCall},
			models.ToolInvocation{ID: "tc-3", Name: "getWeather", Arguments: json.RawMessage(`{"city":"Paris"}`), State: models.InvocationCall},
		),
	}

	out, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	if len(out.Results) != 3 {
		t.Fatalf("Results length = %d, want 3: one failure must not abort the pass", len(out.Results))
	}
	if !out.Results[0].IsError || !out.Results[1].IsError {
		t.Error("failing executions not reported as error results")
	}
	if out.Results[2].IsError {
		t.Error("healthy execution polluted by sibling failures")
	}
	for i, inv := range out.History[0].Invocations {
		if inv.State != models.InvocationDone {
			t.Errorf("invocation %d state = %q, want done", i, inv.State)
		}
	}
}

func TestResolver_ResultsInInvocationOrder(t *testing.T) {
	slow := Auto("slow", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"slow"`), nil
	})
	fast := Auto("fast", "", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"fast"`), nil
	})
	r := newTestResolver(t, slow, fast)

	history := []*models.Message{
		assistantWith(
			models.ToolInvocation{ID: "tc-1", Name: "slow", State: models.InvocationCall},
			models.ToolInvocation{ID: "tc-2", Name: "doMagic", State: models.InvocationCall},
			models.ToolInvocation{ID: "tc-3", Name: "fast", State: models.InvocationCall},
		),
	}

	out, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	want := []string{"tc-1", "tc-2", "tc-3"}
	if len(out.Results) != len(want) {
		t.Fatalf("Results length = %d, want %d", len(out.Results), len(want))
	}
	for i, id := range want {
		if out.Results[i].ToolCallID != id {
			t.Errorf("Results[%d].ToolCallID = %q, want %q", i, out.Results[i].ToolCallID, id)
		}
	}
}

func TestResolver_PartialResolution(t *testing.T) {
	guarded := Confirm("write_file", "", nil, echoExec)
	r := newTestResolver(t, guarded)
	decisions := NewMemoryDecisionStore()
	if err := decisions.Submit(models.ToolDecision{ToolCallID: "tc-1", Approved: true}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	history := []*models.Message{
		assistantWith(
			models.ToolInvocation{ID: "tc-1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a"}`), State: models.InvocationPending},
			models.ToolInvocation{ID: "tc-2", Name: "write_file", Arguments: json.RawMessage(`{"path":"b"}`), State: models.InvocationPending},
		),
	}

	out, err := r.Resolve(context.Background(), history, decisions)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	if len(out.Results) != 1 || out.Results[0].ToolCallID != "tc-1" {
		t.Fatalf("Results = %+v, want just tc-1", out.Results)
	}
	if len(out.Pending) != 1 || out.Pending[0].ID != "tc-2" {
		t.Fatalf("Pending = %+v, want just tc-2", out.Pending)
	}
	invs := out.History[0].Invocations
	if invs[0].State != models.InvocationDone || invs[1].State != models.InvocationPending {
		t.Errorf("states = %q/%q, want done/pending", invs[0].State, invs[1].State)
	}
}

func TestResolver_SchemaViolationBecomesErrorResult(t *testing.T) {
	r := newTestResolver(t, weatherTool(18))
	history := []*models.Message{
		assistantWith(models.ToolInvocation{
			ID:        "tc-1",
			Name:      "getWeather",
			Arguments: json.RawMessage(`{"city":12}`),
			State:     models.InvocationCall,
		}),
	}

	out, err := r.Resolve(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	inv := out.History[0].Invocations[0]
	if inv.State != models.InvocationDone || !inv.IsError {
		t.Errorf("state/IsError = %q/%v, want done error result", inv.State, inv.IsError)
	}
}

func TestResolver_DecisionForAbsentInvocationUntouched(t *testing.T) {
	r := newTestResolver(t, weatherTool(18))
	decisions := NewMemoryDecisionStore()
	if err := decisions.Submit(models.ToolDecision{ToolCallID: "stale-id", Approved: true}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	history := []*models.Message{
		{ID: "msg-u", Role: models.RoleUser, Content: "hello"},
	}
	if _, err := r.Resolve(context.Background(), history, decisions); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	// Stale decisions are a no-op: never consumed, left for the TTL prune.
	if decisions.Len() != 1 {
		t.Errorf("decision store length = %d, want 1", decisions.Len())
	}
}
