package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/pkg/models"
)

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a server-sent-events body into its event/data frames.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

func sseNames(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.name
	}
	return out
}

func postChat(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsTokens(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		textScript("Hello ", "there"),
	}}
	srv, _, _ := newTestServer(t, provider, nil)

	rec := postChat(t, srv, `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, rec.Body.String())
	want := []string{"conversation", "token", "token", "done"}
	if strings.Join(sseNames(events), ",") != strings.Join(want, ",") {
		t.Fatalf("event names = %v, want %v", sseNames(events), want)
	}

	// The minted conversation id arrives before any stream event.
	var header map[string]string
	if err := json.Unmarshal([]byte(events[0].data), &header); err != nil {
		t.Fatalf("decode conversation event %q: %v", events[0].data, err)
	}
	if header["conversationId"] == "" {
		t.Error("conversation event missing conversationId")
	}

	var text strings.Builder
	for _, ev := range events[1:3] {
		var stream agent.StreamEvent
		if err := json.Unmarshal([]byte(ev.data), &stream); err != nil {
			t.Fatalf("decode token event %q: %v", ev.data, err)
		}
		text.WriteString(stream.Token)
	}
	if text.String() != "Hello there" {
		t.Errorf("token text = %q, want Hello there", text.String())
	}
}

func TestChatKeepsConversationID(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		textScript("hi"),
	}}
	srv, _, store := newTestServer(t, provider, nil)

	rec := postChat(t, srv, `{"conversationId":"conv-42","message":"hello"}`)

	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 || events[0].name != "conversation" {
		t.Fatalf("events = %v, want leading conversation event", sseNames(events))
	}
	var header map[string]string
	if err := json.Unmarshal([]byte(events[0].data), &header); err != nil {
		t.Fatalf("decode conversation event: %v", err)
	}
	if header["conversationId"] != "conv-42" {
		t.Errorf("conversationId = %q, want conv-42", header["conversationId"])
	}

	msgs, err := store.GetHistory(context.Background(), "conv-42", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" {
		t.Fatalf("history = %d messages, want user+assistant", len(msgs))
	}
}

func TestChatToolResultBeforeTokens(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		toolCallScript(agent.ToolCall{ID: "tc-1", Name: "getWeather", Arguments: json.RawMessage(`{"city":"Paris"}`)}),
		textScript("It is 18 degrees."),
	}}
	srv, rt, _ := newTestServer(t, provider, nil)
	if err := rt.RegisterTool(weatherTool(18)); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	rec := postChat(t, srv, `{"conversationId":"conv-1","message":"weather in Paris?"}`)

	events := parseSSE(t, rec.Body.String())
	want := []string{"conversation", "toolResult", "token", "done"}
	if strings.Join(sseNames(events), ",") != strings.Join(want, ",") {
		t.Fatalf("event names = %v, want %v", sseNames(events), want)
	}

	var stream agent.StreamEvent
	if err := json.Unmarshal([]byte(events[1].data), &stream); err != nil {
		t.Fatalf("decode toolResult event: %v", err)
	}
	if stream.ToolResult == nil || stream.ToolResult.ToolCallID != "tc-1" {
		t.Fatalf("tool result = %+v, want tc-1", stream.ToolResult)
	}
	if string(stream.ToolResult.Value) != `{"temp":18}` {
		t.Errorf("tool result value = %s", stream.ToolResult.Value)
	}
}

func TestChatResumeAfterDecision(t *testing.T) {
	executed := 0
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		toolCallScript(agent.ToolCall{ID: "tc-1", Name: "deploy", Arguments: json.RawMessage(`{"env":"prod"}`)}),
		textScript("Deployed."),
	}}
	srv, rt, _ := newTestServer(t, provider, nil)
	err := rt.RegisterTool(agent.Confirm("deploy", "Deploy a service", nil,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			executed++
			return json.RawMessage(`{"status":"ok"}`), nil
		}))
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	// The first turn parks on the confirmation and finishes with done only.
	rec := postChat(t, srv, `{"conversationId":"conv-1","message":"ship it"}`)
	events := parseSSE(t, rec.Body.String())
	want := []string{"conversation", "done"}
	if strings.Join(sseNames(events), ",") != strings.Join(want, ",") {
		t.Fatalf("parked turn events = %v, want %v", sseNames(events), want)
	}
	if executed != 0 {
		t.Fatalf("tool ran before approval")
	}

	// Approve over the decisions endpoint.
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/decisions",
		strings.NewReader(`{"toolCallId":"tc-1","approved":true,"decidedBy":"ops"}`))
	decRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(decRec, req)
	if decRec.Code != http.StatusAccepted {
		t.Fatalf("decision status = %d", decRec.Code)
	}

	// A message-less chat request resumes the turn: the freed result leads,
	// then the follow-up response streams.
	rec = postChat(t, srv, `{"conversationId":"conv-1"}`)
	events = parseSSE(t, rec.Body.String())
	want = []string{"conversation", "toolResult", "token", "done"}
	if strings.Join(sseNames(events), ",") != strings.Join(want, ",") {
		t.Fatalf("resume events = %v, want %v", sseNames(events), want)
	}

	var stream agent.StreamEvent
	if err := json.Unmarshal([]byte(events[1].data), &stream); err != nil {
		t.Fatalf("decode toolResult event: %v", err)
	}
	if string(stream.ToolResult.Value) != `{"status":"ok"}` || stream.ToolResult.IsError {
		t.Fatalf("tool result = %+v", stream.ToolResult)
	}
	if executed != 1 {
		t.Errorf("tool executed %d times, want 1", executed)
	}

	var token agent.StreamEvent
	if err := json.Unmarshal([]byte(events[2].data), &token); err != nil {
		t.Fatalf("decode token event: %v", err)
	}
	if token.Token != "Deployed." {
		t.Errorf("token = %q, want Deployed.", token.Token)
	}
}

func TestChatStreamsProviderError(t *testing.T) {
	// No scripts left: the provider fails when the turn reaches it.
	srv, _, _ := newTestServer(t, &scriptedProvider{}, nil)

	rec := postChat(t, srv, `{"message":"hello"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, errors after stream start must ride the stream", rec.Code)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 2 || events[0].name != "conversation" || events[1].name != "error" {
		t.Fatalf("event names = %v, want conversation,error", sseNames(events))
	}

	var stream agent.StreamEvent
	if err := json.Unmarshal([]byte(events[1].data), &stream); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if stream.Error == nil || stream.Error.Kind == "" {
		t.Fatalf("error event = %+v, want populated kind", stream.Error)
	}
}

func TestChatInvalidBody(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{}, nil)

	rec := postChat(t, srv, "{not json")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChatRejectsGet(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestChatAttachmentsTravelWithMessage(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		textScript("Nice photo."),
	}}
	srv, _, store := newTestServer(t, provider, nil)

	body := `{"conversationId":"conv-1","message":"look at this","attachments":[{"id":"u-1","name":"a.png","content_type":"image/png","url":"/uploads/u-1/a.png"}]}`
	rec := postChat(t, srv, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	parseSSE(t, rec.Body.String())

	msgs, err := store.GetHistory(context.Background(), "conv-1", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("no history recorded")
	}
	atts := msgs[0].Attachments
	if len(atts) != 1 || atts[0].Name != "a.png" || atts[0].ContentType != "image/png" {
		t.Fatalf("attachments = %+v, want a.png image/png", atts)
	}
	if atts[0].URL != "/uploads/u-1/a.png" {
		t.Errorf("attachment url = %q", atts[0].URL)
	}
}

func TestChatAttachmentOnlyMessageStartsTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		textScript("Received."),
	}}
	srv, _, store := newTestServer(t, provider, nil)

	body := `{"conversationId":"conv-1","attachments":[{"id":"u-1","name":"doc.pdf"}]}`
	rec := postChat(t, srv, body)

	events := parseSSE(t, rec.Body.String())
	want := []string{"conversation", "token", "done"}
	if strings.Join(sseNames(events), ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", sseNames(events), want)
	}

	msgs, _ := store.GetHistory(context.Background(), "conv-1", 10)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || len(msgs[0].Attachments) != 1 {
		t.Fatalf("history = %+v, want attachment-only user message", msgs)
	}
}
