package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	conv, err := store.EnsureConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	if conv.ID != "conv-1" {
		t.Fatalf("conversation id = %q, want conv-1", conv.ID)
	}

	// Ensure again returns the same row.
	again, err := store.EnsureConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("EnsureConversation not idempotent: %q vs %q", again.ID, conv.ID)
	}

	msgs := []*models.Message{
		{ID: "msg-1", Role: models.RoleUser, Content: "weather in paris?"},
		{ID: "msg-2", Role: models.RoleAssistant, Invocations: []models.ToolInvocation{{
			ID:        "tc-1",
			Name:      "getWeather",
			Arguments: json.RawMessage(`{"city":"Paris"}`),
			State:     models.InvocationCall,
		}}},
	}
	for _, msg := range msgs {
		if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
			t.Fatalf("AppendMessage(%s) error: %v", msg.ID, err)
		}
	}

	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != "msg-1" || history[1].ID != "msg-2" {
		t.Errorf("history order = %s,%s, want msg-1,msg-2", history[0].ID, history[1].ID)
	}
	if len(history[1].Invocations) != 1 {
		t.Fatalf("invocations = %+v, want 1", history[1].Invocations)
	}
	inv := history[1].Invocations[0]
	if inv.ID != "tc-1" || inv.State != models.InvocationCall {
		t.Errorf("invocation = %+v, want tc-1 in call state", inv)
	}
	if string(inv.Arguments) != `{"city":"Paris"}` {
		t.Errorf("arguments = %s", inv.Arguments)
	}
}

func TestSQLiteStore_UpdateMessage(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.EnsureConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	msg := &models.Message{
		ID:   "msg-1",
		Role: models.RoleAssistant,
		Invocations: []models.ToolInvocation{{
			ID:    "tc-1",
			Name:  "write_file",
			State: models.InvocationCall,
		}},
	}
	if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	updated := msg.Clone()
	updated.Invocations[0].State = models.InvocationDone
	updated.Invocations[0].Result = json.RawMessage(`{"bytes":5}`)
	if err := store.UpdateMessage(ctx, updated); err != nil {
		t.Fatalf("UpdateMessage error: %v", err)
	}

	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	got := history[0].Invocations[0]
	if got.State != models.InvocationDone || string(got.Result) != `{"bytes":5}` {
		t.Errorf("invocation after update = %+v", got)
	}

	missing := updated.Clone()
	missing.ID = "no-such-message"
	if err := store.UpdateMessage(ctx, missing); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("UpdateMessage unknown id = %v, want ErrMessageNotFound", err)
	}
}

func TestSQLiteStore_DeleteConversation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.EnsureConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	if err := store.AppendMessage(ctx, "conv-1", &models.Message{ID: "msg-1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	if err := store.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation error: %v", err)
	}
	if _, err := store.GetConversation(ctx, "conv-1"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversation after delete = %v, want ErrConversationNotFound", err)
	}
	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("messages survived conversation delete: %d", len(history))
	}
	if err := store.DeleteConversation(ctx, "conv-1"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("double delete = %v, want ErrConversationNotFound", err)
	}
}

func TestSQLiteStore_ListConversations(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"conv-a", "conv-b", "conv-c"} {
		if _, err := store.EnsureConversation(ctx, id); err != nil {
			t.Fatalf("EnsureConversation error: %v", err)
		}
	}
	if err := store.AppendMessage(ctx, "conv-b", &models.Message{ID: "msg-1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	all, err := store.ListConversations(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list length = %d, want 3", len(all))
	}
	if all[0].ID != "conv-b" {
		t.Errorf("most recently updated first: got %s", all[0].ID)
	}

	page, err := store.ListConversations(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page length = %d, want 1", len(page))
	}
}
