package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func TestMemoryStore_ConversationLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv := &models.Conversation{Title: "weather chat", Metadata: map[string]any{"source": "web"}}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("CreateConversation did not assign an ID")
	}
	if conv.CreatedAt.IsZero() {
		t.Error("CreateConversation did not stamp CreatedAt")
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation error: %v", err)
	}
	if got.Title != "weather chat" {
		t.Errorf("title = %q, want weather chat", got.Title)
	}

	// Mutating the returned copy must not touch stored state.
	got.Title = "mutated"
	got.Metadata["source"] = "mutated"
	again, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation error: %v", err)
	}
	if again.Title != "weather chat" || again.Metadata["source"] != "web" {
		t.Errorf("stored conversation mutated through returned copy: %+v", again)
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation error: %v", err)
	}
	if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversation after delete = %v, want ErrConversationNotFound", err)
	}
	if err := store.DeleteConversation(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("double delete = %v, want ErrConversationNotFound", err)
	}
}

func TestMemoryStore_EnsureConversation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.EnsureConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	second, err := store.EnsureConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("EnsureConversation not idempotent: %+v vs %+v", first, second)
	}

	if _, err := store.EnsureConversation(ctx, ""); err == nil {
		t.Error("EnsureConversation with empty id should fail")
	}
}

func TestMemoryStore_AppendAndGetHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.EnsureConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}

	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "weather in paris?"},
		{Role: models.RoleAssistant, Content: "", Invocations: []models.ToolInvocation{{
			ID:        "tc-1",
			Name:      "getWeather",
			Arguments: json.RawMessage(`{"city":"Paris"}`),
			State:     models.InvocationCall,
		}}},
		{Role: models.RoleAssistant, Content: "It is 18 degrees."},
	}
	for _, msg := range msgs {
		if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("AppendMessage did not assign an ID")
		}
	}

	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Content != "weather in paris?" || history[2].Content != "It is 18 degrees." {
		t.Errorf("history out of order: %q ... %q", history[0].Content, history[2].Content)
	}
	if len(history[1].Invocations) != 1 || history[1].Invocations[0].ID != "tc-1" {
		t.Errorf("invocations not persisted: %+v", history[1].Invocations)
	}

	// Mutating a returned message must not affect the stored transcript.
	history[1].Invocations[0].State = models.InvocationDone
	fresh, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if fresh[1].Invocations[0].State != models.InvocationCall {
		t.Error("stored invocation mutated through returned history")
	}

	limited, err := store.GetHistory(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != history[1].ID {
		t.Errorf("limited history = %d messages starting %q, want most recent 2", len(limited), limited[0].Content)
	}

	if err := store.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser}); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("append to missing conversation = %v, want ErrConversationNotFound", err)
	}
}

func TestMemoryStore_UpdateMessage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.EnsureConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}

	msg := &models.Message{
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
	originalCreated := msg.CreatedAt

	updated := msg.Clone()
	updated.Invocations[0].State = models.InvocationPending
	if err := store.UpdateMessage(ctx, updated); err != nil {
		t.Fatalf("UpdateMessage error: %v", err)
	}

	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if history[0].Invocations[0].State != models.InvocationPending {
		t.Errorf("state = %q, want pending after update", history[0].Invocations[0].State)
	}
	if !history[0].CreatedAt.Equal(originalCreated) {
		t.Error("UpdateMessage changed CreatedAt")
	}

	missing := msg.Clone()
	missing.ID = "no-such-message"
	if err := store.UpdateMessage(ctx, missing); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("UpdateMessage for unknown id = %v, want ErrMessageNotFound", err)
	}
}

func TestMemoryStore_ListConversations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.EnsureConversation(ctx, fmt.Sprintf("conv-%d", i)); err != nil {
			t.Fatalf("EnsureConversation error: %v", err)
		}
	}
	// Touch conv-2 so it sorts first.
	if err := store.AppendMessage(ctx, "conv-2", &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	all, err := store.ListConversations(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("list length = %d, want 5", len(all))
	}
	if all[0].ID != "conv-2" {
		t.Errorf("most recently updated first: got %s", all[0].ID)
	}

	page, err := store.ListConversations(ctx, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page length = %d, want 2", len(page))
	}

	far, err := store.ListConversations(ctx, ListOptions{Offset: 50})
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(far) != 0 {
		t.Errorf("offset past end length = %d, want 0", len(far))
	}
}

func TestMemoryStore_TrimsOldMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.EnsureConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}

	for i := 0; i < maxMessagesPerConversation+10; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := store.AppendMessage(ctx, "conv-1", msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	history, err := store.GetHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != maxMessagesPerConversation {
		t.Fatalf("history length = %d, want trim to %d", len(history), maxMessagesPerConversation)
	}
	if history[0].Content != "m10" {
		t.Errorf("oldest kept = %q, want m10", history[0].Content)
	}
}
