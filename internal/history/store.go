// Package history persists conversations and their message transcripts.
//
// The store is append-only for message content: turns append user and
// assistant messages, and the resolution pass rewrites a message's tool
// invocation states in place via UpdateMessage. Nothing is ever removed
// from a transcript.
package history

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/models"
)

// Sentinel errors shared by all store implementations.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Store is the interface for conversation persistence.
type Store interface {
	// Conversation CRUD
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	EnsureConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Message transcript
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	Close() error
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Limit  int
	Offset int
}
