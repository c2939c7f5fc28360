package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// maxChatBodyBytes caps the chat request body.
	maxChatBodyBytes = 1 << 20

	// sseHeartbeatInterval paces comment frames on an otherwise quiet stream.
	sseHeartbeatInterval = 15 * time.Second
)

// chatRequest is the POST /api/chat body. An omitted message with a known
// conversation id resumes the conversation, consuming any decisions that
// arrived since the turn parked.
type chatRequest struct {
	ConversationID string              `json:"conversationId"`
	Message        string              `json:"message"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

// handleChat handles POST /api/chat: it runs one conversation turn and
// streams the merged event sequence as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var incoming *models.Message
	if strings.TrimSpace(req.Message) != "" || len(req.Attachments) > 0 {
		incoming = &models.Message{
			Role:        models.RoleUser,
			Content:     req.Message,
			Attachments: req.Attachments,
		}
	}

	events, err := s.config.Runtime.Run(r.Context(), conversationID, incoming)
	if err != nil {
		s.logger.Warn("turn start failed", "conversation_id", conversationID, "error", err)
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	if incoming != nil {
		s.metrics.RecordMessage("user")
	}

	// The server may have minted the id; hand it back before any events.
	if err := sse.send("conversation", map[string]string{"conversationId": conversationID}); err != nil {
		drain(events)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.send(string(ev.Type), ev); err != nil {
				// The client went away. Keep consuming so the turn finishes
				// and its results land in history.
				drain(events)
				return
			}
		case <-heartbeat.C:
			// Keeps proxies from idling the stream out while a slow tool
			// or confirmation holds the turn quiet.
			if err := sse.comment("keepalive"); err != nil {
				drain(events)
				return
			}
		}
	}
}

// drain consumes the rest of a turn's events after the client is gone.
func drain(events <-chan agent.StreamEvent) {
	for range events {
	}
}
