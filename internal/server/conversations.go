package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/pkg/models"
)

type conversationListResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
	Total         int                    `json:"total"`
}

type messagesResponse struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
}

type pendingResponse struct {
	Pending []models.ToolInvocation `json:"pending"`
	Total   int                     `json:"total"`
}

// decisionRequest is the POST body for a confirmation verdict.
type decisionRequest struct {
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
	DecidedBy  string `json:"decidedBy,omitempty"`
}

// handleConversationList handles GET /api/conversations.
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	conversations, err := s.config.Store.ListConversations(r.Context(), history.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.writeError(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, conversationListResponse{
		Conversations: conversations,
		Total:         len(conversations),
	})
}

// handleConversation routes /api/conversations/{id} and its subresources
// messages, pending, and decisions.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, "Conversation ID required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleConversationDetail(w, r, id)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleConversationMessages(w, r, id)
	case len(parts) == 2 && parts[1] == "pending":
		s.handleConversationPending(w, r, id)
	case len(parts) == 2 && parts[1] == "decisions":
		s.handleConversationDecision(w, r, id)
	default:
		s.writeError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversation, err := s.config.Store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrConversationNotFound) {
			s.writeError(w, "Conversation not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		s.writeError(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, conversation)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := parseIntParam(r, "limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	messages, err := s.config.Store.GetHistory(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, history.ErrConversationNotFound) {
			s.writeError(w, "Conversation not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load history failed", "conversation_id", id, "error", err)
		s.writeError(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, messagesResponse{Messages: messages, Total: len(messages)})
}

func (s *Server) handleConversationPending(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pending, err := s.config.Runtime.PendingInvocations(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrConversationNotFound) {
			s.writeError(w, "Conversation not found", http.StatusNotFound)
			return
		}
		s.logger.Error("list pending failed", "conversation_id", id, "error", err)
		s.writeError(w, "Failed to list pending invocations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, pendingResponse{Pending: pending, Total: len(pending)})
}

// handleConversationDecision handles POST .../decisions. The decision is
// recorded and consumed by the next resolution pass; a verdict for an id
// that is no longer pending simply ages out. Responds 202 either way.
func (s *Server) handleConversationDecision(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decisionRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision := models.ToolDecision{
		ToolCallID: strings.TrimSpace(req.ToolCallID),
		Approved:   req.Approved,
		DecidedBy:  strings.TrimSpace(req.DecidedBy),
	}
	if err := s.config.Runtime.SubmitDecision(decision); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.hub != nil {
		s.hub.NotifyDecision(id, decision)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"toolCallId": decision.ToolCallID,
	})
}

// parseIntParam reads an integer query parameter, falling back on the
// default for missing or malformed values.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return val
}
