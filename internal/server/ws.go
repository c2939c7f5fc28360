package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// wsFrame is the single frame shape on the confirmation feed. The hub pushes
// "pending" frames when a turn parks on confirmation-required tools and
// "decision" frames when a verdict lands (over the socket or the REST API).
// Clients send "decision" frames to settle a parked call and receive an "ack"
// or "error" frame in reply.
type wsFrame struct {
	Type           string                  `json:"type"`
	ConversationID string                  `json:"conversationId,omitempty"`
	Pending        []models.ToolInvocation `json:"pending,omitempty"`
	Decision       *decisionRequest        `json:"decision,omitempty"`
	ToolCallID     string                  `json:"toolCallId,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// DecisionSubmitter is the slice of the runtime the hub needs to apply
// verdicts arriving over the socket.
type DecisionSubmitter interface {
	SubmitDecision(decision models.ToolDecision) error
}

// Hub fans pending-confirmation notifications out to websocket clients and
// feeds their decisions back into the runtime. It also owns the pending
// confirmation gauge: a tool-call id counts from the first pending
// notification that names it until a decision settles it.
type Hub struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	parked  map[string]struct{}
	sink    DecisionSubmitter
	closed  bool
}

// NewHub builds a hub with no clients and no decision sink. Bind the sink
// with BindDecisions once the runtime exists.
func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "ws"),
		metrics: metrics,
		clients: make(map[*wsClient]struct{}),
		parked:  make(map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// BindDecisions connects the hub to the component that applies confirmation
// verdicts. The hub is constructed before the runtime because the runtime's
// pending hook points at NotifyPending, so the sink arrives late.
func (h *Hub) BindDecisions(sink DecisionSubmitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

func (h *Hub) decisionSink() DecisionSubmitter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink
}

// NotifyPending broadcasts the parked invocations of a conversation. Safe to
// use as a runtime pending hook even on a nil hub.
func (h *Hub) NotifyPending(conversationID string, pending []models.ToolInvocation) {
	if h == nil {
		return
	}
	h.mu.Lock()
	for _, inv := range pending {
		if _, ok := h.parked[inv.ID]; !ok {
			h.parked[inv.ID] = struct{}{}
			h.metrics.ConfirmationParked()
		}
	}
	clients := h.clientsLocked()
	h.mu.Unlock()

	h.broadcast(clients, wsFrame{
		Type:           "pending",
		ConversationID: conversationID,
		Pending:        pending,
	})
}

// NotifyDecision broadcasts a settled verdict and releases its slot in the
// pending gauge. Verdicts for ids the hub never saw parked broadcast anyway;
// the gauge only moves for known ids.
func (h *Hub) NotifyDecision(conversationID string, decision models.ToolDecision) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.parked[decision.ToolCallID]; ok {
		delete(h.parked, decision.ToolCallID)
		h.metrics.ConfirmationSettled()
	}
	clients := h.clientsLocked()
	h.mu.Unlock()

	h.broadcast(clients, wsFrame{
		Type:           "decision",
		ConversationID: conversationID,
		Decision: &decisionRequest{
			ToolCallID: decision.ToolCallID,
			Approved:   decision.Approved,
			DecidedBy:  decision.DecidedBy,
		},
	})
}

// ServeHTTP upgrades the request and runs the client until either side hangs
// up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "remote_addr", r.RemoteAddr)

	client.run()

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "remote_addr", r.RemoteAddr)
}

// Close disconnects every client. New upgrade attempts are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clientsLocked()
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) clientsLocked() []*wsClient {
	out := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcast(clients []*wsClient, frame wsFrame) {
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("ws frame marshal failed", "type", frame.Type, "error", err)
		return
	}
	for _, c := range clients {
		c.enqueue(data)
	}
}

func (h *Hub) handleFrame(c *wsClient, frame *wsFrame) {
	switch frame.Type {
	case "decision":
		h.handleDecisionFrame(c, frame)
	case "ping":
		c.reply(wsFrame{Type: "pong"})
	default:
		c.reply(wsFrame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func (h *Hub) handleDecisionFrame(c *wsClient, frame *wsFrame) {
	if frame.Decision == nil {
		c.reply(wsFrame{Type: "error", Error: "decision frame requires a decision body"})
		return
	}
	sink := h.decisionSink()
	if sink == nil {
		c.reply(wsFrame{Type: "error", ToolCallID: frame.Decision.ToolCallID, Error: "decisions unavailable"})
		return
	}

	decision := models.ToolDecision{
		ToolCallID: strings.TrimSpace(frame.Decision.ToolCallID),
		Approved:   frame.Decision.Approved,
		DecidedBy:  strings.TrimSpace(frame.Decision.DecidedBy),
		CreatedAt:  time.Now().UTC(),
	}
	if err := sink.SubmitDecision(decision); err != nil {
		c.reply(wsFrame{Type: "error", ToolCallID: decision.ToolCallID, Error: err.Error()})
		return
	}

	c.reply(wsFrame{Type: "ack", ToolCallID: decision.ToolCallID})
	h.NotifyDecision(frame.ConversationID, decision)
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *wsClient) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsClient) close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(wsFrame{Type: "error", Error: "invalid frame: " + err.Error()})
			continue
		}
		c.hub.handleFrame(c, &frame)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) reply(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue never blocks. A consumer that cannot keep up loses frames instead
// of stalling the turn that produced them.
func (c *wsClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("ws send buffer full, dropping frame")
	}
}
