// ABOUTME: WebSocket implementation of the event transport using coder/websocket.
// ABOUTME: Validates connect parameters, decodes JSON envelopes, serializes writes.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// paramRole selects gateway vs agent at connect time.
	paramRole = "role"
	// paramAgentID carries the agent identity; required when role=agent.
	paramAgentID = "agent_id"

	// writeTimeout bounds a single Send so a stalled peer cannot wedge
	// the caller.
	writeTimeout = 10 * time.Second
)

// WebSocketHandler upgrades HTTP requests to event sessions and pumps
// inbound envelopes into the Handler.
type WebSocketHandler struct {
	handler Handler
	logger  *slog.Logger
}

// NewWebSocketHandler creates a handler that dispatches to h.
func NewWebSocketHandler(h Handler, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		handler: h,
		logger:  logger.With("component", "transport"),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
// Missing or invalid connect parameters reject the connection before any
// event is processed.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := ParseRole(strings.TrimSpace(r.URL.Query().Get(paramRole)))
	agentID := strings.TrimSpace(r.URL.Query().Get(paramAgentID))

	if role == RoleUnknown {
		h.logger.Warn("connection rejected: missing or invalid role",
			"remote", r.RemoteAddr,
			"role", r.URL.Query().Get(paramRole),
		)
		http.Error(w, "missing or invalid role parameter", http.StatusBadRequest)
		return
	}
	if role == RoleAgent && agentID == "" {
		h.logger.Warn("connection rejected: agent without agent_id",
			"remote", r.RemoteAddr,
		)
		http.Error(w, "agent_id parameter is required for agent connections", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := &wsSession{
		id:      uuid.New().String(),
		role:    role,
		agentID: agentID,
		conn:    ws,
		logger:  h.logger,
	}

	if err := h.handler.OnConnect(sess); err != nil {
		h.logger.Warn("connection refused by handler",
			"session_id", sess.id,
			"role", role.String(),
			"agent_id", agentID,
			"error", err,
		)
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	h.logger.Info("session connected",
		"session_id", sess.id,
		"role", role.String(),
		"agent_id", agentID,
		"remote", r.RemoteAddr,
	)

	h.readLoop(r.Context(), sess)

	h.handler.OnDisconnect(sess)
	h.logger.Info("session disconnected", "session_id", sess.id, "role", role.String())
}

// readLoop decodes envelopes until the connection drops or a protocol
// violation terminates it.
func (h *WebSocketHandler) readLoop(ctx context.Context, sess *wsSession) {
	defer sess.Close("session ended")

	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Debug("read ended", "session_id", sess.id, "error", err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			// Malformed payload is a protocol violation: terminate, no retry.
			h.logger.Warn("malformed event envelope, closing session",
				"session_id", sess.id,
				"error", err,
			)
			sess.conn.Close(websocket.StatusProtocolError, "malformed event envelope")
			return
		}

		h.handler.OnEvent(sess, &ev)
	}
}

// wsSession adapts a websocket connection to the Session interface.
type wsSession struct {
	id      string
	role    Role
	agentID string
	conn    *websocket.Conn
	logger  *slog.Logger

	writeMu sync.Mutex
	closed  bool
}

func (s *wsSession) ID() string      { return s.id }
func (s *wsSession) Role() Role      { return s.role }
func (s *wsSession) AgentID() string { return s.agentID }

// Send marshals the envelope and writes it. Writes are serialized and
// bounded by writeTimeout.
func (s *wsSession) Send(ctx context.Context, name string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling %s payload: %w", name, err)
		}
		raw = data
	}

	data, err := json.Marshal(Event{Name: name, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", name, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s to session %s: %w", name, s.id, err)
	}
	return nil
}

// Close terminates the session. Safe to call more than once.
func (s *wsSession) Close(reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if err := s.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		s.logger.Debug("websocket close", "session_id", s.id, "error", err)
	}
}
