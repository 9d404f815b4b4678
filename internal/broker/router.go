// ABOUTME: Event router mapping inbound transport events to broker components.
// ABOUTME: Implements transport.Handler and the coordinator's outbound emitter.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/candorhq/switchboard/internal/assign"
	"github.com/candorhq/switchboard/internal/registry"
	"github.com/candorhq/switchboard/internal/roster"
	"github.com/candorhq/switchboard/internal/session"
	"github.com/candorhq/switchboard/internal/store"
	"github.com/candorhq/switchboard/internal/transport"
)

// Router dispatches inbound events to the registry, roster, session
// table, and assignment coordinator, and emits outbound events to the
// correct transport sessions.
type Router struct {
	registry *registry.Registry
	roster   *roster.Store
	table    *session.Table
	accounts *accountNotifier
	logger   *slog.Logger

	// coordinator is set after construction: the coordinator's emitter
	// is the router itself.
	coordinator *assign.Coordinator

	// dropMu guards droppedAt, the per-agent timestamp of the last
	// session loss. An entry survives until the agent reconnects or the
	// grace period expires and its conversations are reaped.
	dropMu    sync.Mutex
	droppedAt map[string]time.Time
}

// NewRouter wires a Router over the given components. Call
// SetCoordinator before serving traffic.
func NewRouter(reg *registry.Registry, ros *roster.Store, table *session.Table, accounts store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  reg,
		roster:    ros,
		table:     table,
		accounts:  newAccountNotifier(accounts, logger),
		logger:    logger.With("component", "router"),
		droppedAt: make(map[string]time.Time),
	}
}

// SetCoordinator attaches the assignment coordinator.
func (r *Router) SetCoordinator(c *assign.Coordinator) {
	r.coordinator = c
}

// OnConnect registers the session in the connection registry. A second
// gateway or a malformed agent registration rejects the connection.
func (r *Router) OnConnect(s transport.Session) error {
	switch s.Role() {
	case transport.RoleGateway:
		return r.registry.RegisterGateway(s)

	case transport.RoleAgent:
		displaced, err := r.registry.RegisterAgent(s, s.AgentID())
		if err != nil {
			return err
		}
		if displaced != nil {
			displaced.Close("replaced by new session")
		}
		r.dropMu.Lock()
		delete(r.droppedAt, s.AgentID())
		r.dropMu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown session role %q", s.Role())
	}
}

// OnEvent dispatches one inbound envelope.
func (r *Router) OnEvent(s transport.Session, ev *transport.Event) {
	ctx := context.Background()

	switch ev.Name {
	case EventHeartbeat:
		r.handleHeartbeat(ctx, s, ev)
	case EventOfflineRequest:
		r.handleOfflineRequest(s)
	case EventOnlineRequest:
		r.handleOnlineRequest(s)
	case EventRequestAgent:
		r.handleRequestAgent(ctx, s, ev)
	case EventAgentAcknowledgement:
		r.handleAcknowledgement(ctx, s, ev)
	case EventConversationMessage:
		r.handleClientMessage(ctx, s, ev)
	case EventAgentResponse:
		r.handleAgentResponse(ctx, s, ev)
	case EventCloseRequest:
		r.handleCloseRequest(ctx, s, ev)
	default:
		r.logger.Warn("unknown event ignored",
			"event", ev.Name,
			"session_id", s.ID(),
			"role", s.Role().String(),
		)
	}
}

// OnDisconnect clears the registry slot. A dropped gateway is announced
// to every connected agent. A dropped agent keeps its presence record
// and open conversations for a grace period, so a quick reconnect
// resumes them; ReapAbandoned closes what outlives the grace.
func (r *Router) OnDisconnect(s transport.Session) {
	wasGateway, agentID := r.registry.Unregister(s.ID())

	if wasGateway {
		payload := &GatewayOfflinePayload{
			Status:  "gateway_unavailable",
			Message: "gateway disconnected, new conversations unavailable",
		}
		for _, agentSess := range r.registry.AgentSessions() {
			if err := agentSess.Send(context.Background(), EventGatewayOffline, payload); err != nil {
				r.logger.Debug("gateway-offline notify failed",
					"session_id", agentSess.ID(),
					"error", err,
				)
			}
		}
		return
	}

	if agentID != "" {
		r.dropMu.Lock()
		r.droppedAt[agentID] = time.Now()
		r.dropMu.Unlock()
		r.logger.Info("agent session dropped, conversations preserved",
			"agent_id", agentID,
		)
	}
}

// ReapAbandoned closes every conversation whose agent disconnected more
// than grace ago and never came back, notifying the gateway side as a
// normal closure. Returns the number of conversations closed.
func (r *Router) ReapAbandoned(grace time.Duration) int {
	now := time.Now()

	r.dropMu.Lock()
	var expired []string
	for agentID, at := range r.droppedAt {
		if now.Sub(at) >= grace {
			expired = append(expired, agentID)
			delete(r.droppedAt, agentID)
		}
	}
	r.dropMu.Unlock()

	closed := 0
	for _, agentID := range expired {
		if _, ok := r.registry.AgentSession(agentID); ok {
			// Reconnected between marking and reaping.
			continue
		}
		for _, sess := range r.table.Live() {
			if sess.AgentID != agentID {
				continue
			}
			abandoned, err := r.table.Close(sess.ConversationID)
			if err != nil {
				continue
			}
			r.roster.CloseConversation(agentID, abandoned.ConversationID)
			closed++

			if gw, ok := r.registry.GatewaySession(); ok {
				notification := &CloseNotificationPayload{
					ConversationID: abandoned.ConversationID,
					ClientID:       abandoned.ClientID,
				}
				if err := gw.Send(context.Background(), EventCloseNotification, notification); err != nil {
					r.logger.Warn("close notification to gateway failed",
						"conversation_id", abandoned.ConversationID,
						"error", err,
					)
				}
			}
			r.logger.Warn("closed conversation abandoned by disconnected agent",
				"conversation_id", abandoned.ConversationID,
				"agent_id", agentID,
			)
		}
	}
	return closed
}

func (r *Router) handleHeartbeat(ctx context.Context, s transport.Session, ev *transport.Event) {
	if !r.requireRole(s, transport.RoleAgent, EventHeartbeat) {
		return
	}

	var hb HeartbeatPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &hb); err != nil {
			r.logger.Warn("bad heartbeat payload", "session_id", s.ID(), "error", err)
		}
	}

	agentID := s.AgentID()
	r.roster.Heartbeat(agentID, hb.Name, hb.Label)
	go r.accounts.touchPresence(agentID, time.Now())

	if err := s.Send(ctx, EventHeartbeatAck, nil); err != nil {
		r.logger.Debug("heartbeat ack failed", "agent_id", agentID, "error", err)
	}
}

func (r *Router) handleOfflineRequest(s transport.Session) {
	if !r.requireRole(s, transport.RoleAgent, EventOfflineRequest) {
		return
	}

	agentID := s.AgentID()
	r.roster.MarkOfflineRequested(agentID)

	// An agent with no open conversations can go on break right away;
	// otherwise the last closure flips the status.
	if info, ok := r.roster.Get(agentID); ok && len(info.ActiveConversations) == 0 && info.PendingOffers == 0 {
		go r.accounts.setStatus(agentID, store.StatusBreak)
	}
}

func (r *Router) handleOnlineRequest(s transport.Session) {
	if !r.requireRole(s, transport.RoleAgent, EventOnlineRequest) {
		return
	}

	agentID := s.AgentID()
	r.roster.ClearOffline(agentID)
	go r.accounts.setStatus(agentID, store.StatusAvailable)
}

func (r *Router) handleRequestAgent(ctx context.Context, s transport.Session, ev *transport.Event) {
	if !r.requireRole(s, transport.RoleGateway, EventRequestAgent) {
		return
	}

	var req RequestAgentPayload
	if err := json.Unmarshal(ev.Payload, &req); err != nil || req.ConversationID == "" {
		r.logger.Warn("bad request_agent payload", "session_id", s.ID(), "error", err)
		return
	}

	// Duplicate open for a conversation that is already live and owned
	// by the same client is idempotent: replay the assignment result.
	if existing, err := r.table.Get(req.ConversationID); err == nil {
		if existing.ClientID == req.ClientID {
			r.logger.Info("duplicate request for live conversation, replaying ack",
				"conversation_id", req.ConversationID,
				"client_id", req.ClientID,
			)
			r.AssignmentResult(ctx, s.ID(), &assign.Result{
				Status:         assign.ResultAssigned,
				AgentID:        existing.AgentID,
				AgentName:      r.agentName(existing.AgentID),
				ConversationID: req.ConversationID,
			})
		} else {
			r.logger.Warn("conversation id already live for another client",
				"conversation_id", req.ConversationID,
				"client_id", req.ClientID,
			)
		}
		return
	}

	r.coordinator.Assign(ctx, &assign.Request{
		ConversationID:  req.ConversationID,
		ClientID:        req.ClientID,
		TenantID:        req.TenantID,
		Summary:         req.Summary,
		History:         req.History,
		OriginSessionID: s.ID(),
	})
}

func (r *Router) handleAcknowledgement(ctx context.Context, s transport.Session, ev *transport.Event) {
	if !r.requireRole(s, transport.RoleAgent, EventAgentAcknowledgement) {
		return
	}

	var ack AckPayload
	if err := json.Unmarshal(ev.Payload, &ack); err != nil || ack.ConversationID == "" {
		r.logger.Warn("bad acknowledgement payload", "session_id", s.ID(), "error", err)
		return
	}

	r.coordinator.Acknowledge(ctx, ack.ConversationID, s.AgentID())
}

func (r *Router) handleClientMessage(ctx context.Context, s transport.Session, ev *transport.Event) {
	if !r.requireRole(s, transport.RoleGateway, EventConversationMessage) {
		return
	}

	var msg MessagePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.ConversationID == "" {
		r.logger.Warn("bad conversation_message payload", "session_id", s.ID(), "error", err)
		return
	}

	sess, err := r.table.Get(msg.ConversationID)
	if err != nil {
		// Delivery raced closure; expected, degrade gracefully.
		r.logger.Warn("message for unknown conversation dropped",
			"conversation_id", msg.ConversationID,
		)
		return
	}

	r.appendMessage(msg.ConversationID, session.RoleClient, msg.Text(), msg.Timestamp)

	agentSess, ok := r.registry.AgentSession(sess.AgentID)
	if !ok {
		r.logger.Warn("assigned agent has no session, message not relayed",
			"conversation_id", msg.ConversationID,
			"agent_id", sess.AgentID,
		)
		return
	}
	if err := agentSess.Send(ctx, EventConversationMessage, &msg); err != nil {
		r.logger.Warn("relaying client message failed",
			"conversation_id", msg.ConversationID,
			"agent_id", sess.AgentID,
			"error", err,
		)
	}
}

func (r *Router) handleAgentResponse(ctx context.Context, s transport.Session, ev *transport.Event) {
	if !r.requireRole(s, transport.RoleAgent, EventAgentResponse) {
		return
	}

	var msg MessagePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.ConversationID == "" {
		r.logger.Warn("bad agent_response payload", "session_id", s.ID(), "error", err)
		return
	}

	sess, err := r.table.Get(msg.ConversationID)
	if err != nil {
		r.logger.Warn("response for unknown conversation dropped",
			"conversation_id", msg.ConversationID,
			"agent_id", s.AgentID(),
		)
		return
	}
	if sess.AgentID != s.AgentID() {
		r.logger.Warn("response from agent not assigned to conversation",
			"conversation_id", msg.ConversationID,
			"agent_id", s.AgentID(),
			"assigned", sess.AgentID,
		)
		return
	}

	r.appendMessage(msg.ConversationID, session.RoleAgent, msg.Text(), msg.Timestamp)

	gw, ok := r.registry.GatewaySession()
	if !ok {
		r.logger.Warn("no gateway session, agent response not relayed",
			"conversation_id", msg.ConversationID,
		)
		return
	}
	if err := gw.Send(ctx, EventAgentResponse, &msg); err != nil {
		r.logger.Warn("relaying agent response failed",
			"conversation_id", msg.ConversationID,
			"error", err,
		)
	}
}

// handleCloseRequest runs conversation closure from either side.
// Table.Close succeeds exactly once per conversation, which is what
// guarantees the opposite party is notified exactly once.
func (r *Router) handleCloseRequest(ctx context.Context, s transport.Session, ev *transport.Event) {
	var req ClosePayload
	if err := json.Unmarshal(ev.Payload, &req); err != nil || req.ConversationID == "" {
		r.logger.Warn("bad close_request payload", "session_id", s.ID(), "error", err)
		return
	}

	closed, err := r.table.Close(req.ConversationID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// Duplicate or racing close; already handled.
			return
		}
		r.logger.Warn("close failed", "conversation_id", req.ConversationID, "error", err)
		return
	}

	_, wentIdle := r.roster.CloseConversation(closed.AgentID, closed.ConversationID)
	if wentIdle {
		status := store.StatusAvailable
		if info, ok := r.roster.Get(closed.AgentID); ok && info.OfflineRequested {
			status = store.StatusBreak
		}
		go r.accounts.setStatus(closed.AgentID, status)
	}

	notification := &CloseNotificationPayload{
		ConversationID: closed.ConversationID,
		ClientID:       closed.ClientID,
	}

	switch s.Role() {
	case transport.RoleGateway:
		if agentSess, ok := r.registry.AgentSession(closed.AgentID); ok {
			if err := agentSess.Send(ctx, EventCloseNotification, notification); err != nil {
				r.logger.Warn("close notification to agent failed",
					"conversation_id", closed.ConversationID,
					"agent_id", closed.AgentID,
					"error", err,
				)
			}
		}
	case transport.RoleAgent:
		if gw, ok := r.registry.GatewaySession(); ok {
			if err := gw.Send(ctx, EventCloseNotification, notification); err != nil {
				r.logger.Warn("close notification to gateway failed",
					"conversation_id", closed.ConversationID,
					"error", err,
				)
			}
		}
	}
}

// OfferConversation implements assign.Emitter.
func (r *Router) OfferConversation(ctx context.Context, agentID string, offer *assign.Offer) error {
	agentSess, ok := r.registry.AgentSession(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no session", agentID)
	}
	return agentSess.Send(ctx, EventAgentRequested, offer)
}

// AssignmentResult implements assign.Emitter. Best-effort: results for
// a gateway session that already vanished are only logged.
func (r *Router) AssignmentResult(ctx context.Context, originSessionID string, res *assign.Result) {
	gw, ok := r.registry.GatewaySession()
	if !ok {
		r.logger.Warn("assignment result dropped, no gateway session",
			"conversation_id", res.ConversationID,
			"status", res.Status,
		)
		return
	}
	if gw.ID() != originSessionID {
		r.logger.Debug("gateway session changed since request",
			"conversation_id", res.ConversationID,
			"origin_session", originSessionID,
			"current_session", gw.ID(),
		)
	}
	if err := gw.Send(ctx, EventAgentAck, res); err != nil {
		r.logger.Warn("assignment result delivery failed",
			"conversation_id", res.ConversationID,
			"status", res.Status,
			"error", err,
		)
	}
}

// NotifyNewClient implements assign.Emitter.
func (r *Router) NotifyNewClient(ctx context.Context, agentID string, notice *assign.NewClient) {
	agentSess, ok := r.registry.AgentSession(agentID)
	if !ok {
		r.logger.Warn("new-client notice dropped, agent has no session",
			"conversation_id", notice.ConversationID,
			"agent_id", agentID,
		)
		return
	}
	if err := agentSess.Send(ctx, EventNewClient, notice); err != nil {
		r.logger.Warn("new-client notice delivery failed",
			"conversation_id", notice.ConversationID,
			"agent_id", agentID,
			"error", err,
		)
	}
}

// FirstSeen is the roster hook for newly enrolled agents.
func (r *Router) FirstSeen(agentID, name, label string) {
	r.accounts.firstSeen(agentID, name, label)
}

func (r *Router) appendMessage(conversationID, role, content string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	// Append failures are already logged by the table; drop the error.
	_ = r.table.Append(conversationID, session.Message{
		Role:      role,
		Content:   content,
		Timestamp: ts,
	})
}

func (r *Router) agentName(agentID string) string {
	if info, ok := r.roster.Get(agentID); ok && info.Name != "" {
		return info.Name
	}
	return agentID
}

// requireRole drops events arriving from the wrong side with a warning.
func (r *Router) requireRole(s transport.Session, want transport.Role, event string) bool {
	if s.Role() != want {
		r.logger.Warn("event from wrong role ignored",
			"event", event,
			"session_id", s.ID(),
			"role", s.Role().String(),
			"want", want.String(),
		)
		return false
	}
	return true
}
