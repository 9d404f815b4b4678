// ABOUTME: Connection registry mapping transport sessions to the gateway slot and agents.
// ABOUTME: Enforces the single-gateway invariant and keeps forward/reverse agent maps in sync.

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/candorhq/switchboard/internal/transport"
)

// ErrGatewayConflict indicates a second, different session tried to claim
// the gateway slot while it was occupied.
var ErrGatewayConflict = errors.New("gateway already connected")

// ErrMissingAgentID indicates an agent registration without an agent id.
var ErrMissingAgentID = errors.New("agent id is required")

// Registry tracks which transport session belongs to the gateway and
// which belong to which agent. All operations are safe under concurrent
// invocation and never block on I/O.
type Registry struct {
	mu      sync.RWMutex
	gateway transport.Session
	byAgent map[string]transport.Session // agentID -> session
	agents  map[string]string            // sessionID -> agentID
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byAgent: make(map[string]transport.Session),
		agents:  make(map[string]string),
		logger:  logger.With("component", "registry"),
	}
}

// RegisterGateway claims the single gateway slot for the session.
// Re-registration with the same session id is an idempotent no-op; a
// different session is rejected with ErrGatewayConflict.
func (r *Registry) RegisterGateway(s transport.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gateway != nil {
		if r.gateway.ID() == s.ID() {
			r.logger.Info("gateway reconnected with same session", "session_id", s.ID())
			return nil
		}
		r.logger.Warn("gateway slot occupied, rejecting connection",
			"existing_session", r.gateway.ID(),
			"new_session", s.ID(),
		)
		return ErrGatewayConflict
	}

	r.gateway = s
	r.logger.Info("gateway connected", "session_id", s.ID())
	return nil
}

// RegisterAgent binds the session to the agent id. An agent reconnecting
// with a new session replaces its previous one (one session per agent);
// the displaced session is returned so the caller can close it.
func (r *Registry) RegisterAgent(s transport.Session, agentID string) (displaced transport.Session, err error) {
	if agentID == "" {
		return nil, ErrMissingAgentID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byAgent[agentID]; ok && prev.ID() != s.ID() {
		displaced = prev
		delete(r.agents, prev.ID())
		r.logger.Info("agent reconnected, replacing session",
			"agent_id", agentID,
			"old_session", prev.ID(),
			"new_session", s.ID(),
		)
	}

	r.byAgent[agentID] = s
	r.agents[s.ID()] = agentID

	r.logger.Info("agent connected",
		"agent_id", agentID,
		"session_id", s.ID(),
		"total_agents", len(r.byAgent),
	)
	return displaced, nil
}

// GatewaySession returns the current gateway session, if any.
func (r *Registry) GatewaySession() (transport.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateway, r.gateway != nil
}

// AgentSession resolves the session currently bound to the agent id.
func (r *Registry) AgentSession(agentID string) (transport.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAgent[agentID]
	return s, ok
}

// AgentIDForSession is the reverse lookup: which agent owns the session.
func (r *Registry) AgentIDForSession(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.agents[sessionID]
	return id, ok
}

// AgentSessions returns a snapshot of all connected agent sessions.
func (r *Registry) AgentSessions() []transport.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]transport.Session, 0, len(r.byAgent))
	for _, s := range r.byAgent {
		out = append(out, s)
	}
	return out
}

// Unregister removes the session from whichever slot it occupies.
// It reports whether the gateway slot was cleared and which agent, if
// any, lost its session.
func (r *Registry) Unregister(sessionID string) (wasGateway bool, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gateway != nil && r.gateway.ID() == sessionID {
		r.gateway = nil
		r.logger.Info("gateway disconnected", "session_id", sessionID)
		return true, ""
	}

	if id, ok := r.agents[sessionID]; ok {
		// Only drop the forward mapping if it still points at this
		// session; a replacement may already have registered.
		if cur, ok := r.byAgent[id]; ok && cur.ID() == sessionID {
			delete(r.byAgent, id)
		}
		delete(r.agents, sessionID)
		r.logger.Info("agent disconnected",
			"agent_id", id,
			"session_id", sessionID,
			"total_agents", len(r.byAgent),
		)
		return false, id
	}

	return false, ""
}
