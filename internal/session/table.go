// ABOUTME: Live conversation table keyed by conversation id.
// ABOUTME: Owns the message log and the active/closed lifecycle transitions.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyExists is returned when opening a conversation id that is
// already live.
var ErrAlreadyExists = errors.New("conversation already open")

// ErrNotFound is returned when the conversation id is not live.
var ErrNotFound = errors.New("conversation not found")

// Message roles. Messages are immutable once appended.
const (
	RoleClient = "client"
	RoleAgent  = "agent"
)

// Message is a single entry in a conversation's log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one live conversation between a client and its assigned
// agent. Mutations go through the Table; once closed a session is
// removed from the table and no longer mutable.
type Session struct {
	ConversationID string
	AgentID        string
	ClientID       string
	Summary        string

	// History is the prior transcript supplied by the gateway. Opaque
	// to the broker; relayed to the agent verbatim.
	History string

	StartTime time.Time
	EndTime   *time.Time

	mu       sync.Mutex
	messages []Message
	active   bool
}

// Messages returns a copy of the message log in append order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Table holds all live conversations.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger

	now func() time.Time
}

// NewTable creates an empty session table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// Open creates a live session for the conversation id. Returns
// ErrAlreadyExists (plus the existing session) when the id is already
// live, so callers can treat duplicate opens from the same client as
// idempotent.
func (t *Table) Open(conversationID, agentID, clientID, summary, history string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[conversationID]; ok {
		return existing, ErrAlreadyExists
	}

	s := &Session{
		ConversationID: conversationID,
		AgentID:        agentID,
		ClientID:       clientID,
		Summary:        summary,
		History:        history,
		StartTime:      t.now(),
		active:         true,
	}
	t.sessions[conversationID] = s

	t.logger.Info("conversation opened",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"client_id", clientID,
	)
	return s, nil
}

// Get returns the live session for the conversation id.
func (t *Table) Get(conversationID string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Append records a message on the live session. Messages for unknown or
// already-closed conversations are dropped with a warning: delivery can
// race closure and that is expected, never fatal.
func (t *Table) Append(conversationID string, msg Message) error {
	t.mu.RLock()
	s, ok := t.sessions[conversationID]
	t.mu.RUnlock()

	if !ok {
		t.logger.Warn("message for unknown conversation dropped",
			"conversation_id", conversationID,
			"role", msg.Role,
		)
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		t.logger.Warn("message for closed conversation dropped",
			"conversation_id", conversationID,
			"role", msg.Role,
		)
		return ErrNotFound
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Close marks the session closed, records the end time, and removes it
// from the live table. The second close of the same id returns
// ErrNotFound, which gives callers exactly-once closure semantics.
func (t *Table) Close(conversationID string) (*Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[conversationID]
	if ok {
		delete(t.sessions, conversationID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("close for unknown conversation", "conversation_id", conversationID)
		return nil, ErrNotFound
	}

	s.mu.Lock()
	end := t.now()
	s.EndTime = &end
	s.active = false
	s.mu.Unlock()

	t.logger.Info("conversation closed",
		"conversation_id", conversationID,
		"agent_id", s.AgentID,
		"duration", end.Sub(s.StartTime),
	)
	return s, nil
}

// Len reports how many conversations are currently live.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Live returns the currently open sessions in no particular order.
func (t *Table) Live() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
