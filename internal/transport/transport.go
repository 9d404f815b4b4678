// ABOUTME: Abstract bidirectional event transport consumed by the broker.
// ABOUTME: Sessions are addressable, events are named and carry a JSON payload.

package transport

import (
	"context"
	"encoding/json"
)

// Role identifies which side of the broker a session belongs to.
// It is resolved exactly once at connect time from the connection
// parameters and never re-inferred afterwards.
type Role int

const (
	RoleUnknown Role = iota
	RoleGateway
	RoleAgent
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleGateway:
		return "gateway"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ParseRole maps a connection parameter to a Role.
// Anything other than the two known values is RoleUnknown.
func ParseRole(s string) Role {
	switch s {
	case "gateway":
		return RoleGateway
	case "agent":
		return RoleAgent
	default:
		return RoleUnknown
	}
}

// Event is the wire envelope: an event name plus an opaque payload.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is a single connected peer. Implementations must make Send
// safe for concurrent use; Send must not block indefinitely.
type Session interface {
	// ID is the transport-assigned session identifier.
	ID() string

	// Role reports which side of the broker this session represents.
	Role() Role

	// AgentID returns the agent identifier supplied at connect time.
	// Empty for gateway sessions.
	AgentID() string

	// Send emits a named event with the given payload to the peer.
	Send(ctx context.Context, name string, payload any) error

	// Close terminates the session. The reason is conveyed to the peer
	// where the underlying transport supports it.
	Close(reason string)
}

// Handler receives transport lifecycle and event callbacks.
// OnConnect may reject the session by returning an error, in which case
// the transport closes the connection immediately.
type Handler interface {
	OnConnect(s Session) error
	OnEvent(s Session, ev *Event)
	OnDisconnect(s Session)
}
