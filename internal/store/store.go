// ABOUTME: Store interface and data types for the agent directory.
// ABOUTME: The broker consumes this cache-aside; correctness never depends on it.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the durable account status mirrored on heartbeat
// first-seen and last-conversation-closed transitions.
type AgentStatus string

const (
	StatusAvailable AgentStatus = "available"
	StatusBusy      AgentStatus = "busy"
	StatusBreak     AgentStatus = "break"
)

// AgentRecord is the durable row for an agent account. The broker never
// hard-deletes one; ownership of agent identity is external.
type AgentRecord struct {
	ID        string
	Name      string
	Label     string
	Status    AgentStatus
	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the durable agent-directory collaborator.
type Store interface {
	// UpsertAgent creates or refreshes the agent row.
	UpsertAgent(ctx context.Context, rec *AgentRecord) error

	// UpdateAgentStatus sets the account status.
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// TouchPresence records the most recent heartbeat time.
	TouchPresence(ctx context.Context, id string, lastSeen time.Time) error

	// GetAgent returns the agent row or ErrNotFound.
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)

	// ListAgents returns all agent rows.
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// Close releases the underlying resources.
	Close() error
}
