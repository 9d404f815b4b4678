// ABOUTME: Fire-and-forget bridge to the durable agent directory.
// ABOUTME: Failures are logged, never propagated into the event path.

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/candorhq/switchboard/internal/store"
)

// saveTimeout bounds each durable write with its own context so a slow
// store cannot back up the event path.
const saveTimeout = 5 * time.Second

// accountNotifier mirrors presence milestones into the durable agent
// directory. A nil store disables it entirely.
type accountNotifier struct {
	store  store.Store
	logger *slog.Logger
}

func newAccountNotifier(s store.Store, logger *slog.Logger) *accountNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &accountNotifier{
		store:  s,
		logger: logger.With("component", "accounts"),
	}
}

// firstSeen records a newly enrolled agent as available.
func (n *accountNotifier) firstSeen(agentID, name, label string) {
	if n.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	err := n.store.UpsertAgent(ctx, &store.AgentRecord{
		ID:       agentID,
		Name:     name,
		Label:    label,
		Status:   store.StatusAvailable,
		LastSeen: time.Now(),
	})
	if err != nil {
		n.logger.Error("failed to record first-seen agent",
			"agent_id", agentID,
			"error", err,
		)
	}
}

// touchPresence mirrors a heartbeat into the directory.
func (n *accountNotifier) touchPresence(agentID string, lastSeen time.Time) {
	if n.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := n.store.TouchPresence(ctx, agentID, lastSeen); err != nil {
		n.logger.Debug("failed to touch presence",
			"agent_id", agentID,
			"error", err,
		)
	}
}

// setStatus updates the durable account status.
func (n *accountNotifier) setStatus(agentID string, status store.AgentStatus) {
	if n.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := n.store.UpdateAgentStatus(ctx, agentID, status); err != nil {
		n.logger.Error("failed to update agent status",
			"agent_id", agentID,
			"status", string(status),
			"error", err,
		)
	}
}
