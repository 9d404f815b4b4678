// ABOUTME: Agent presence record tracked by the roster store.
// ABOUTME: Holds heartbeat recency, active conversation set, and offer reservations.

package roster

import (
	"time"
)

// agent is the internal presence record. All fields are guarded by the
// Store mutex; nothing outside the package touches one directly.
type agent struct {
	id    string
	name  string
	label string

	offlineRequested bool
	lastHeartbeat    time.Time

	// active holds the agent's open conversation ids. count mirrors its
	// cardinality and is the value load comparisons trust only after the
	// reconcile guard has run.
	active map[string]struct{}
	count  int

	// pending counts offers reserved for this agent that have not yet
	// been acknowledged or timed out. Reservations occupy load slots so
	// concurrent assignments cannot push the agent past the ceiling.
	pending int

	// seq is the enrollment order, used as the availability tie-break.
	seq uint64

	// version invalidates queue entries: any eligibility-affecting
	// change bumps it, turning older heap entries stale.
	version uint64

	// enqueued is true while a heap entry with the current version is
	// in the availability queue.
	enqueued bool
}

// load is the value the availability ordering compares: open
// conversations plus reserved offers.
func (a *agent) load() int {
	return a.count + a.pending
}

// reconcile re-derives count from the active set when the two disagree.
// Returns the drift that was corrected (0 when the invariant held).
func (a *agent) reconcile() int {
	drift := a.count - len(a.active)
	if drift != 0 {
		a.count = len(a.active)
	}
	return drift
}

// reachable reports whether the last heartbeat is within the timeout.
// Evaluated lazily at query time; no background polling is involved.
func (a *agent) reachable(timeout time.Duration, now time.Time) bool {
	return now.Sub(a.lastHeartbeat) <= timeout
}

// AgentInfo is a read-only snapshot of an agent's presence state.
type AgentInfo struct {
	ID                  string
	Name                string
	Label               string
	Load                int
	PendingOffers       int
	ActiveConversations []string
	OfflineRequested    bool
	LastHeartbeat       time.Time
}

func (a *agent) snapshot() AgentInfo {
	convos := make([]string, 0, len(a.active))
	for id := range a.active {
		convos = append(convos, id)
	}
	return AgentInfo{
		ID:                  a.id,
		Name:                a.name,
		Label:               a.label,
		Load:                a.load(),
		PendingOffers:       a.pending,
		ActiveConversations: convos,
		OfflineRequested:    a.offlineRequested,
		LastHeartbeat:       a.lastHeartbeat,
	}
}
