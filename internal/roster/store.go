// ABOUTME: Presence store and availability selection for connected agents.
// ABOUTME: Heartbeat-driven records, offer reservations, and lazy stale eviction.

package roster

import (
	"log/slog"
	"sync"
	"time"
)

// FirstSeenFunc is invoked (fire-and-forget, outside the store lock)
// when a heartbeat creates a previously unknown agent.
type FirstSeenFunc func(agentID, name, label string)

// Options configures a Store.
type Options struct {
	// LoadCeiling is the maximum number of concurrent conversations
	// (open plus reserved) an agent may carry.
	LoadCeiling int

	// HeartbeatTimeout bounds how stale a heartbeat may be before the
	// agent is considered unreachable.
	HeartbeatTimeout time.Duration

	// OnFirstSeen, when set, is called for first heartbeats.
	OnFirstSeen FirstSeenFunc

	Logger *slog.Logger
}

// Store tracks agent presence and answers availability queries.
// A single mutex guards the agent map and the heap; every operation is
// a short in-memory critical section with no I/O inside it.
type Store struct {
	mu      sync.Mutex
	agents  map[string]*agent
	queue   availQueue
	nextSeq uint64

	ceiling     int
	hbTimeout   time.Duration
	onFirstSeen FirstSeenFunc
	logger      *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates an empty roster store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		agents:      make(map[string]*agent),
		ceiling:     opts.LoadCeiling,
		hbTimeout:   opts.HeartbeatTimeout,
		onFirstSeen: opts.OnFirstSeen,
		logger:      logger.With("component", "roster"),
		now:         time.Now,
	}
}

// Heartbeat refreshes the agent's presence. The first heartbeat for an
// unknown id creates the record and enrolls it in the availability
// queue. Returns true when the record was created.
func (s *Store) Heartbeat(agentID, name, label string) bool {
	s.mu.Lock()

	a, ok := s.agents[agentID]
	if !ok {
		s.nextSeq++
		a = &agent{
			id:     agentID,
			name:   name,
			label:  label,
			active: make(map[string]struct{}),
			seq:    s.nextSeq,
		}
		s.agents[agentID] = a
	}

	a.lastHeartbeat = s.now()
	if name != "" {
		a.name = name
	}
	if label != "" {
		a.label = label
	}

	// Re-enroll if a sweep (or offline toggle) removed the agent from
	// the queue while the record survived.
	if !a.offlineRequested && !a.enqueued {
		s.enqueueLocked(a)
	}

	s.mu.Unlock()

	if !ok {
		s.logger.Info("agent enrolled", "agent_id", agentID, "name", name)
		if s.onFirstSeen != nil {
			go s.onFirstSeen(agentID, name, label)
		}
	}
	return !ok
}

// Reachable reports whether the agent's last heartbeat is within the
// given timeout. Unknown agents are unreachable.
func (s *Store) Reachable(agentID string, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return false
	}
	return a.reachable(timeout, s.now())
}

// MarkOfflineRequested stops new assignments to the agent. Open
// conversations are unaffected; the queue entry is evicted lazily.
func (s *Store) MarkOfflineRequested(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		s.logger.Warn("offline request for unknown agent", "agent_id", agentID)
		return
	}
	a.offlineRequested = true
	a.version++
	a.enqueued = false
	s.logger.Info("agent requested offline", "agent_id", agentID, "load", a.load())
}

// ClearOffline makes the agent eligible for new assignments again.
func (s *Store) ClearOffline(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		s.logger.Warn("online request for unknown agent", "agent_id", agentID)
		return
	}
	if !a.offlineRequested {
		return
	}
	a.offlineRequested = false
	a.version++
	s.enqueueLocked(a)
	s.logger.Info("agent back online", "agent_id", agentID)
}

// SelectCandidate picks the least-loaded eligible agent, skipping agents
// in the excluding set, agents who requested offline, unreachable agents,
// and agents at the load ceiling. A slot is reserved on the returned
// agent; the caller must later Commit or Release it.
//
// Returning ok=false is a normal outcome, not an error.
func (s *Store) SelectCandidate(excluding map[string]struct{}) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var skipped []*entry

	defer func() {
		for _, e := range skipped {
			s.queue.push(e)
		}
	}()

	for {
		e := s.queue.pop()
		if e == nil {
			return "", false
		}

		a, ok := s.agents[e.agentID]
		if !ok || e.version != a.version {
			// Stale entry; a fresher one exists (or the agent is gone).
			continue
		}

		if a.offlineRequested {
			// Lazy eviction point for offline toggles.
			a.enqueued = false
			continue
		}

		if !a.reachable(s.hbTimeout, now) {
			// Evicted until the next heartbeat re-enrolls it.
			a.enqueued = false
			s.logger.Debug("skipping unreachable agent",
				"agent_id", a.id,
				"last_heartbeat", a.lastHeartbeat,
			)
			continue
		}

		if a.load() >= s.ceiling {
			// Dropped; the load-changing operation that brings the
			// agent back below the ceiling pushes a fresh entry.
			a.enqueued = false
			continue
		}

		if _, tried := excluding[a.id]; tried {
			// Eligible in general, just not for this request.
			skipped = append(skipped, e)
			continue
		}

		a.pending++
		a.version++
		s.enqueueLocked(a)
		s.logger.Debug("candidate selected",
			"agent_id", a.id,
			"load", a.load(),
		)
		return a.id, true
	}
}

// Release returns a reserved offer slot, after an offer timed out or
// could not be delivered.
func (s *Store) Release(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return
	}
	if a.pending > 0 {
		a.pending--
	} else {
		s.logger.Warn("release without reservation", "agent_id", agentID)
	}
	a.version++
	if !a.offlineRequested {
		s.enqueueLocked(a)
	}
}

// Commit converts a reserved offer slot into an open conversation.
func (s *Store) Commit(agentID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		s.logger.Warn("commit for unknown agent", "agent_id", agentID, "conversation_id", conversationID)
		return
	}

	if a.pending > 0 {
		a.pending--
	}
	a.active[conversationID] = struct{}{}
	a.count++
	s.reconcileLocked(a)

	a.version++
	if !a.offlineRequested {
		s.enqueueLocked(a)
	}
	s.logger.Info("conversation assigned",
		"agent_id", agentID,
		"conversation_id", conversationID,
		"load", a.load(),
	)
}

// CloseConversation removes the conversation from the agent's active set
// and reports the remaining load and whether the agent just went idle.
func (s *Store) CloseConversation(agentID, conversationID string) (remaining int, wentIdle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		s.logger.Warn("close for unknown agent", "agent_id", agentID, "conversation_id", conversationID)
		return 0, false
	}

	if _, open := a.active[conversationID]; open {
		delete(a.active, conversationID)
		a.count--
	} else {
		s.logger.Warn("close for conversation not in active set",
			"agent_id", agentID,
			"conversation_id", conversationID,
		)
	}
	s.reconcileLocked(a)

	a.version++
	if !a.offlineRequested {
		s.enqueueLocked(a)
	}

	return a.load(), len(a.active) == 0 && a.pending == 0
}

// Get returns a snapshot of the agent's presence record.
func (s *Store) Get(agentID string) (AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return a.snapshot(), true
}

// Snapshot returns presence records for every known agent.
func (s *Store) Snapshot() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.snapshot())
	}
	return out
}

// Sweep evicts agents with stale heartbeats from the availability queue
// and returns their ids. Records survive (reachability stays a lazy,
// query-time check); this only keeps the queue from accumulating dead
// entries between selections.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []string
	for _, a := range s.agents {
		if a.enqueued && !a.reachable(s.hbTimeout, now) {
			a.version++
			a.enqueued = false
			evicted = append(evicted, a.id)
		}
	}

	if len(evicted) > 0 {
		s.logger.Info("swept unreachable agents from queue", "agent_ids", evicted)
	}
	return evicted
}

// enqueueLocked pushes a fresh heap entry for the agent's current state.
// Caller holds the store mutex.
func (s *Store) enqueueLocked(a *agent) {
	s.queue.push(&entry{
		agentID: a.id,
		load:    a.load(),
		seq:     a.seq,
		version: a.version,
	})
	a.enqueued = true
}

// reconcileLocked enforces count == |active set|, correcting drift with
// a warning instead of trusting the counter. Caller holds the mutex.
func (s *Store) reconcileLocked(a *agent) {
	if drift := a.reconcile(); drift != 0 {
		s.logger.Warn("corrected conversation count drift",
			"agent_id", a.id,
			"drift", drift,
			"active", len(a.active),
		)
	}
}
