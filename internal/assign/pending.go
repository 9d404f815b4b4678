// ABOUTME: PendingAssignment record for in-flight, unacknowledged conversation offers.
// ABOUTME: Status transitions use compare-and-swap so ack and timeout are mutually exclusive.

package assign

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a pending assignment.
type Status int32

const (
	StatusPending Status = iota
	StatusAcknowledged
	StatusTimeout
	StatusFailed
)

// String returns the log name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAcknowledged:
		return "ACKNOWLEDGED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Pending represents one in-flight attempt to hand a conversation
// request to a specific agent before acknowledgment.
type Pending struct {
	ConversationID string
	ClientID       string
	TenantID       string
	Summary        string
	History        string

	// OriginSessionID routes the eventual assignment result back to
	// the transport session that carried the request.
	OriginSessionID string

	AssignedAt time.Time
	MaxRetries int

	status atomic.Int32

	// mu guards the mutable candidate fields below. The status word is
	// the synchronization point between acknowledgment and timeout; the
	// mutex only protects candidate bookkeeping within a transition.
	mu         sync.Mutex
	agentID    string
	deadline   time.Time
	retryCount int
	tried      map[string]struct{}
	timer      *time.Timer
}

func newPending(req *Request, maxRetries int, now time.Time) *Pending {
	return &Pending{
		ConversationID:  req.ConversationID,
		ClientID:        req.ClientID,
		TenantID:        req.TenantID,
		Summary:         req.Summary,
		History:         req.History,
		OriginSessionID: req.OriginSessionID,
		AssignedAt:      now,
		MaxRetries:      maxRetries,
		tried:           make(map[string]struct{}),
	}
}

// Status returns the current lifecycle state.
func (p *Pending) Status() Status {
	return Status(p.status.Load())
}

// transition atomically moves the record from one status to another.
// Returns false if another path won the race.
func (p *Pending) transition(from, to Status) bool {
	return p.status.CompareAndSwap(int32(from), int32(to))
}

// AgentID returns the current candidate agent.
func (p *Pending) AgentID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentID
}

// RetryCount returns how many offers have timed out so far.
func (p *Pending) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// Tried returns a copy of the already-offered agent set.
func (p *Pending) Tried() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]struct{}, len(p.tried))
	for id := range p.tried {
		out[id] = struct{}{}
	}
	return out
}

// markTried adds the current candidate to the tried set. An agent in
// the tried set is never re-offered the same request.
func (p *Pending) markTried(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tried[agentID] = struct{}{}
}

// setCandidate records the offered agent and its deadline, and arms the
// timeout timer. Any previously armed timer must already be stopped.
func (p *Pending) setCandidate(agentID string, deadline time.Time, timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentID = agentID
	p.deadline = deadline
	p.timer = timer
}

// armTimer attaches the timeout timer for the current offer.
func (p *Pending) armTimer(timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = timer
}

// stopTimer cancels the pending timeout, if armed.
func (p *Pending) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
