// ABOUTME: Assignment coordinator driving the request-to-agent matching protocol.
// ABOUTME: Bounded retries, timeout escalation, and exactly-one terminal response.

package assign

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/candorhq/switchboard/internal/roster"
	"github.com/candorhq/switchboard/internal/session"
)

// Assignment result statuses carried in the ack status field. External
// failures are reported through this field, never as transport errors.
const (
	ResultAssigned    = "assigned"
	ResultUnavailable = "unavailable"
)

// Request is an inbound conversation request from the gateway.
type Request struct {
	ConversationID  string
	ClientID        string
	TenantID        string
	Summary         string
	History         string
	OriginSessionID string
}

// Offer is the payload sent to a candidate agent.
type Offer struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Summary        string `json:"summary"`
	History        string `json:"history"`
}

// Result is the assignment outcome reported to the gateway.
type Result struct {
	Status         string `json:"status"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	ConversationID string `json:"conversation_id"`
}

// NewClient is the confirmation sent to the agent once the session is open.
type NewClient struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Summary        string `json:"summary"`
}

// Roster is what the coordinator needs from the presence/availability layer.
type Roster interface {
	SelectCandidate(excluding map[string]struct{}) (string, bool)
	Release(agentID string)
	Commit(agentID, conversationID string)
	Get(agentID string) (roster.AgentInfo, bool)
}

// Sessions is what the coordinator needs from the session table.
type Sessions interface {
	Open(conversationID, agentID, clientID, summary, history string) (*session.Session, error)
}

// Emitter delivers coordinator events to the transport sessions.
// AssignmentResult is best-effort: a gateway that dropped its session
// gets the result logged, never retried.
type Emitter interface {
	OfferConversation(ctx context.Context, agentID string, offer *Offer) error
	AssignmentResult(ctx context.Context, originSessionID string, res *Result)
	NotifyNewClient(ctx context.Context, agentID string, notice *NewClient)
}

// Coordinator owns the set of in-flight assignments and drives each one
// through the PENDING/ACKNOWLEDGED/TIMEOUT/FAILED state machine.
// Retries for one request are strictly sequential.
type Coordinator struct {
	roster   Roster
	sessions Sessions
	emitter  Emitter

	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	pending map[string]*Pending // conversationID -> record

	logger *slog.Logger
	now    func() time.Time
}

// Options configures a Coordinator.
type Options struct {
	Roster     Roster
	Sessions   Sessions
	Emitter    Emitter
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		roster:     opts.Roster,
		sessions:   opts.Sessions,
		emitter:    opts.Emitter,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		pending:    make(map[string]*Pending),
		logger:     logger.With("component", "assign"),
		now:        time.Now,
	}
}

// Assign starts the matching protocol for a conversation request.
// Duplicate requests for a conversation that already has an in-flight
// assignment are dropped with a warning.
func (c *Coordinator) Assign(ctx context.Context, req *Request) {
	c.mu.Lock()
	if _, exists := c.pending[req.ConversationID]; exists {
		c.mu.Unlock()
		c.logger.Warn("duplicate request for in-flight assignment",
			"conversation_id", req.ConversationID,
			"client_id", req.ClientID,
		)
		return
	}
	p := newPending(req, c.maxRetries, c.now())
	c.pending[req.ConversationID] = p
	c.mu.Unlock()

	c.offer(ctx, p)
}

// Acknowledge handles an agent confirming an offered conversation.
// Acks for unknown conversations or from the wrong agent are ignored
// with a warning; acks that lose the race against the timeout are
// ignored silently (the CAS already decided).
func (c *Coordinator) Acknowledge(ctx context.Context, conversationID, agentID string) {
	c.mu.Lock()
	p, ok := c.pending[conversationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("ack for unknown assignment",
			"conversation_id", conversationID,
			"agent_id", agentID,
		)
		return
	}

	// An agent in the tried set already timed out (or failed delivery)
	// for this request; its reservation is gone and its slot may belong
	// to the next candidate. A late ack from it must never win.
	if _, tried := p.Tried()[agentID]; tried {
		c.logger.Warn("ack from timed-out agent ignored",
			"conversation_id", conversationID,
			"agent_id", agentID,
		)
		return
	}

	if current := p.AgentID(); current != agentID {
		c.logger.Warn("ack from non-candidate agent ignored",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"candidate", current,
		)
		return
	}

	if !p.transition(StatusPending, StatusAcknowledged) {
		c.logger.Debug("ack lost race with timeout",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"status", p.Status().String(),
		)
		return
	}
	p.stopTimer()

	c.mu.Lock()
	delete(c.pending, conversationID)
	c.mu.Unlock()

	if _, err := c.sessions.Open(p.ConversationID, agentID, p.ClientID, p.Summary, p.History); err != nil {
		// The selection reservation was never committed; return it so the
		// agent's slot is not lost.
		c.roster.Release(agentID)
		c.logger.Warn("session open on ack",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"error", err,
		)
		return
	}
	c.roster.Commit(agentID, p.ConversationID)

	agentName := agentID
	if info, ok := c.roster.Get(agentID); ok && info.Name != "" {
		agentName = info.Name
	}

	c.emitter.AssignmentResult(ctx, p.OriginSessionID, &Result{
		Status:         ResultAssigned,
		AgentID:        agentID,
		AgentName:      agentName,
		ConversationID: p.ConversationID,
	})
	c.emitter.NotifyNewClient(ctx, agentID, &NewClient{
		ConversationID: p.ConversationID,
		ClientID:       p.ClientID,
		Summary:        p.Summary,
	})

	c.logger.Info("assignment acknowledged",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"retries", p.RetryCount(),
	)
}

// PendingCount reports how many assignments are currently in flight.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// offer selects the next candidate for p and emits the offer. Called
// for the initial attempt and after each timeout; never concurrently
// for the same record.
func (c *Coordinator) offer(ctx context.Context, p *Pending) {
	for {
		agentID, ok := c.roster.SelectCandidate(p.Tried())
		if !ok {
			c.fail(ctx, p)
			return
		}

		deadline := c.now().Add(c.timeout)
		p.setCandidate(agentID, deadline, nil)
		// After a timeout the record sits in TIMEOUT until the replacement
		// candidate is installed above. Only then may acknowledgments flow
		// again, so a stale ack from the previous candidate can never pass
		// both the candidate check and the status CAS.
		p.status.Store(int32(StatusPending))

		err := c.emitter.OfferConversation(ctx, agentID, &Offer{
			ConversationID: p.ConversationID,
			ClientID:       p.ClientID,
			Summary:        p.Summary,
			History:        p.History,
		})
		if err == nil {
			// Armed only after a successful send so a failed delivery
			// never races its own timeout callback. An ack landing in
			// between simply finds no timer to stop.
			p.armTimer(time.AfterFunc(c.timeout, func() {
				c.onTimeout(p)
			}))
			c.logger.Info("conversation offered",
				"conversation_id", p.ConversationID,
				"agent_id", agentID,
				"retry", p.RetryCount(),
				"deadline", deadline,
			)
			return
		}

		// Delivery failed outright: treat as an immediate timeout for
		// this candidate and move on without waiting for the deadline.
		c.logger.Warn("offer delivery failed",
			"conversation_id", p.ConversationID,
			"agent_id", agentID,
			"error", err,
		)
		if !c.beginRetry(p, agentID) {
			return
		}
	}
}

// onTimeout fires when an offer deadline elapses without acknowledgment.
func (c *Coordinator) onTimeout(p *Pending) {
	agentID := p.AgentID()
	if !p.transition(StatusPending, StatusTimeout) {
		// Acknowledgment won the race.
		return
	}

	c.logger.Warn("offer timed out",
		"conversation_id", p.ConversationID,
		"agent_id", agentID,
		"retry", p.RetryCount(),
	)

	if !c.retryAfterTimeout(p, agentID) {
		return
	}
	c.offer(context.Background(), p)
}

// retryAfterTimeout books the timeout against the candidate and decides
// whether another attempt is allowed. The record stays in TIMEOUT until
// offer installs the replacement candidate, keeping the ack path closed
// for the duration of the reselection.
func (c *Coordinator) retryAfterTimeout(p *Pending, agentID string) bool {
	c.roster.Release(agentID)
	p.markTried(agentID)

	p.mu.Lock()
	p.retryCount++
	retries := p.retryCount
	p.mu.Unlock()

	if retries >= p.MaxRetries {
		if p.transition(StatusTimeout, StatusFailed) {
			c.finish(p)
		}
		return false
	}
	return true
}

// beginRetry is the delivery-failure twin of retryAfterTimeout: the
// record is still PENDING, so no status rewind is needed on success.
func (c *Coordinator) beginRetry(p *Pending, agentID string) bool {
	c.roster.Release(agentID)
	p.markTried(agentID)

	p.mu.Lock()
	p.retryCount++
	retries := p.retryCount
	p.mu.Unlock()

	if retries >= p.MaxRetries {
		if p.transition(StatusPending, StatusFailed) {
			c.finish(p)
		}
		return false
	}
	return true
}

// fail reports the terminal "unavailable" outcome. Reached from PENDING
// when no eligible agent exists at all, or from TIMEOUT when reselection
// finds no replacement. The CAS keeps a concurrent ack from being
// clobbered.
func (c *Coordinator) fail(ctx context.Context, p *Pending) {
	if !p.transition(StatusPending, StatusFailed) && !p.transition(StatusTimeout, StatusFailed) {
		return
	}
	c.finishWithCtx(ctx, p)
}

func (c *Coordinator) finish(p *Pending) {
	c.finishWithCtx(context.Background(), p)
}

// finishWithCtx removes the record and emits exactly one "unavailable"
// response for it.
func (c *Coordinator) finishWithCtx(ctx context.Context, p *Pending) {
	c.mu.Lock()
	_, live := c.pending[p.ConversationID]
	if live {
		delete(c.pending, p.ConversationID)
	}
	c.mu.Unlock()

	if !live {
		return
	}

	c.emitter.AssignmentResult(ctx, p.OriginSessionID, &Result{
		Status:         ResultUnavailable,
		ConversationID: p.ConversationID,
	})
	c.logger.Warn("no agent available",
		"conversation_id", p.ConversationID,
		"client_id", p.ClientID,
		"retries", p.RetryCount(),
		"tried", len(p.Tried()),
	)
}
