// ABOUTME: Tests for the event router and its wiring to the coordinator.
// ABOUTME: Covers the full request/offer/ack flow, relays, closure, and gateway loss.

package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candorhq/switchboard/internal/assign"
	"github.com/candorhq/switchboard/internal/registry"
	"github.com/candorhq/switchboard/internal/roster"
	"github.com/candorhq/switchboard/internal/session"
	"github.com/candorhq/switchboard/internal/transport"
)

// fakeSession records everything sent to one peer.
type fakeSession struct {
	id      string
	role    transport.Role
	agentID string

	mu     sync.Mutex
	sent   []sentEvent
	closed bool
}

type sentEvent struct {
	name    string
	payload any
}

func (f *fakeSession) ID() string           { return f.id }
func (f *fakeSession) Role() transport.Role { return f.role }
func (f *fakeSession) AgentID() string      { return f.agentID }

func (f *fakeSession) Send(_ context.Context, name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{name: name, payload: payload})
	return nil
}

func (f *fakeSession) Close(_ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) events(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSession) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// harness wires a router, roster, table, and coordinator the way the
// broker does, without the HTTP layer.
type harness struct {
	router *Router
	roster *roster.Store
	table  *session.Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New(nil)
	table := session.NewTable(nil)
	router := NewRouter(reg, nil, table, nil, nil)
	ros := roster.NewStore(roster.Options{
		LoadCeiling:      5,
		HeartbeatTimeout: 30 * time.Second,
		OnFirstSeen:      router.FirstSeen,
	})
	router.roster = ros
	router.SetCoordinator(assign.NewCoordinator(assign.Options{
		Roster:     ros,
		Sessions:   table,
		Emitter:    router,
		Timeout:    time.Minute,
		MaxRetries: 3,
	}))

	return &harness{router: router, roster: ros, table: table}
}

func (h *harness) connectGateway(t *testing.T, id string) *fakeSession {
	t.Helper()
	s := &fakeSession{id: id, role: transport.RoleGateway}
	require.NoError(t, h.router.OnConnect(s))
	return s
}

func (h *harness) connectAgent(t *testing.T, id, agentID string) *fakeSession {
	t.Helper()
	s := &fakeSession{id: id, role: transport.RoleAgent, agentID: agentID}
	require.NoError(t, h.router.OnConnect(s))
	h.event(t, s, EventHeartbeat, &HeartbeatPayload{AgentID: agentID, Name: "Agent " + agentID})
	return s
}

func (h *harness) event(t *testing.T, s transport.Session, name string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	h.router.OnEvent(s, &transport.Event{Name: name, Payload: raw})
}

func TestOnConnect_SecondGatewayRejected(t *testing.T) {
	h := newHarness(t)
	h.connectGateway(t, "gw-1")

	err := h.router.OnConnect(&fakeSession{id: "gw-2", role: transport.RoleGateway})
	assert.ErrorIs(t, err, registry.ErrGatewayConflict)
}

func TestOnConnect_AgentReconnectClosesOldSession(t *testing.T) {
	h := newHarness(t)
	old := h.connectAgent(t, "s1", "a1")

	replacement := &fakeSession{id: "s2", role: transport.RoleAgent, agentID: "a1"}
	require.NoError(t, h.router.OnConnect(replacement))

	assert.True(t, old.wasClosed(), "displaced session must be closed")
}

func TestHeartbeat_EnrollsAndAcks(t *testing.T) {
	h := newHarness(t)
	agent := h.connectAgent(t, "s1", "a1")

	assert.Len(t, agent.events(EventHeartbeatAck), 1)

	info, ok := h.roster.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "Agent a1", info.Name)
}

func TestRequestAgent_FullAssignmentFlow(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
		Summary:        "refund request",
	})

	offers := agent.events(EventAgentRequested)
	require.Len(t, offers, 1)
	offer := offers[0].payload.(*assign.Offer)
	assert.Equal(t, "conv-1", offer.ConversationID)
	assert.Equal(t, "client-1", offer.ClientID)

	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	results := gw.events(EventAgentAck)
	require.Len(t, results, 1)
	res := results[0].payload.(*assign.Result)
	assert.Equal(t, assign.ResultAssigned, res.Status)
	assert.Equal(t, "a1", res.AgentID)

	notices := agent.events(EventNewClient)
	require.Len(t, notices, 1)

	s, err := h.table.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", s.AgentID)

	info, _ := h.roster.Get("a1")
	assert.Equal(t, 1, info.Load)
}

func TestRequestAgent_NoAgentsUnavailable(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
	})

	results := gw.events(EventAgentAck)
	require.Len(t, results, 1)
	res := results[0].payload.(*assign.Result)
	assert.Equal(t, assign.ResultUnavailable, res.Status)
}

func TestRequestAgent_DuplicateForLiveConversationReplaysAck(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	req := &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"}
	h.event(t, gw, EventRequestAgent, req)
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	// Gateway retries the request after the session is already live.
	h.event(t, gw, EventRequestAgent, req)

	results := gw.events(EventAgentAck)
	require.Len(t, results, 2)
	replay := results[1].payload.(*assign.Result)
	assert.Equal(t, assign.ResultAssigned, replay.Status)
	assert.Equal(t, "a1", replay.AgentID)

	// No second offer went out and the agent's load is unchanged.
	assert.Len(t, agent.events(EventAgentRequested), 1)
	info, _ := h.roster.Get("a1")
	assert.Equal(t, 1, info.Load)
}

func TestConversationMessage_RelayAndRecord(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.event(t, gw, EventConversationMessage, &MessagePayload{
		ConversationID: "conv-1",
		ClientID:       "client-1",
		Message:        "where is my order?",
	})
	require.Len(t, agent.events(EventConversationMessage), 1)

	h.event(t, agent, EventAgentResponse, &MessagePayload{
		ConversationID: "conv-1",
		Message:        "let me check",
	})
	require.Len(t, gw.events(EventAgentResponse), 1)

	s, err := h.table.Get("conv-1")
	require.NoError(t, err)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleClient, msgs[0].Role)
	assert.Equal(t, "where is my order?", msgs[0].Content)
	assert.Equal(t, session.RoleAgent, msgs[1].Role)
}

func TestConversationMessage_UnknownConversationDropped(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventConversationMessage, &MessagePayload{
		ConversationID: "ghost",
		Message:        "hello?",
	})

	assert.Empty(t, agent.events(EventConversationMessage))
}

func TestAgentResponse_FromUnassignedAgentDropped(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	assigned := h.connectAgent(t, "s1", "a1")
	intruder := h.connectAgent(t, "s2", "a2")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"})
	h.event(t, assigned, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.event(t, intruder, EventAgentResponse, &MessagePayload{
		ConversationID: "conv-1",
		Message:        "not my conversation",
	})

	assert.Empty(t, gw.events(EventAgentResponse))
	s, err := h.table.Get("conv-1")
	require.NoError(t, err)
	assert.Empty(t, s.Messages())
}

func TestCloseRequest_NotifiesOppositeSideOnce(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.event(t, gw, EventCloseRequest, &ClosePayload{ConversationID: "conv-1"})

	notifications := agent.events(EventCloseNotification)
	require.Len(t, notifications, 1)
	assert.Equal(t, "conv-1", notifications[0].payload.(*CloseNotificationPayload).ConversationID)
	assert.Empty(t, gw.events(EventCloseNotification), "the closing side gets no notification")

	// Closing agent-side afterwards is a no-op race, not a second
	// notification.
	h.event(t, agent, EventCloseRequest, &ClosePayload{ConversationID: "conv-1"})
	assert.Len(t, agent.events(EventCloseNotification), 1)
	assert.Empty(t, gw.events(EventCloseNotification))

	assert.Equal(t, 0, h.table.Len())
	info, _ := h.roster.Get("a1")
	assert.Equal(t, 0, info.Load, "closure must free the agent's slot")
}

func TestCloseRequest_FromAgentNotifiesGateway(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.event(t, agent, EventCloseRequest, &ClosePayload{ConversationID: "conv-1"})

	require.Len(t, gw.events(EventCloseNotification), 1)
	assert.Empty(t, agent.events(EventCloseNotification))
}

func TestOfflineRequest_StopsNewAssignments(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, agent, EventOfflineRequest, nil)

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-1"})
	results := gw.events(EventAgentAck)
	require.Len(t, results, 1)
	assert.Equal(t, assign.ResultUnavailable, results[0].payload.(*assign.Result).Status)

	// Coming back online restores eligibility.
	h.event(t, agent, EventOnlineRequest, nil)
	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{ClientID: "client-1", ConversationID: "conv-2"})
	assert.Len(t, agent.events(EventAgentRequested), 1)
}

func TestOnDisconnect_GatewayBroadcastsOffline(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	a1 := h.connectAgent(t, "s1", "a1")
	a2 := h.connectAgent(t, "s2", "a2")

	h.router.OnDisconnect(gw)

	for _, agent := range []*fakeSession{a1, a2} {
		events := agent.events(EventGatewayOffline)
		require.Len(t, events, 1, "agent %s missing gateway_offline", agent.agentID)
		payload := events[0].payload.(*GatewayOfflinePayload)
		assert.Equal(t, "gateway_unavailable", payload.Status)
	}

	// Agent sessions stay open.
	assert.False(t, a1.wasClosed())
	assert.False(t, a2.wasClosed())
}

func TestReapAbandoned_ClosesConversationsAfterGrace(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
	})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})
	require.Equal(t, 1, h.table.Len())

	h.router.OnDisconnect(agent)

	// The conversation survives the disconnect itself.
	assert.Equal(t, 1, h.table.Len())

	closed := h.router.ReapAbandoned(0)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, h.table.Len())

	notices := gw.events(EventCloseNotification)
	require.Len(t, notices, 1)
	payload := notices[0].payload.(*CloseNotificationPayload)
	assert.Equal(t, "conv-1", payload.ConversationID)
	assert.Equal(t, "client-1", payload.ClientID)

	// The agent's slot is freed.
	info, ok := h.roster.Get("a1")
	require.True(t, ok)
	assert.Empty(t, info.ActiveConversations)
}

func TestReapAbandoned_ReconnectWithinGracePreserves(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
	})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.router.OnDisconnect(agent)
	h.connectAgent(t, "s2", "a1")

	assert.Equal(t, 0, h.router.ReapAbandoned(0))
	assert.Equal(t, 1, h.table.Len())
	assert.Empty(t, gw.events(EventCloseNotification))
}

func TestReapAbandoned_WindowNotYetExpired(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
	})
	h.event(t, agent, EventAgentAcknowledgement, &AckPayload{ConversationID: "conv-1"})

	h.router.OnDisconnect(agent)

	// A pass inside the window leaves everything in place, and the mark
	// is still there for a later pass to act on.
	assert.Equal(t, 0, h.router.ReapAbandoned(time.Hour))
	assert.Equal(t, 1, h.table.Len())

	assert.Equal(t, 1, h.router.ReapAbandoned(0))
	assert.Equal(t, 0, h.table.Len())
}

func TestOnEvent_WrongRoleIgnored(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	// request_agent from an agent must not start an assignment.
	h.event(t, agent, EventRequestAgent, &RequestAgentPayload{ClientID: "c", ConversationID: "conv-1"})
	assert.Empty(t, gw.events(EventAgentAck))
	assert.Empty(t, agent.events(EventAgentRequested))

	// heartbeat from the gateway must not enroll anything.
	h.event(t, gw, EventHeartbeat, &HeartbeatPayload{AgentID: "gw"})
	_, ok := h.roster.Get("gw")
	assert.False(t, ok)
}

func TestScenario_NoAckRetriesExhaustToUnavailable(t *testing.T) {
	reg := registry.New(nil)
	table := session.NewTable(nil)
	router := NewRouter(reg, nil, table, nil, nil)
	ros := roster.NewStore(roster.Options{
		LoadCeiling:      5,
		HeartbeatTimeout: 30 * time.Second,
	})
	router.roster = ros
	router.SetCoordinator(assign.NewCoordinator(assign.Options{
		Roster:     ros,
		Sessions:   table,
		Emitter:    router,
		Timeout:    20 * time.Millisecond,
		MaxRetries: 3,
	}))
	h := &harness{router: router, roster: ros, table: table}

	gw := h.connectGateway(t, "gw-1")
	agent := h.connectAgent(t, "s1", "a1")

	h.event(t, gw, EventRequestAgent, &RequestAgentPayload{
		ClientID:       "client-1",
		ConversationID: "conv-1",
	})

	// The agent never acknowledges; the offer times out, the only
	// candidate lands in the tried set, and the gateway gets one
	// terminal "unavailable".
	require.Eventually(t, func() bool {
		return len(gw.events(EventAgentAck)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res := gw.events(EventAgentAck)[0].payload.(*assign.Result)
	assert.Equal(t, assign.ResultUnavailable, res.Status)
	assert.Equal(t, 0, table.Len())

	// Only the first offer went out: a tried agent is never re-offered
	// the same request, and no other agent exists.
	assert.Len(t, agent.events(EventAgentRequested), 1)

	// The reservation was released; the agent is eligible again.
	info, _ := ros.Get("a1")
	assert.Equal(t, 0, info.Load)
}

func TestOnEvent_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	gw := h.connectGateway(t, "gw-1")

	// Must not panic or emit anything.
	h.router.OnEvent(gw, &transport.Event{Name: "mystery", Payload: []byte(`{}`)})
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Empty(t, gw.sent)
}
