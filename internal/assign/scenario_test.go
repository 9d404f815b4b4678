// ABOUTME: Scenario tests running the coordinator against the real roster.
// ABOUTME: Covers contention for a single slot and capacity recovery.

package assign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candorhq/switchboard/internal/roster"
	"github.com/candorhq/switchboard/internal/session"
)

func TestScenario_TwoRequestsOneAgentCeilingOne(t *testing.T) {
	ros := roster.NewStore(roster.Options{
		LoadCeiling:      1,
		HeartbeatTimeout: time.Minute,
	})
	ros.Heartbeat("a1", "Alice", "")

	em := &fakeEmitter{}
	tbl := session.NewTable(nil)
	c := NewCoordinator(Options{
		Roster:     ros,
		Sessions:   tbl,
		Emitter:    em,
		Timeout:    time.Minute,
		MaxRetries: 3,
	})

	c.Assign(context.Background(), req("conv-1"))
	c.Assign(context.Background(), &Request{
		ConversationID:  "conv-2",
		ClientID:        "client-2",
		OriginSessionID: "gw-1",
	})

	// The first request reserved the only slot; the second fails
	// immediately instead of queueing.
	require.Equal(t, []string{"a1"}, em.offers)
	results := em.resultSnapshot()
	require.Len(t, results, 1)
	assert.Equal(t, ResultUnavailable, results[0].Status)
	assert.Equal(t, "conv-2", results[0].ConversationID)

	// The winner completes normally.
	c.Acknowledge(context.Background(), "conv-1", "a1")
	results = em.resultSnapshot()
	require.Len(t, results, 2)
	assert.Equal(t, ResultAssigned, results[1].Status)

	info, ok := ros.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 1, info.Load)
}

func TestScenario_ClosureFreesCapacityForNextRequest(t *testing.T) {
	ros := roster.NewStore(roster.Options{
		LoadCeiling:      1,
		HeartbeatTimeout: time.Minute,
	})
	ros.Heartbeat("a1", "Alice", "")

	em := &fakeEmitter{}
	tbl := session.NewTable(nil)
	c := NewCoordinator(Options{
		Roster:     ros,
		Sessions:   tbl,
		Emitter:    em,
		Timeout:    time.Minute,
		MaxRetries: 3,
	})

	c.Assign(context.Background(), req("conv-1"))
	c.Acknowledge(context.Background(), "conv-1", "a1")

	// At the ceiling: a new request fails.
	c.Assign(context.Background(), &Request{ConversationID: "conv-2", ClientID: "c2", OriginSessionID: "gw-1"})
	require.Equal(t, ResultUnavailable, em.resultSnapshot()[1].Status)

	// Closing the open conversation restores eligibility.
	_, err := tbl.Close("conv-1")
	require.NoError(t, err)
	ros.CloseConversation("a1", "conv-1")

	c.Assign(context.Background(), &Request{ConversationID: "conv-3", ClientID: "c3", OriginSessionID: "gw-1"})
	c.Acknowledge(context.Background(), "conv-3", "a1")

	results := em.resultSnapshot()
	assert.Equal(t, ResultAssigned, results[len(results)-1].Status)
}
