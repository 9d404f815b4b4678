// Package assign implements the agent assignment protocol.
//
// # Overview
//
// When the gateway requests an agent for a conversation, the
// coordinator runs an offer/acknowledge handshake against the roster:
//
//  1. Select the least-loaded eligible agent (reserving a load slot)
//  2. Send the agent a conversation offer
//  3. Wait for acknowledgment, bounded by the assignment timeout
//  4. On timeout, release the reservation, mark the agent tried, and
//     retry with the next candidate
//  5. After the retry budget is spent, or when no candidate exists at
//     all, report "unavailable" to the gateway exactly once
//
// # State Machine
//
// Each in-flight request holds a status word driven by compare-and-swap:
//
//	PENDING -> ACKNOWLEDGED   (agent acked in time; terminal)
//	PENDING -> TIMEOUT        (timer fired first)
//	TIMEOUT -> PENDING        (replacement candidate installed)
//	any     -> FAILED         (retries exhausted or no candidates)
//
// The CAS makes acknowledgment and timeout mutually exclusive: exactly
// one of them wins, the loser becomes a no-op.
//
// # Tried Set
//
// Agents that failed to acknowledge are excluded from every later retry
// of the same request. Retries for one request are strictly sequential;
// a request holds at most one reservation at a time.
package assign
