// Package broker assembles the switchboard components into one service.
//
// # Overview
//
// The broker sits between a single upstream gateway and a pool of human
// agents, both connected over WebSocket. It owns the event router that
// dispatches inbound events to the connection registry, the agent
// roster, the session table, and the assignment coordinator, and it
// emits the coordinator's outbound events back onto the right sessions.
//
// # Event Surface
//
// Inbound (gateway): request_agent, conversation_message, close_request.
//
// Inbound (agent): heartbeat, agent_acknowledgement, agent_response,
// close_request, offline_request, online_request.
//
// Outbound: agent_requested, agent_ack, new_client, heartbeat_ack,
// close_notification, gateway_offline.
//
// # Lifecycle
//
//	b := broker.New(cfg, agentStore, logger)
//	err := b.Run(ctx) // blocks until ctx is cancelled
//
// A background ticker drives periodic maintenance: the reachability
// sweep (when enabled) and the closure of conversations abandoned by
// agents that disconnected and never returned within the reconnect
// grace period. Shutdown stops the listener, runs the HTTP grace
// period, and halts the ticker.
package broker
