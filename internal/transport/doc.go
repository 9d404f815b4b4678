// Package transport provides the WebSocket event transport.
//
// Peers connect to /ws with role and agent_id query parameters. Frames
// are JSON envelopes of the form {"event": name, "payload": {...}}.
// Malformed envelopes terminate the connection with a protocol error
// close code; the broker never tries to recover a session that cannot
// speak the protocol.
package transport
