// ABOUTME: Wire event names and payload types for the broker's transport surface.
// ABOUTME: Names follow the upstream gateway protocol; payloads are JSON envelopes.

package broker

import "time"

// Inbound event names.
const (
	// EventRequestAgent starts an assignment (gateway -> broker).
	EventRequestAgent = "request_agent"
	// EventAgentAcknowledgement confirms an offered conversation (agent -> broker).
	EventAgentAcknowledgement = "agent_acknowledgement"
	// EventConversationMessage relays a client message (gateway -> broker -> agent).
	EventConversationMessage = "conversation_message"
	// EventAgentResponse relays an agent message (agent -> broker -> gateway).
	EventAgentResponse = "agent_response"
	// EventCloseRequest ends a conversation (either side -> broker).
	EventCloseRequest = "close_request"
	// EventHeartbeat refreshes agent presence (agent -> broker).
	EventHeartbeat = "heartbeat"
	// EventOfflineRequest stops new assignments to the agent (agent -> broker).
	EventOfflineRequest = "offline_request"
	// EventOnlineRequest makes the agent assignable again (agent -> broker).
	EventOnlineRequest = "online_request"
)

// Outbound event names.
const (
	// EventAgentRequested offers a conversation to an agent (broker -> agent).
	EventAgentRequested = "agent_requested"
	// EventAgentAck reports the assignment result (broker -> gateway).
	EventAgentAck = "agent_ack"
	// EventNewClient confirms the opened session to the agent (broker -> agent).
	EventNewClient = "new_client"
	// EventCloseNotification relays closure to the non-initiating side.
	EventCloseNotification = "close_notification"
	// EventHeartbeatAck confirms liveness (broker -> agent).
	EventHeartbeatAck = "heartbeat_ack"
	// EventGatewayOffline tells agents the gateway session dropped (broker -> agent).
	EventGatewayOffline = "gateway_offline"
)

// RequestAgentPayload carries a new conversation request.
type RequestAgentPayload struct {
	ClientID       string    `json:"client_id"`
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	History        string    `json:"history,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// AckPayload is the agent-side acknowledgment of an offer.
type AckPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessagePayload relays a chat message in either direction.
// Transcript carries the client text on conversation_message;
// Message carries the agent text on agent_response. Each side keeps its
// own field name on the wire, so both exist here.
type MessagePayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id"`
	Transcript     string    `json:"transcript,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Text returns whichever wire field carries the message body.
func (m *MessagePayload) Text() string {
	if m.Transcript != "" {
		return m.Transcript
	}
	return m.Message
}

// ClosePayload requests closure of a conversation.
type ClosePayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// CloseNotificationPayload relays closure to the other side.
type CloseNotificationPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id,omitempty"`
}

// HeartbeatPayload refreshes presence. AgentID is taken from the
// session; name and label refresh the display attributes when present.
type HeartbeatPayload struct {
	AgentID string `json:"agent_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Label   string `json:"label,omitempty"`
}

// GatewayOfflinePayload is broadcast to agents when the gateway session
// drops. Open conversations are preserved.
type GatewayOfflinePayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
