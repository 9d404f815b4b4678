// ABOUTME: Tests for connect parameter validation and envelope round-trips.
// ABOUTME: Uses httptest with a real websocket dial for the end-to-end cases.

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"gateway", RoleGateway},
		{"agent", RoleAgent},
		{"", RoleUnknown},
		{"GATEWAY", RoleUnknown},
		{"admin", RoleUnknown},
	}
	for _, tt := range tests {
		if got := ParseRole(tt.in); got != tt.want {
			t.Errorf("ParseRole(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// recordingHandler captures transport callbacks for assertions.
type recordingHandler struct {
	mu          sync.Mutex
	connectErr  error
	connected   []Session
	events      []*Event
	disconnects int
}

func (h *recordingHandler) OnConnect(s Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectErr != nil {
		return h.connectErr
	}
	h.connected = append(h.connected, s)
	return nil
}

func (h *recordingHandler) OnEvent(_ Session, ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnDisconnect(_ Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHandler) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

func TestServeHTTP_RejectsBadParams(t *testing.T) {
	wh := NewWebSocketHandler(&recordingHandler{}, nil)

	tests := []struct {
		name  string
		query string
	}{
		{"missing role", ""},
		{"invalid role", "role=admin"},
		{"agent without id", "role=agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			rec := httptest.NewRecorder()

			wh.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestServeHTTP_EventRoundTrip(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(NewWebSocketHandler(handler, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "?role=agent&agent_id=a1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := []byte(`{"event":"heartbeat","payload":{"agent_id":"a1"}}`)
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.eventCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the handler")
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	ev := handler.events[0]
	sess := handler.connected[0]
	handler.mu.Unlock()

	if ev.Name != "heartbeat" {
		t.Errorf("event name = %q, want heartbeat", ev.Name)
	}
	if sess.Role() != RoleAgent {
		t.Errorf("role = %v, want RoleAgent", sess.Role())
	}
	if sess.AgentID() != "a1" {
		t.Errorf("agent id = %q, want a1", sess.AgentID())
	}
}

func TestServeHTTP_MalformedEnvelopeTerminates(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(NewWebSocketHandler(handler, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "?role=gateway"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server closes with a protocol error; the next read fails.
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusProtocolError {
		t.Errorf("close status = %v, want StatusProtocolError", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.disconnectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("OnDisconnect never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if handler.eventCount() != 0 {
		t.Errorf("malformed envelope produced %d events, want 0", handler.eventCount())
	}
}

func TestServeHTTP_HandlerRejectionClosesConnection(t *testing.T) {
	handler := &recordingHandler{connectErr: errTestRejected}
	srv := httptest.NewServer(NewWebSocketHandler(handler, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "?role=gateway"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		// Some close timings surface as a dial error; acceptable either way.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected rejection to close the connection")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want StatusPolicyViolation", status)
	}
}

var errTestRejected = errTest("rejected")

type errTest string

func (e errTest) Error() string { return string(e) }
