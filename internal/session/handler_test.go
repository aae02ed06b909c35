package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"payflow/hub/internal/logging"
	"payflow/hub/internal/registry"
)

type frame struct {
	messageType int
	payload     []byte
}

// scriptedSocket replays a fixed sequence of inbound frames, then reports the
// configured terminal error (peer close by default).
type scriptedSocket struct {
	frames   chan frame
	finalErr error

	mu            sync.Mutex
	closeControls int
}

func newScriptedSocket(frames ...frame) *scriptedSocket {
	ch := make(chan frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return &scriptedSocket{frames: ch}
}

func (s *scriptedSocket) ReadMessage() (int, []byte, error) {
	f, ok := <-s.frames
	if !ok {
		if s.finalErr != nil {
			return 0, nil, s.finalErr
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	return f.messageType, f.payload, nil
}

func (s *scriptedSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.CloseMessage {
		s.closeControls++
	}
	return nil
}

type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingTransport) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) types(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, payload := range r.frames {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &m); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		out = append(out, m.Type)
	}
	return out
}

func runSession(t *testing.T, sock Socket, userID string, messagesPerMinute int) (*registry.Registry, *recordingTransport, *registry.Connection) {
	t.Helper()
	reg := registry.New(logging.NewTestLogger())
	transport := &recordingTransport{}
	conn := reg.Add(transport, userID, "10.0.0.1")
	NewHandler(reg, logging.NewTestLogger(), messagesPerMinute).Run(conn, sock)
	return reg, transport, conn
}

func TestSessionSendsWelcomeFirst(t *testing.T) {
	_, transport, conn := runSession(t, newScriptedSocket(), "user-1", 0)

	types := transport.types(t)
	if len(types) == 0 || types[0] != "welcome" {
		t.Fatalf("expected welcome frame first, got %v", types)
	}
	var welcome welcomeMessage
	if err := json.Unmarshal(transport.frames[0], &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.ConnectionID != conn.ID || welcome.ConnectionID == "" {
		t.Fatalf("unexpected connectionId %q", welcome.ConnectionID)
	}
	if welcome.Timestamp.IsZero() {
		t.Fatal("expected welcome timestamp to be set")
	}
}

func TestSessionPingPong(t *testing.T) {
	sock := newScriptedSocket(frame{websocket.TextMessage, []byte(`{"type":"ping"}`)})
	_, transport, _ := runSession(t, sock, "", 0)

	types := transport.types(t)
	if len(types) != 2 || types[1] != "pong" {
		t.Fatalf("expected welcome then pong, got %v", types)
	}
}

func TestSessionSubscribeConfirmsWithUser(t *testing.T) {
	sock := newScriptedSocket(
		frame{websocket.TextMessage, []byte(`{"type":"subscribe","events":["payment.updated"]}`)},
		frame{websocket.TextMessage, []byte(`{"type":"unsubscribe","events":["payment.updated"]}`)},
	)
	_, transport, _ := runSession(t, sock, "user-7", 0)

	types := transport.types(t)
	want := []string{"welcome", "subscription_confirmed", "unsubscription_confirmed"}
	if len(types) != len(want) {
		t.Fatalf("unexpected frames %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d: got %s want %s", i, types[i], want[i])
		}
	}
	var confirmed subscriptionConfirmedMessage
	if err := json.Unmarshal(transport.frames[1], &confirmed); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}
	if confirmed.UserID != "user-7" {
		t.Fatalf("unexpected userId %q", confirmed.UserID)
	}
}

func TestSessionMalformedFrameKeepsConnectionOpen(t *testing.T) {
	sock := newScriptedSocket(
		frame{websocket.TextMessage, []byte(`not json`)},
		frame{websocket.TextMessage, []byte(`{"type":"ping"}`)},
	)
	_, transport, _ := runSession(t, sock, "", 0)

	types := transport.types(t)
	want := []string{"welcome", "error", "pong"}
	if len(types) != len(want) {
		t.Fatalf("unexpected frames %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d: got %s want %s", i, types[i], want[i])
		}
	}
}

func TestSessionRejectsBinaryWithoutClosing(t *testing.T) {
	sock := newScriptedSocket(
		frame{websocket.BinaryMessage, []byte{0x01, 0x02}},
		frame{websocket.TextMessage, []byte(`{"type":"ping"}`)},
	)
	_, transport, _ := runSession(t, sock, "", 0)

	types := transport.types(t)
	if len(types) != 3 || types[1] != "error" || types[2] != "pong" {
		t.Fatalf("unexpected frames %v", types)
	}
}

func TestSessionIgnoresUnknownTypes(t *testing.T) {
	sock := newScriptedSocket(frame{websocket.TextMessage, []byte(`{"type":"mystery"}`)})
	_, transport, _ := runSession(t, sock, "", 0)

	if types := transport.types(t); len(types) != 1 {
		t.Fatalf("expected only the welcome frame, got %v", types)
	}
}

func TestSessionEnforcesMessageRateLimit(t *testing.T) {
	sock := newScriptedSocket(
		frame{websocket.TextMessage, []byte(`{"type":"ping"}`)},
		frame{websocket.TextMessage, []byte(`{"type":"ping"}`)},
	)
	_, transport, _ := runSession(t, sock, "", 1)

	types := transport.types(t)
	if len(types) != 3 || types[1] != "pong" || types[2] != "error" {
		t.Fatalf("expected second ping to be throttled, got %v", types)
	}
}

func TestSessionTeardownDeregistersAndCloses(t *testing.T) {
	sock := newScriptedSocket()
	reg, _, conn := runSession(t, sock, "user-1", 0)

	if _, ok := reg.Get(conn.ID); ok {
		t.Fatal("expected connection to be deregistered after the session ends")
	}
	if reg.IsUserConnected("user-1") {
		t.Fatal("expected user index entry to be removed")
	}
	sock.mu.Lock()
	closes := sock.closeControls
	sock.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected one close handshake attempt, got %d", closes)
	}
}

func TestSessionTransportErrorStillCleansUp(t *testing.T) {
	sock := newScriptedSocket()
	sock.finalErr = errors.New("connection reset by peer")
	reg, _, conn := runSession(t, sock, "user-1", 0)

	if _, ok := reg.Get(conn.ID); ok {
		t.Fatal("expected connection to be deregistered after a transport error")
	}
}
