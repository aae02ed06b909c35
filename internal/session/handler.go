// Package session owns the lifecycle of one accepted connection: welcome,
// receive loop, control message dispatch, and exactly-once teardown.
package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"payflow/hub/internal/logging"
	"payflow/hub/internal/registry"
)

// Socket is the read/control side of the underlying WebSocket the session
// consumes; writes go through the registry connection's send primitive.
type Socket interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

const welcomeText = "Connected to payment notification service"

const closeGrace = time.Second

// Handler runs session loops for accepted connections.
type Handler struct {
	reg               *registry.Registry
	logger            *logging.Logger
	messagesPerMinute int
}

// NewHandler constructs a session handler. messagesPerMinute bounds inbound
// client frames per connection; zero disables the throttle.
func NewHandler(reg *registry.Registry, logger *logging.Logger, messagesPerMinute int) *Handler {
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{reg: reg, logger: logger, messagesPerMinute: messagesPerMinute}
}

// Run serves the connection until the peer closes, the transport fails, or
// the sweep evicts it. It blocks the calling goroutine and always leaves the
// connection deregistered and closed, no matter which exit path is taken.
func (h *Handler) Run(conn *registry.Connection, sock Socket) {
	log := h.logger.With(
		logging.String("connection_id", conn.ID),
		logging.String("user_id", conn.UserID),
		logging.String("remote_ip", conn.RemoteIP),
	)
	defer h.teardown(conn, sock, log)

	h.sendWelcome(conn, log)

	var limiter *rate.Limiter
	if h.messagesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(h.messagesPerMinute)/60.0), h.messagesPerMinute)
	}

	for {
		messageType, payload, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("close frame received")
			} else {
				log.Warn("receive loop terminated", logging.Error(err))
			}
			return
		}
		conn.Touch()

		switch messageType {
		case websocket.TextMessage:
			if limiter != nil && !limiter.Allow() {
				log.Warn("inbound message rate limit exceeded")
				h.sendError(conn, "message rate limit exceeded", log)
				continue
			}
			h.handleText(conn, payload, log)
		case websocket.BinaryMessage:
			log.Warn("binary frame rejected")
			h.sendError(conn, "binary frames are not supported", log)
		}
	}
}

func (h *Handler) handleText(conn *registry.Connection, payload []byte, log *logging.Logger) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn("malformed client frame", logging.Error(err))
		h.sendError(conn, "invalid JSON payload", log)
		return
	}
	switch strings.ToLower(msg.Type) {
	case "ping":
		h.send(conn, pongMessage{Type: "pong", Timestamp: time.Now().UTC()}, log)
	case "subscribe":
		log.Info("subscription request", logging.Int("events", len(msg.Events)))
		h.send(conn, subscriptionConfirmedMessage{
			Type:      "subscription_confirmed",
			Timestamp: time.Now().UTC(),
			UserID:    conn.UserID,
		}, log)
	case "unsubscribe":
		log.Info("unsubscription request")
		h.send(conn, unsubscriptionConfirmedMessage{
			Type:      "unsubscription_confirmed",
			Timestamp: time.Now().UTC(),
		}, log)
	default:
		log.Warn("unknown message type", logging.String("type", msg.Type))
	}
}

func (h *Handler) sendWelcome(conn *registry.Connection, log *logging.Logger) {
	h.send(conn, welcomeMessage{
		Type:         "welcome",
		ConnectionID: conn.ID,
		Timestamp:    time.Now().UTC(),
		Message:      welcomeText,
	}, log)
}

func (h *Handler) sendError(conn *registry.Connection, reason string, log *logging.Logger) {
	h.send(conn, errorMessage{Type: "error", Error: reason, Timestamp: time.Now().UTC()}, log)
}

func (h *Handler) send(conn *registry.Connection, message any, log *logging.Logger) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Error("failed to encode frame", logging.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Warn("failed to send frame", logging.Error(err))
	}
}

// teardown deregisters the connection and attempts a best-effort close
// handshake. Run's defer is its only caller, so it executes exactly once per
// session regardless of exit path; a concurrent sweep eviction makes the
// registry removal a harmless no-op.
func (h *Handler) teardown(conn *registry.Connection, sock Socket, log *logging.Logger) {
	if conn.Open() {
		deadline := time.Now().Add(closeGrace)
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"), deadline)
	}
	_ = conn.CloseTransport()
	h.reg.Remove(conn.ID)
	log.Info("connection closed")
}
