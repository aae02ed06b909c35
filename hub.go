package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"payflow/hub/internal/admission"
	"payflow/hub/internal/config"
	"payflow/hub/internal/logging"
	"payflow/hub/internal/notify"
	"payflow/hub/internal/registry"
	"payflow/hub/internal/session"
)

// Hub owns the upgrade endpoint and the background maintenance loops, and
// wires the admission controller, auth gate, registry, broadcaster and
// session handler together.
type Hub struct {
	cfg    *config.Config
	logger *logging.Logger

	upgrader      websocket.Upgrader
	authenticator websocketAuthenticator
	registry      *registry.Registry
	admission     *admission.Controller
	broadcaster   *notify.Broadcaster
	sessions      *session.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption customises hub construction.
type HubOption func(*Hub)

// NewHub assembles a hub from the supplied configuration.
func NewHub(cfg *config.Config, logger *logging.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		cfg:           cfg,
		logger:        logger,
		authenticator: allowAllAuthenticator{},
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}
	h.admission = admission.New(admission.Limits{
		MaxConnsPerIP:      cfg.MaxConnsPerIP,
		MaxConnsPerUser:    cfg.MaxConnsPerUser,
		MaxAttemptsPerHour: cfg.MaxAttemptsPerHour,
		BanDuration:        cfg.BanDuration,
	}, logger)
	h.registry = registry.New(logger, registry.WithReleaseHook(func(conn *registry.Connection) {
		h.admission.Release(conn.RemoteIP, conn.UserID)
	}))
	h.broadcaster = notify.New(h.registry, logger)
	h.sessions = session.NewHandler(h.registry, logger, cfg.MaxMessagesPerMinute)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the connection registry for the operational handlers.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Broadcaster exposes the delivery queue for the operational handlers.
func (h *Hub) Broadcaster() *notify.Broadcaster { return h.broadcaster }

// Start launches the idle sweep and admission cleanup loops.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.admission.Run(ctx, h.cfg.SweepInterval)
	}()
	go h.sweepLoop(ctx)
}

// Stop cancels the background loops and drains the broadcaster.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.broadcaster.Close()
}

func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := h.registry.SweepIdle(h.cfg.IdleTimeout); swept > 0 {
				h.logger.Info("idle connections swept", logging.Int("count", swept))
			}
		}
	}
}

// ServeWS authenticates, admits and upgrades an incoming connection, then
// runs its session loop until the peer departs.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "This endpoint accepts WebSocket connections only", http.StatusBadRequest)
		return
	}
	ip := clientIP(r)

	userID, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.logger.Warn("websocket auth rejected",
			logging.String("remote_ip", ip),
			logging.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch decision := h.admission.Admit(ip, userID); decision {
	case admission.Allow:
	case admission.RejectCapacity:
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	default:
		http.Error(w, "Too many connection attempts. Please try again later.", http.StatusTooManyRequests)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.admission.Release(ip, userID)
		h.logger.Warn("websocket upgrade failed",
			logging.String("remote_ip", ip),
			logging.Error(err))
		return
	}
	if h.cfg.MaxPayloadBytes > 0 {
		sock.SetReadLimit(h.cfg.MaxPayloadBytes)
	}

	conn := h.registry.Add(sock, userID, ip)
	h.sessions.Run(conn, sock)
}

// clientIP resolves the caller's address, preferring proxy-forwarded headers
// over the socket peer address.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		permitted[strings.ToLower(strings.TrimSpace(origin))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		_, ok := permitted[origin]
		return ok
	}
}
