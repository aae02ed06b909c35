// Package httpapi exposes the hub's operational surface: health, stats,
// connectivity probes and the manual notification injection endpoint.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payflow/hub/internal/logging"
	"payflow/hub/internal/notify"
	"payflow/hub/internal/registry"
)

// StatsProvider exposes hub state consumed by the operational handlers.
type StatsProvider interface {
	Stats() registry.Stats
	ConnectedUsers() []string
	IsUserConnected(userID string) bool
	Uptime() time.Duration
}

// Broadcaster accepts synthesized notification events for delivery.
type Broadcaster interface {
	Enqueue(event notify.Event)
	NotifyUser(userID string, event notify.Event)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       StatsProvider
	Broadcaster Broadcaster
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the hub operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       StatsProvider
	broadcaster Broadcaster
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		stats:       opts.Stats,
		broadcaster: opts.Broadcaster,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(r chi.Router) {
	r.Route("/api/websocket", func(r chi.Router) {
		r.Get("/health", h.HealthHandler())
		r.Get("/stats", h.StatsHandler())
		r.Get("/connections", h.ConnectionsHandler())
		r.Get("/is-user-connected/{userID}", h.UserConnectedHandler())
		r.Post("/test-notification", h.TestNotificationHandler())
	})
}

// HealthHandler reports hub health with aggregate connection statistics.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type websocketBlock struct {
		TotalConnections  int            `json:"totalConnections"`
		ActiveConnections int            `json:"activeConnections"`
		UniqueUsers       int            `json:"uniqueUsers"`
		MessagesSent      int64          `json:"messagesSent"`
		MessagesFailed    int64          `json:"messagesFailed"`
		UptimeSeconds     float64        `json:"uptimeSeconds"`
		ConnectionsByUser map[string]int `json:"connectionsByUser"`
	}
	type serverBlock struct {
		MachineName string `json:"machineName"`
	}
	type response struct {
		Status    string         `json:"status"`
		Timestamp time.Time      `json:"timestamp"`
		WebSocket websocketBlock `json:"webSocket"`
		Server    serverBlock    `json:"server"`
	}
	hostname, _ := os.Hostname()
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.stats.Stats()
		writeJSON(w, http.StatusOK, response{
			Status:    "healthy",
			Timestamp: h.now().UTC(),
			WebSocket: websocketBlock{
				TotalConnections:  stats.TotalConnections,
				ActiveConnections: stats.ActiveConnections,
				UniqueUsers:       stats.UniqueUsers,
				MessagesSent:      stats.MessagesSent,
				MessagesFailed:    stats.MessagesFailed,
				UptimeSeconds:     h.stats.Uptime().Seconds(),
				ConnectionsByUser: stats.ConnectionsByUser,
			},
			Server: serverBlock{MachineName: hostname},
		})
	}
}

// StatsHandler returns the raw registry statistics.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.stats.Stats())
	}
}

// ConnectionsHandler enumerates the currently connected user ids.
func (h *HandlerSet) ConnectionsHandler() http.HandlerFunc {
	type response struct {
		Users []string `json:"users"`
		Count int      `json:"count"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		users := h.stats.ConnectedUsers()
		writeJSON(w, http.StatusOK, response{Users: users, Count: len(users)})
	}
}

// UserConnectedHandler probes whether a given user has a live connection.
func (h *HandlerSet) UserConnectedHandler() http.HandlerFunc {
	type response struct {
		UserID    string `json:"userId"`
		Connected bool   `json:"connected"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		writeJSON(w, http.StatusOK, response{
			UserID:    userID,
			Connected: h.stats.IsUserConnected(userID),
		})
	}
}

// TestNotificationHandler synthesizes a payment.updated event for manual
// verification. Requires the admin token and is rate limited.
func (h *HandlerSet) TestNotificationHandler() http.HandlerFunc {
	type request struct {
		UserID           string           `json:"userId"`
		PaymentID        string           `json:"paymentId"`
		OrderReferenceID string           `json:"orderReferenceId"`
		Status           string           `json:"status"`
		Amount           *decimal.Decimal `json:"amount"`
	}
	type response struct {
		Status string       `json:"status"`
		Event  notify.Event `json:"paymentEvent"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "test_notification"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("test notification denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("test notification denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("test notification denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.PaymentID == "" {
			req.PaymentID = "test_pay_123"
		}
		if req.OrderReferenceID == "" {
			req.OrderReferenceID = "test_order_456"
		}
		if req.Status == "" {
			req.Status = "authorized"
		}
		amount := decimal.RequireFromString("123.45")
		if req.Amount != nil {
			amount = *req.Amount
		}

		event := notify.NewEvent(req.PaymentID, req.OrderReferenceID, req.Status, amount)
		if req.UserID != "" {
			h.broadcaster.NotifyUser(req.UserID, event)
		} else {
			h.broadcaster.Enqueue(event)
		}
		reqLogger.Info("test notification accepted",
			logging.String("payment_id", event.PaymentID),
			logging.String("user_id", req.UserID))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Event: event})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
