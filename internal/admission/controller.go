// Package admission gates connection upgrade attempts before any transport
// handshake occurs.
package admission

import (
	"context"
	"sync"
	"time"

	"payflow/hub/internal/logging"
)

// attemptWindow is the span over which connection attempts are counted.
const attemptWindow = time.Hour

// Decision is the outcome of an admission check.
type Decision int

const (
	Allow Decision = iota
	RejectBanned
	RejectRateLimited
	RejectCapacity
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RejectBanned:
		return "reject-banned"
	case RejectRateLimited:
		return "reject-rate-limited"
	case RejectCapacity:
		return "reject-capacity"
	default:
		return "unknown"
	}
}

// Limits captures the configured admission thresholds.
type Limits struct {
	MaxConnsPerIP      int
	MaxConnsPerUser    int
	MaxAttemptsPerHour int
	BanDuration        time.Duration
}

// Controller tracks per-IP and per-user admission state: live connection
// counters, a sliding window of upgrade attempts, and temporary bans.
type Controller struct {
	limits Limits
	logger *logging.Logger
	now    func() time.Time

	mu         sync.Mutex
	attempts   map[string][]time.Time
	bans       map[string]time.Time
	ipCounts   map[string]int
	userCounts map[string]int
}

// Option tunes controller construction.
type Option func(*Controller)

// WithClock overrides the controller time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.now = clock
		}
	}
}

// New constructs a controller enforcing the supplied limits.
func New(limits Limits, logger *logging.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logging.L()
	}
	c := &Controller{
		limits:     limits,
		logger:     logger,
		now:        time.Now,
		attempts:   make(map[string][]time.Time),
		bans:       make(map[string]time.Time),
		ipCounts:   make(map[string]int),
		userCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit decides whether a candidate upgrade from ip (optionally attributed to
// userID) may proceed. On Allow the live counters are incremented; the caller
// must balance every Allow with exactly one Release.
func (c *Controller) Admit(ip, userID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if expiry, ok := c.bans[ip]; ok {
		if now.Before(expiry) {
			c.logger.Warn("banned ip attempted to connect", logging.String("remote_ip", ip))
			return RejectBanned
		}
		delete(c.bans, ip)
	}

	if !c.recordAttemptLocked(ip, now) {
		expiry := now.Add(c.limits.BanDuration)
		c.bans[ip] = expiry
		c.logger.Warn("ip banned for excessive connection attempts",
			logging.String("remote_ip", ip),
			logging.String("ban_expiry", expiry.UTC().Format(time.RFC3339)))
		return RejectRateLimited
	}

	if c.limits.MaxConnsPerIP > 0 && c.ipCounts[ip] >= c.limits.MaxConnsPerIP {
		c.logger.Warn("per-ip connection limit exceeded",
			logging.String("remote_ip", ip),
			logging.Int("live", c.ipCounts[ip]))
		return RejectCapacity
	}
	if userID != "" && c.limits.MaxConnsPerUser > 0 && c.userCounts[userID] >= c.limits.MaxConnsPerUser {
		c.logger.Warn("per-user connection limit exceeded",
			logging.String("user_id", userID),
			logging.Int("live", c.userCounts[userID]))
		return RejectCapacity
	}

	c.ipCounts[ip]++
	if userID != "" {
		c.userCounts[userID]++
	}
	return Allow
}

// recordAttemptLocked appends an attempt timestamp to the ip's sliding window,
// prunes entries older than the window, and reports whether the attempt rate
// is still within bounds.
func (c *Controller) recordAttemptLocked(ip string, now time.Time) bool {
	cutoff := now.Add(-attemptWindow)
	kept := c.attempts[ip][:0]
	for _, ts := range c.attempts[ip] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	c.attempts[ip] = kept
	if c.limits.MaxAttemptsPerHour <= 0 {
		return true
	}
	return len(kept) <= c.limits.MaxAttemptsPerHour
}

// Release decrements the live counters acquired by a successful Admit. The
// registry guarantees it is invoked exactly once per admitted connection.
func (c *Controller) Release(ip, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count, ok := c.ipCounts[ip]; ok {
		if count <= 1 {
			delete(c.ipCounts, ip)
		} else {
			c.ipCounts[ip] = count - 1
		}
	}
	if userID == "" {
		return
	}
	if count, ok := c.userCounts[userID]; ok {
		if count <= 1 {
			delete(c.userCounts, userID)
		} else {
			c.userCounts[userID] = count - 1
		}
	}
}

// Cleanup purges expired bans and stale attempt windows to bound memory.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-attemptWindow)
	for ip, window := range c.attempts {
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(c.attempts, ip)
		} else {
			c.attempts[ip] = kept
		}
	}
	for ip, expiry := range c.bans {
		if !now.Before(expiry) {
			delete(c.bans, ip)
		}
	}
}

// Run executes Cleanup on the given cadence until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// LiveConnections reports the controller's current live counter for ip,
// exposed for tests and diagnostics.
func (c *Controller) LiveConnections(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipCounts[ip]
}
