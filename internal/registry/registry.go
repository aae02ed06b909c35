// Package registry tracks live connections and the per-user index over them.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"payflow/hub/internal/logging"
)

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Stats aggregates current registry totals.
type Stats struct {
	TotalConnections  int            `json:"totalConnections"`
	ActiveConnections int            `json:"activeConnections"`
	UniqueUsers       int            `json:"uniqueUsers"`
	MessagesSent      int64          `json:"messagesSent"`
	MessagesFailed    int64          `json:"messagesFailed"`
	StartTime         time.Time      `json:"startTime"`
	ConnectionsByUser map[string]int `json:"connectionsByUser"`
}

// Registry holds every live connection plus a secondary user index. All
// operations are safe under unbounded concurrent callers; the connection map
// is sharded so accepts, removals and broadcast snapshots do not serialize on
// a single lock.
type Registry struct {
	shards [shardCount]*shard

	userMu sync.RWMutex
	users  map[string]map[string]struct{}

	sentTotal   atomic.Int64
	failedTotal atomic.Int64
	start       time.Time

	onRelease func(*Connection)
	logger    *logging.Logger
	now       func() time.Time
}

// Option tunes registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithReleaseHook registers a callback fired exactly once per removed
// connection, used by the admission controller to release its counters.
func WithReleaseHook(hook func(*Connection)) Option {
	return func(r *Registry) {
		r.onRelease = hook
	}
}

// New constructs an empty registry.
func New(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	r := &Registry{
		users:  make(map[string]map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.now()
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Add registers a freshly upgraded transport and returns its connection
// record. The connection is inserted into the main map before it is indexed,
// so the user index never references an id the registry does not hold.
func (r *Registry) Add(transport Transport, userID, remoteIP string) *Connection {
	now := r.now()
	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		RemoteIP:    remoteIP,
		ConnectedAt: now,
		transport:   transport,
		hubSent:     &r.sentTotal,
		hubFailed:   &r.failedTotal,
	}
	conn.open.Store(true)
	conn.lastActive.Store(now.UnixNano())

	s := r.shardFor(conn.ID)
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	if userID != "" {
		r.userMu.Lock()
		bucket, ok := r.users[userID]
		if !ok {
			bucket = make(map[string]struct{})
			r.users[userID] = bucket
		}
		bucket[conn.ID] = struct{}{}
		r.userMu.Unlock()
	}

	r.logger.Info("connection added",
		logging.String("connection_id", conn.ID),
		logging.String("user_id", userID),
		logging.String("remote_ip", remoteIP))
	return conn
}

// Remove deregisters a connection, unindexes it and fires the release hook.
// Removing an id twice, or an unknown id, is a no-op; the hook fires at most
// once per connection regardless of which removal path wins the race.
func (r *Registry) Remove(id string) bool {
	s := r.shardFor(id)
	s.mu.RLock()
	conn := s.conns[id]
	s.mu.RUnlock()
	if conn == nil {
		return false
	}
	if !conn.released.CompareAndSwap(false, true) {
		return false
	}

	// Unindex before deleting from the main map so the index never carries
	// an id the registry no longer holds.
	if conn.UserID != "" {
		r.userMu.Lock()
		if bucket, ok := r.users[conn.UserID]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(r.users, conn.UserID)
			}
		}
		r.userMu.Unlock()
	}

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	conn.MarkClosed()
	if r.onRelease != nil {
		r.onRelease(conn)
	}
	r.logger.Info("connection removed",
		logging.String("connection_id", id),
		logging.String("user_id", conn.UserID))
	return true
}

// Get returns the connection for id, if live.
func (r *Registry) Get(id string) (*Connection, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	return conn, ok
}

// Snapshot returns the current set of live connections for broadcast.
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, 64)
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conn := range s.conns {
			out = append(out, conn)
		}
		s.mu.RUnlock()
	}
	return out
}

// UserConnections returns the live connections attributed to userID.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.userMu.RLock()
	ids := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		ids = append(ids, id)
	}
	r.userMu.RUnlock()

	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Get(id); ok {
			out = append(out, conn)
		}
	}
	return out
}

// IsUserConnected reports whether userID owns at least one live connection.
func (r *Registry) IsUserConnected(userID string) bool {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectedUsers enumerates the user ids with live connections, sorted for
// stable output.
func (r *Registry) ConnectedUsers() []string {
	r.userMu.RLock()
	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	r.userMu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats reports aggregate totals over the current registry state.
func (r *Registry) Stats() Stats {
	stats := Stats{
		StartTime:         r.start,
		MessagesSent:      r.sentTotal.Load(),
		MessagesFailed:    r.failedTotal.Load(),
		ConnectionsByUser: make(map[string]int),
	}
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conn := range s.conns {
			stats.TotalConnections++
			if conn.Open() {
				stats.ActiveConnections++
			}
		}
		s.mu.RUnlock()
	}
	r.userMu.RLock()
	stats.UniqueUsers = len(r.users)
	for userID, bucket := range r.users {
		stats.ConnectionsByUser[userID] = len(bucket)
	}
	r.userMu.RUnlock()
	return stats
}

// Uptime reports how long the registry has been serving.
func (r *Registry) Uptime() time.Duration {
	return r.now().Sub(r.start)
}

// SweepIdle evicts connections whose last activity predates the idle
// threshold or whose transport is no longer open, performing the same
// deregistration as a normal close. Returns the number of evictions.
func (r *Registry) SweepIdle(idleThreshold time.Duration) int {
	cutoff := r.now().Add(-idleThreshold)
	evicted := 0
	for _, conn := range r.Snapshot() {
		if conn.Open() && conn.LastActivity().After(cutoff) {
			continue
		}
		_ = conn.CloseTransport()
		if r.Remove(conn.ID) {
			evicted++
			r.logger.Info("swept stale connection",
				logging.String("connection_id", conn.ID),
				logging.String("user_id", conn.UserID))
		}
	}
	return evicted
}
