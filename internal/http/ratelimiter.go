package httpapi

import (
	"sort"
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many events may occur inside a rolling time
// window. Timestamps are recorded in arrival order, so expiry pruning is a
// binary search for the window edge followed by a prefix drop.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per
// window. A zero window or limit disables the limiter.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed, recording the event if so.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	live := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].After(cutoff)
	})
	l.events = append(l.events[:0], l.events[live:]...)

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
