// Package notify implements the notification fan-out engine with its
// serialized delivery queue.
package notify

import (
	"encoding/json"
	"sync"

	"payflow/hub/internal/logging"
	"payflow/hub/internal/registry"
)

// Broadcaster accepts inbound notification events and fans each one out to
// the registry's live connections. Enqueued events drain in FIFO order
// through at most one active drain; delivery of a single event to distinct
// connections is concurrent and independently failing.
type Broadcaster struct {
	reg    *registry.Registry
	logger *logging.Logger

	mu       sync.Mutex
	queue    []Event
	draining bool
	closed   bool
}

// New constructs a broadcaster over the given registry.
func New(reg *registry.Registry, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.L()
	}
	return &Broadcaster{reg: reg, logger: logger}
}

// Enqueue appends an event to the delivery queue and triggers a drain. If a
// drain is already active the trigger is a no-op; the active drain consumes
// everything enqueued before it releases.
func (b *Broadcaster) Enqueue(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("event dropped, broadcaster closed", logging.String("payment_id", event.PaymentID))
		return
	}
	b.queue = append(b.queue, event)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()
	go b.drain()
}

// NotifyUser delivers the event only to the connections owned by userID. When
// the user has no live connections the event falls back to a general
// broadcast enqueue so it is not silently dropped. Best effort, not a
// delivery guarantee.
func (b *Broadcaster) NotifyUser(userID string, event Event) {
	conns := b.reg.UserConnections(userID)
	if len(conns) == 0 {
		b.logger.Warn("user not connected, queueing general broadcast",
			logging.String("user_id", userID),
			logging.String("payment_id", event.PaymentID))
		b.Enqueue(event)
		return
	}
	b.deliver(event, conns)
	b.logger.Info("notification sent to user",
		logging.String("user_id", userID),
		logging.Int("connections", len(conns)))
}

// Close stops the broadcaster between events. Events already queued drain;
// later enqueues are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Broadcaster) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		conns := b.reg.Snapshot()
		b.deliver(event, conns)
		b.logger.Info("notification broadcast",
			logging.String("payment_id", event.PaymentID),
			logging.Int("connections", len(conns)))
	}
}

// deliver fans the event out to every given connection concurrently and
// joins on completion. One connection's failure never aborts the others.
func (b *Broadcaster) deliver(event Event, conns []*registry.Connection) {
	if len(conns) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode event", logging.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *registry.Connection) {
			defer wg.Done()
			if err := c.Send(payload); err != nil {
				b.logger.Warn("delivery failed",
					logging.String("connection_id", c.ID),
					logging.Error(err))
			}
		}(conn)
	}
	wg.Wait()
}
