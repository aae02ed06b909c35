package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payflow/hub/internal/logging"
	"payflow/hub/internal/registry"
)

type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
	broken bool
}

func (c *captureTransport) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("write on broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureTransport) payments(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("frame is not a valid event: %v", err)
		}
		out = append(out, ev.PaymentID)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueBroadcastsToAllConnections(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	first := &captureTransport{}
	second := &captureTransport{}
	reg.Add(first, "user-1", "10.0.0.1")
	reg.Add(second, "", "10.0.0.2")

	b.Enqueue(NewEvent("p1", "o1", "authorized", decimal.RequireFromString("10.00")))

	waitFor(t, func() bool { return first.count() == 1 && second.count() == 1 })

	var ev Event
	if err := json.Unmarshal(first.frames[0], &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Event != EventPaymentUpdated || ev.PaymentID != "p1" || ev.OrderReferenceID != "o1" || ev.Status != "authorized" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("unexpected amount %s", ev.Amount)
	}
}

func TestDrainPreservesFIFOOrder(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	transport := &captureTransport{}
	reg.Add(transport, "", "10.0.0.1")

	const events = 20
	for i := 0; i < events; i++ {
		b.Enqueue(NewEvent(fmt.Sprintf("p%03d", i), "o1", "captured", decimal.New(int64(i), 0)))
	}

	waitFor(t, func() bool { return transport.count() == events })

	got := transport.payments(t)
	for i, id := range got {
		if want := fmt.Sprintf("p%03d", i); id != want {
			t.Fatalf("event %d delivered out of order: got %s want %s", i, id, want)
		}
	}
}

func TestConcurrentEnqueuesDeliverEverythingOnce(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	transport := &captureTransport{}
	reg.Add(transport, "", "10.0.0.1")

	const events = 50
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Enqueue(NewEvent(fmt.Sprintf("p%03d", i), "o1", "captured", decimal.Zero))
		}(i)
	}
	wg.Wait()

	waitFor(t, func() bool { return transport.count() == events })

	seen := make(map[string]int)
	for _, id := range transport.payments(t) {
		seen[id]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("event %s delivered %d times", id, n)
		}
	}
}

func TestOneFailingConnectionDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	broken := &captureTransport{broken: true}
	healthy := &captureTransport{}
	reg.Add(broken, "", "10.0.0.1")
	reg.Add(healthy, "", "10.0.0.2")

	b.Enqueue(NewEvent("p1", "o1", "authorized", decimal.Zero))

	waitFor(t, func() bool { return healthy.count() == 1 })
	if reg.Stats().MessagesFailed != 1 {
		t.Fatalf("expected one recorded failure, got %d", reg.Stats().MessagesFailed)
	}
}

func TestNotifyUserTargetsOnlyThatUser(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	mine := &captureTransport{}
	other := &captureTransport{}
	reg.Add(mine, "user-1", "10.0.0.1")
	reg.Add(other, "user-2", "10.0.0.2")

	b.NotifyUser("user-1", NewEvent("p1", "o1", "authorized", decimal.Zero))

	waitFor(t, func() bool { return mine.count() == 1 })
	if other.count() != 0 {
		t.Fatal("expected the other user's connection to receive nothing")
	}
}

func TestNotifyUserFallsBackToBroadcast(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	bystander := &captureTransport{}
	reg.Add(bystander, "user-2", "10.0.0.2")

	b.NotifyUser("user-absent", NewEvent("p1", "o1", "authorized", decimal.Zero))

	// The event is re-queued as a general broadcast rather than dropped.
	waitFor(t, func() bool { return bystander.count() == 1 })
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	reg := registry.New(logging.NewTestLogger())
	b := New(reg, logging.NewTestLogger())

	transport := &captureTransport{}
	reg.Add(transport, "", "10.0.0.1")

	b.Close()
	b.Enqueue(NewEvent("p1", "o1", "authorized", decimal.Zero))

	time.Sleep(50 * time.Millisecond)
	if transport.count() != 0 {
		t.Fatal("expected no delivery after Close")
	}
}
