package admission

import (
	"sync"
	"testing"
	"time"

	"payflow/hub/internal/logging"
)

func newController(limits Limits, now *time.Time) *Controller {
	return New(limits, logging.NewTestLogger(), WithClock(func() time.Time { return *now }))
}

func TestAdmitEnforcesPerIPCapacity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 2, MaxAttemptsPerHour: 100, BanDuration: time.Minute}, &now)

	decisions := make(chan Decision, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions <- ctrl.Admit("10.0.0.1", "")
		}()
	}
	wg.Wait()
	close(decisions)

	allowed, rejected := 0, 0
	for d := range decisions {
		switch d {
		case Allow:
			allowed++
		case RejectCapacity:
			rejected++
		default:
			t.Fatalf("unexpected decision %v", d)
		}
	}
	if allowed != 2 || rejected != 1 {
		t.Fatalf("expected 2 allows and 1 capacity rejection, got %d/%d", allowed, rejected)
	}
}

func TestAdmitEnforcesPerUserCapacity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 100, MaxConnsPerUser: 1, MaxAttemptsPerHour: 100, BanDuration: time.Minute}, &now)

	if d := ctrl.Admit("10.0.0.1", "user-1"); d != Allow {
		t.Fatalf("expected allow, got %v", d)
	}
	// Same user from a different IP still counts against the user cap.
	if d := ctrl.Admit("10.0.0.2", "user-1"); d != RejectCapacity {
		t.Fatalf("expected capacity rejection, got %v", d)
	}
}

func TestAttemptRateTriggersBan(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 100, MaxAttemptsPerHour: 3, BanDuration: 10 * time.Minute}, &now)

	for i := 0; i < 3; i++ {
		if d := ctrl.Admit("10.0.0.1", ""); d != Allow {
			t.Fatalf("attempt %d: expected allow, got %v", i+1, d)
		}
		ctrl.Release("10.0.0.1", "")
	}
	if d := ctrl.Admit("10.0.0.1", ""); d != RejectRateLimited {
		t.Fatalf("expected fourth attempt to be rate limited, got %v", d)
	}
	// Banned even though capacity is available.
	if d := ctrl.Admit("10.0.0.1", ""); d != RejectBanned {
		t.Fatalf("expected banned rejection, got %v", d)
	}

	now = now.Add(11 * time.Minute)
	// Window has not fully drained, so the next attempt re-trips the limit,
	// but the expired ban itself no longer blocks the check.
	if d := ctrl.Admit("10.0.0.1", ""); d == RejectBanned {
		t.Fatal("expected expired ban to be ignored")
	}
}

func TestExpiredBanDoesNotBlockRetry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 100, MaxAttemptsPerHour: 2, BanDuration: time.Minute}, &now)

	ctrl.Admit("10.0.0.1", "")
	ctrl.Admit("10.0.0.1", "")
	if d := ctrl.Admit("10.0.0.1", ""); d != RejectRateLimited {
		t.Fatalf("expected rate limit, got %v", d)
	}

	now = now.Add(2 * time.Hour)
	if d := ctrl.Admit("10.0.0.1", ""); d != Allow {
		t.Fatalf("expected retry after ban and window expiry to be allowed, got %v", d)
	}
}

func TestReleaseBalancesCounters(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 1, MaxAttemptsPerHour: 100, BanDuration: time.Minute}, &now)

	if d := ctrl.Admit("10.0.0.1", "user-1"); d != Allow {
		t.Fatalf("expected allow, got %v", d)
	}
	if d := ctrl.Admit("10.0.0.1", "user-1"); d != RejectCapacity {
		t.Fatalf("expected capacity rejection, got %v", d)
	}
	ctrl.Release("10.0.0.1", "user-1")
	if d := ctrl.Admit("10.0.0.1", "user-1"); d != Allow {
		t.Fatalf("expected allow after release, got %v", d)
	}
}

func TestReleaseIsSafeWhenCounterAbsent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 2, MaxAttemptsPerHour: 100, BanDuration: time.Minute}, &now)

	ctrl.Release("10.9.9.9", "ghost")
	if got := ctrl.LiveConnections("10.9.9.9"); got != 0 {
		t.Fatalf("expected zero live connections, got %d", got)
	}
}

func TestCleanupPurgesExpiredState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ctrl := newController(Limits{MaxConnsPerIP: 100, MaxAttemptsPerHour: 1, BanDuration: time.Minute}, &now)

	ctrl.Admit("10.0.0.1", "")
	if d := ctrl.Admit("10.0.0.1", ""); d != RejectRateLimited {
		t.Fatalf("expected rate limit, got %v", d)
	}

	now = now.Add(2 * time.Hour)
	ctrl.Cleanup()

	ctrl.mu.Lock()
	attempts, bans := len(ctrl.attempts), len(ctrl.bans)
	ctrl.mu.Unlock()
	if attempts != 0 || bans != 0 {
		t.Fatalf("expected cleanup to purge state, got attempts=%d bans=%d", attempts, bans)
	}
}
