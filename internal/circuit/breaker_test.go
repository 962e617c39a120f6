package circuit

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(&BreakerConfig{MaxConsecutiveFailures: 3, CooldownMinutes: 5})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if ok, _ := b.Allow(); !ok {
		t.Fatal("breaker should stay closed below threshold")
	}

	b.RecordFailure()
	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", b.GetState())
	}
	if ok, reason := b.Allow(); ok || reason == "" {
		t.Errorf("open breaker should block with a reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	b := NewBreaker(&BreakerConfig{MaxConsecutiveFailures: 2, CooldownMinutes: 5})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.GetState() != StateClosed {
		t.Fatal("success should reset the failure count")
	}

	b.RecordFailure()
	if b.GetState() != StateOpen {
		t.Fatal("breaker should trip at threshold")
	}

	b.RecordSuccess()
	if b.GetState() != StateClosed {
		t.Fatal("success should close an open breaker")
	}
	if ok, _ := b.Allow(); !ok {
		t.Fatal("closed breaker should allow trading")
	}
}

func TestBreakerCooldownExpiry(t *testing.T) {
	b := NewBreaker(&BreakerConfig{MaxConsecutiveFailures: 1, CooldownMinutes: 5})
	b.RecordFailure()
	if b.GetState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	// Backdate the trip so the cooldown has expired
	b.mu.Lock()
	b.lastTripTime = time.Now().Add(-6 * time.Minute)
	b.mu.Unlock()

	if ok, _ := b.Allow(); !ok {
		t.Fatal("expired cooldown should allow trading")
	}
	if b.GetState() != StateClosed {
		t.Fatal("expired cooldown should close the breaker")
	}
}

func TestBreakerCallbacks(t *testing.T) {
	b := NewBreaker(&BreakerConfig{MaxConsecutiveFailures: 1, CooldownMinutes: 5})

	tripped := make(chan string, 1)
	reset := make(chan struct{}, 1)
	b.OnTrip(func(reason string) { tripped <- reason })
	b.OnReset(func() { reset <- struct{}{} })

	b.RecordFailure()
	select {
	case reason := <-tripped:
		if reason == "" {
			t.Error("trip reason should not be empty")
		}
	case <-time.After(time.Second):
		t.Fatal("trip callback not invoked")
	}

	b.ForceReset()
	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("reset callback not invoked")
	}
	if b.GetState() != StateClosed {
		t.Fatal("breaker should be closed after ForceReset")
	}
}
