package circuit

import (
	"testing"
	"time"

	"options-trading-bot/config"
)

func testBreaker(threshold, cooldownSeconds int) *Breaker {
	return NewBreaker(config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: threshold,
		CooldownSeconds:  cooldownSeconds,
	})
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := testBreaker(3, 60)
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
	if allowed, _ := cb.Allow(); !allowed {
		t.Error("closed breaker must allow calls")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	cb := testBreaker(3, 60)

	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")
	if cb.Open() {
		t.Fatal("breaker tripped before the threshold")
	}

	cb.RecordFailure("timeout")
	if !cb.Open() {
		t.Fatal("breaker must open at the threshold")
	}
	if allowed, reason := cb.Allow(); allowed {
		t.Error("open breaker must reject calls")
	} else if reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	cb := testBreaker(3, 60)

	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")
	cb.RecordSuccess()
	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")

	if cb.Open() {
		t.Error("non-consecutive failures must not trip the breaker")
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := testBreaker(1, 0) // Zero cooldown moves to half-open on next Allow

	cb.RecordFailure("timeout")
	if !cb.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(time.Millisecond)
	if allowed, _ := cb.Allow(); !allowed {
		t.Fatal("elapsed cooldown must permit a probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("successful probe must close the breaker, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(5, 0)

	// Force open through the threshold.
	for i := 0; i < 5; i++ {
		cb.RecordFailure("timeout")
	}
	time.Sleep(time.Millisecond)
	if allowed, _ := cb.Allow(); !allowed {
		t.Fatal("probe should be permitted")
	}

	cb.RecordFailure("timeout")
	if cb.State() != StateOpen {
		t.Errorf("failed probe must reopen immediately, got %s", cb.State())
	}
}

func TestDisabledBreakerNeverBlocks(t *testing.T) {
	cb := NewBreaker(config.CircuitBreakerConfig{Enabled: false, FailureThreshold: 1})
	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")
	if allowed, _ := cb.Allow(); !allowed {
		t.Error("disabled breaker must always allow")
	}
	if cb.Open() {
		t.Error("disabled breaker must not trip")
	}
}

func TestForceReset(t *testing.T) {
	cb := testBreaker(1, 3600)
	cb.RecordFailure("timeout")
	if !cb.Open() {
		t.Fatal("breaker should be open")
	}

	cb.ForceReset()
	if cb.State() != StateClosed {
		t.Error("ForceReset must close the breaker")
	}
	if allowed, _ := cb.Allow(); !allowed {
		t.Error("reset breaker must allow calls")
	}
}

func TestOnTripCallback(t *testing.T) {
	cb := testBreaker(1, 60)
	tripped := make(chan string, 1)
	cb.OnTrip(func(reason string) { tripped <- reason })

	cb.RecordFailure("gateway 502")
	select {
	case reason := <-tripped:
		if reason == "" {
			t.Error("trip reason must not be empty")
		}
	case <-time.After(time.Second):
		t.Fatal("OnTrip callback never fired")
	}
}
