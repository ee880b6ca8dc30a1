// Package circuit guards the broker API with a failure-counting breaker.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"options-trading-bot/config"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Broker calls suspended
	StateHalfOpen BreakerState = "half_open" // Probing recovery
)

// Breaker trips after a run of consecutive broker API failures and suspends
// outbound calls for a cooldown. The first call after cooldown probes in
// half-open state; a success closes the breaker, a failure re-opens it.
type Breaker struct {
	cfg                 config.CircuitBreakerConfig
	state               BreakerState
	consecutiveFailures int
	totalFailures       int64
	totalTrips          int64
	lastTripTime        time.Time
	lastFailure         string
	mu                  sync.RWMutex
	onTrip              func(reason string)
	onReset             func()
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
	}
}

// OnTrip sets the callback invoked when the breaker opens.
func (cb *Breaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again.
func (cb *Breaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow reports whether a broker call may proceed. While open, it returns
// false until the cooldown elapses, then moves to half-open and lets one
// probe through.
func (cb *Breaker) Allow() (bool, string) {
	if !cb.cfg.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		elapsed := time.Since(cb.lastTripTime)
		cooldown := time.Duration(cb.cfg.CooldownSeconds) * time.Second

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (last failure: %s)",
				remaining.Round(time.Second), cb.lastFailure)
		}

		cb.state = StateHalfOpen
	}

	return true, ""
}

// RecordFailure counts one broker API failure and trips the breaker when the
// consecutive-failure threshold is reached. A failure during the half-open
// probe re-opens immediately.
func (cb *Breaker) RecordFailure(detail string) {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	cb.consecutiveFailures++
	cb.totalFailures++
	cb.lastFailure = detail

	shouldTrip := cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold
	var reason string
	if shouldTrip && cb.state != StateOpen {
		if cb.state == StateHalfOpen {
			reason = fmt.Sprintf("probe failed during half-open: %s", detail)
		} else {
			reason = fmt.Sprintf("%d consecutive broker failures, last: %s", cb.consecutiveFailures, detail)
		}
		cb.trip(reason)
	}
	handler := cb.onTrip
	cb.mu.Unlock()

	if reason != "" && handler != nil {
		go handler(reason)
	}
}

// RecordSuccess counts one successful broker call. It clears the failure run
// and, after a successful half-open probe, closes the breaker.
func (cb *Breaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	cb.consecutiveFailures = 0

	var recovered bool
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.lastFailure = ""
		recovered = true
	}
	handler := cb.onReset
	cb.mu.Unlock()

	if recovered && handler != nil {
		go handler()
	}
}

// trip opens the breaker. Caller holds the lock.
func (cb *Breaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = time.Now()
	cb.totalTrips++
	cb.lastFailure = reason
}

// ForceReset manually closes the breaker.
func (cb *Breaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.lastFailure = ""
	handler := cb.onReset
	cb.mu.Unlock()

	if handler != nil {
		go handler()
	}
}

// State returns the current breaker state.
func (cb *Breaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Open reports whether broker calls are currently suspended.
func (cb *Breaker) Open() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// Stats returns current breaker statistics for the health surface.
func (cb *Breaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":                string(cb.state),
		"consecutive_failures": cb.consecutiveFailures,
		"total_failures":       cb.totalFailures,
		"total_trips":          cb.totalTrips,
		"last_failure":         cb.lastFailure,
		"last_trip_time":       cb.lastTripTime,
	}
}
