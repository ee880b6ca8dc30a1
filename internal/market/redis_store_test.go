package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func degradedStore(pingErr error) *RedisTickStore {
	store := NewRedisTickStore(nil, zerolog.Nop())
	store.pingFn = func(ctx context.Context) error { return pingErr }
	for i := 0; i < store.maxFailures; i++ {
		store.recordFailure(errors.New("connection refused"))
	}
	return store
}

func TestDegradedStoreRecoversViaProbe(t *testing.T) {
	store := degradedStore(nil)
	// lastProbe is zero, so the first access probes immediately.
	if !store.checkHealth(context.Background()) {
		t.Fatal("a successful probe must restore the store")
	}

	store.mu.RLock()
	healthy, failures := store.healthy, store.failureCount
	store.mu.RUnlock()
	if !healthy || failures != 0 {
		t.Errorf("healthy=%v failures=%d after recovery, want true/0", healthy, failures)
	}
}

func TestDegradedStoreStaysDownWhileProbeFails(t *testing.T) {
	store := degradedStore(errors.New("still down"))
	if store.checkHealth(context.Background()) {
		t.Fatal("a failing probe must leave the store degraded")
	}
	if store.checkHealth(context.Background()) {
		t.Fatal("store must stay degraded between probes")
	}
}

func TestProbeIsThrottled(t *testing.T) {
	store := degradedStore(nil)
	probes := 0
	store.pingFn = func(ctx context.Context) error {
		probes++
		return errors.New("still down")
	}
	store.probeInterval = time.Hour

	store.checkHealth(context.Background())
	store.checkHealth(context.Background())
	store.checkHealth(context.Background())
	if probes != 1 {
		t.Errorf("probe ran %d times within the interval, want 1", probes)
	}
}

func TestHealthyStoreDoesNotProbe(t *testing.T) {
	store := NewRedisTickStore(nil, zerolog.Nop())
	store.pingFn = func(ctx context.Context) error {
		t.Error("healthy store must not probe")
		return nil
	}
	if !store.checkHealth(context.Background()) {
		t.Fatal("fresh store should report healthy")
	}
}
