package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
)

type fakeDistStore struct {
	ticks map[string]Tick
	err   error
	calls int
}

func (f *fakeDistStore) Get(ctx context.Context, segment broker.Segment, securityID string) (Tick, error) {
	f.calls++
	if f.err != nil {
		return Tick{}, f.err
	}
	tick, ok := f.ticks[InstrumentKey(segment, securityID)]
	if !ok {
		return Tick{}, ErrTickNotFound
	}
	return tick, nil
}

type fakeQuoter struct {
	ltp   float64
	err   error
	calls int
}

func (f *fakeQuoter) Quote(ctx context.Context, segment broker.Segment, securityID string) (float64, error) {
	f.calls++
	return f.ltp, f.err
}

func TestResolvePrefersFreshLocalTick(t *testing.T) {
	local := NewTickCache()
	local.Put(Tick{Segment: broker.SegmentNSEFNO, SecurityID: "1", LTP: 101, Timestamp: time.Now()})
	quoter := &fakeQuoter{ltp: 200}
	ps := NewPriceSource(local, nil, quoter, 10*time.Second, zerolog.Nop())

	res := ps.Resolve(context.Background(), broker.SegmentNSEFNO, "1")
	if res.LTP != 101 || res.Source != "cache" {
		t.Errorf("got %.2f from %s, want 101 from cache", res.LTP, res.Source)
	}
	if quoter.calls != 0 {
		t.Error("fresh cache hit must not reach the broker")
	}
}

func TestResolveFallsThroughToRedis(t *testing.T) {
	local := NewTickCache()
	dist := &fakeDistStore{ticks: map[string]Tick{
		InstrumentKey(broker.SegmentNSEFNO, "1"): {Segment: broker.SegmentNSEFNO, SecurityID: "1", LTP: 102, Timestamp: time.Now()},
	}}
	ps := NewPriceSource(local, dist, &fakeQuoter{ltp: 200}, 10*time.Second, zerolog.Nop())

	res := ps.Resolve(context.Background(), broker.SegmentNSEFNO, "1")
	if res.LTP != 102 || res.Source != "redis" {
		t.Errorf("got %.2f from %s, want 102 from redis", res.LTP, res.Source)
	}

	// The Redis hit should backfill the local cache.
	if tick, err := local.Get(broker.SegmentNSEFNO, "1"); err != nil || tick.LTP != 102 {
		t.Error("redis hit should populate the local cache")
	}
}

func TestResolveFallsThroughToBroker(t *testing.T) {
	local := NewTickCache()
	quoter := &fakeQuoter{ltp: 103.5}
	ps := NewPriceSource(local, &fakeDistStore{}, quoter, 10*time.Second, zerolog.Nop())

	res := ps.Resolve(context.Background(), broker.SegmentNSEFNO, "1")
	if res.LTP != 103.5 || res.Source != "broker" {
		t.Errorf("got %.2f from %s, want 103.5 from broker", res.LTP, res.Source)
	}
	if !res.APICall {
		t.Error("broker round trip must be flagged for metrics")
	}
}

func TestResolveStaleCacheBeatsBrokerFailure(t *testing.T) {
	local := NewTickCache()
	local.Put(Tick{Segment: broker.SegmentNSEFNO, SecurityID: "1", LTP: 99, Timestamp: time.Now().Add(-time.Minute)})
	quoter := &fakeQuoter{err: errors.New("gateway down")}
	ps := NewPriceSource(local, nil, quoter, 5*time.Second, zerolog.Nop())

	res := ps.Resolve(context.Background(), broker.SegmentNSEFNO, "1")
	if res.Err != nil {
		t.Fatalf("stale tick should still resolve: %v", res.Err)
	}
	if res.LTP != 99 || !res.Stale {
		t.Errorf("got %.2f stale=%v, want the stale 99", res.LTP, res.Stale)
	}
}

func TestResolveErrorsWhenNothingAvailable(t *testing.T) {
	ps := NewPriceSource(NewTickCache(), nil, &fakeQuoter{err: errors.New("gateway down")}, time.Second, zerolog.Nop())

	res := ps.Resolve(context.Background(), broker.SegmentNSEFNO, "1")
	if res.Err == nil {
		t.Error("no layer available must surface an error")
	}
}

func TestResolveMemoizesWithinCycle(t *testing.T) {
	quoter := &fakeQuoter{ltp: 110}
	ps := NewPriceSource(NewTickCache(), nil, quoter, time.Nanosecond, zerolog.Nop())

	ctx := context.Background()
	ps.Resolve(ctx, broker.SegmentNSEFNO, "1")
	ps.Resolve(ctx, broker.SegmentNSEFNO, "1")
	ps.Resolve(ctx, broker.SegmentNSEFNO, "1")
	if quoter.calls != 1 {
		t.Errorf("same instrument resolved %d times in one cycle, want 1", quoter.calls)
	}

	ps.BeginCycle()
	ps.Resolve(ctx, broker.SegmentNSEFNO, "1")
	if quoter.calls != 2 {
		t.Errorf("new cycle should re-resolve, got %d calls", quoter.calls)
	}
}

func TestTickCacheKeepsNewest(t *testing.T) {
	cache := NewTickCache()
	now := time.Now()
	cache.Put(Tick{Segment: broker.SegmentNSEFNO, SecurityID: "1", LTP: 100, Timestamp: now})
	cache.Put(Tick{Segment: broker.SegmentNSEFNO, SecurityID: "1", LTP: 90, Timestamp: now.Add(-time.Second)})

	tick, err := cache.Get(broker.SegmentNSEFNO, "1")
	if err != nil {
		t.Fatal(err)
	}
	if tick.LTP != 100 {
		t.Errorf("older tick overwrote newer: LTP %.2f", tick.LTP)
	}
}
