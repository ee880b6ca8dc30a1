package market

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
)

// QuoteFetcher is the broker fallback used when both caches miss or are stale.
type QuoteFetcher interface {
	Quote(ctx context.Context, segment broker.Segment, securityID string) (float64, error)
}

// DistributedStore is the subset of RedisTickStore the price source needs.
type DistributedStore interface {
	Get(ctx context.Context, segment broker.Segment, securityID string) (Tick, error)
}

// PriceSource resolves the freshest available price for an instrument using
// the layered order: local tick cache, distributed store, broker quote. A
// per-cycle memo guarantees at most one resolution per instrument per cycle.
type PriceSource struct {
	local     *TickCache
	dist      DistributedStore
	fetcher   QuoteFetcher
	freshness time.Duration
	logger    zerolog.Logger

	memo map[string]PriceResult
}

// PriceResult is the outcome of one price resolution.
type PriceResult struct {
	LTP        float64
	Source     string // "cache", "redis", "broker"
	Stale      bool   // True when only a stale cached value was available
	CacheFetch bool   // Served from a cache layer (for cycle metrics)
	APICall    bool   // Required a broker round trip (for cycle metrics)
	Err        error
}

// NewPriceSource builds a PriceSource. dist and fetcher may be nil; missing
// layers are skipped.
func NewPriceSource(local *TickCache, dist DistributedStore, fetcher QuoteFetcher, freshness time.Duration, logger zerolog.Logger) *PriceSource {
	return &PriceSource{
		local:     local,
		dist:      dist,
		fetcher:   fetcher,
		freshness: freshness,
		logger:    logger.With().Str("component", "PriceSource").Logger(),
		memo:      make(map[string]PriceResult),
	}
}

// BeginCycle clears the per-cycle memo. The control loop calls it once at
// the top of every cycle.
func (ps *PriceSource) BeginCycle() {
	ps.memo = make(map[string]PriceResult, len(ps.memo))
}

// Resolve returns the freshest price for the instrument. Repeat calls within
// the same cycle return the memoized result without re-fetching.
func (ps *PriceSource) Resolve(ctx context.Context, segment broker.Segment, securityID string) PriceResult {
	key := InstrumentKey(segment, securityID)
	if cached, ok := ps.memo[key]; ok {
		return cached
	}

	result := ps.resolve(ctx, segment, securityID)
	ps.memo[key] = result
	return result
}

// LTP is the convenience form of Resolve for callers that only want a price.
// It returns 0 when no price is available.
func (ps *PriceSource) LTP(ctx context.Context, segment broker.Segment, securityID string) float64 {
	res := ps.Resolve(ctx, segment, securityID)
	if res.Err != nil {
		return 0
	}
	return res.LTP
}

func (ps *PriceSource) resolve(ctx context.Context, segment broker.Segment, securityID string) PriceResult {
	now := time.Now()

	// Layer 1: local tick cache.
	if tick, ok := ps.local.Fresh(segment, securityID, ps.freshness); ok {
		return PriceResult{LTP: tick.LTP, Source: "cache", CacheFetch: true}
	}

	// Layer 2: distributed store.
	if ps.dist != nil {
		tick, err := ps.dist.Get(ctx, segment, securityID)
		if err == nil && tick.Age(now) <= ps.freshness {
			ps.local.Put(tick)
			return PriceResult{LTP: tick.LTP, Source: "redis", CacheFetch: true}
		}
		if err != nil && !errors.Is(err, ErrTickNotFound) {
			ps.logger.Debug().Err(err).Str("security_id", securityID).
				Msg("Distributed tick lookup failed, falling back to broker")
		}
	}

	// Layer 3: broker quote.
	if ps.fetcher != nil {
		ltp, err := ps.fetcher.Quote(ctx, segment, securityID)
		if err == nil && ltp > 0 {
			ps.local.Put(Tick{Segment: segment, SecurityID: securityID, LTP: ltp, Timestamp: now})
			return PriceResult{LTP: ltp, Source: "broker", APICall: true}
		}
		if err != nil {
			// A stale cached tick beats no price at all.
			if tick, cacheErr := ps.local.Get(segment, securityID); cacheErr == nil {
				return PriceResult{LTP: tick.LTP, Source: "cache", Stale: true, CacheFetch: true, APICall: true}
			}
			return PriceResult{Err: err, APICall: true}
		}
	}

	if tick, err := ps.local.Get(segment, securityID); err == nil {
		return PriceResult{LTP: tick.LTP, Source: "cache", Stale: true, CacheFetch: true}
	}
	return PriceResult{Err: ErrTickNotFound}
}
