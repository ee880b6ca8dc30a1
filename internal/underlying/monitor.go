package underlying

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/positions"
)

// CandleProvider supplies recent OHLC history for an index. It is the
// external indicator collaborator; candle sourcing is not owned here.
type CandleProvider interface {
	RecentCandles(ctx context.Context, indexKey string, limit int) ([]Candle, error)
}

// TickSource supplies the latest price for the underlying index.
type TickSource interface {
	LTP(ctx context.Context, segment broker.Segment, securityID string) float64
}

// State is the cached evaluation of one underlying index.
type State struct {
	IndexKey     string    `json:"index_key"`
	TrendScore   float64   `json:"trend_score"`
	TrendUp      bool      `json:"trend_up"`
	BOS          BOSState  `json:"bos_state"`
	BOSDirection string    `json:"bos_direction,omitempty"`
	ATRTrend     string    `json:"atr_trend"`
	ATRRatio     float64   `json:"atr_ratio"`
	MTFConfirm   bool      `json:"mtf_confirm"`
	ComputedAt   time.Time `json:"computed_at"`
}

// UnknownState is what Evaluate returns when the underlying cannot be
// resolved: a neutral state, never an error.
func UnknownState(indexKey string) State {
	return State{IndexKey: indexKey, BOS: BOSUnknown, ComputedAt: time.Now()}
}

// indexSecurityIDs maps index keys to the index-segment security IDs used
// for last-price lookups.
var indexSecurityIDs = map[string]string{
	"NIFTY":     "13",
	"BANKNIFTY": "25",
	"FINNIFTY":  "27",
	"SENSEX":    "51",
}

// Monitor evaluates underlying trend/structure per index key, caching the
// result for a short TTL so positions on the same underlying within one
// cycle share a single computation.
type Monitor struct {
	provider CandleProvider
	prices   TickSource
	analyzer *StructureAnalyzer
	lookback int
	ttl      time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]State
}

// NewMonitor creates a Monitor. prices may be nil; structure is then
// evaluated from candles alone.
func NewMonitor(provider CandleProvider, prices TickSource, analyzer *StructureAnalyzer, lookback int, ttl time.Duration, logger zerolog.Logger) *Monitor {
	if lookback <= 0 {
		lookback = 100
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Monitor{
		provider: provider,
		prices:   prices,
		analyzer: analyzer,
		lookback: lookback,
		ttl:      ttl,
		logger:   logger.With().Str("component", "UnderlyingMonitor").Logger(),
		cache:    make(map[string]State),
	}
}

// Evaluate resolves the position's underlying index and returns its current
// state. A missing linkage or provider failure yields an unknown state.
func (m *Monitor) Evaluate(ctx context.Context, pos *positions.Position) State {
	indexKey := pos.Meta.IndexKey
	if indexKey == "" {
		return UnknownState("")
	}
	return m.EvaluateIndex(ctx, indexKey)
}

// EvaluateIndex computes (or returns the cached) state for an index key.
func (m *Monitor) EvaluateIndex(ctx context.Context, indexKey string) State {
	m.mu.Lock()
	if cached, ok := m.cache[indexKey]; ok && time.Since(cached.ComputedAt) < m.ttl {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	state := m.compute(ctx, indexKey)

	m.mu.Lock()
	m.cache[indexKey] = state
	m.mu.Unlock()
	return state
}

func (m *Monitor) compute(ctx context.Context, indexKey string) State {
	if m.provider == nil {
		return UnknownState(indexKey)
	}

	candles, err := m.provider.RecentCandles(ctx, indexKey, m.lookback)
	if err != nil || len(candles) == 0 {
		m.logger.Debug().Err(err).Str("index_key", indexKey).
			Msg("No candle series for underlying, returning unknown state")
		return UnknownState(indexKey)
	}

	lastPrice := candles[len(candles)-1].Close
	if m.prices != nil {
		if sid, ok := indexSecurityIDs[indexKey]; ok {
			if ltp := m.prices.LTP(ctx, broker.SegmentNSEIdx, sid); ltp > 0 {
				lastPrice = ltp
			}
		}
	}

	structure := m.analyzer.Analyze(candles, lastPrice)

	return State{
		IndexKey:     indexKey,
		TrendScore:   structure.TrendScore,
		TrendUp:      structure.TrendUp,
		BOS:          structure.BOS,
		BOSDirection: structure.BOSDirection,
		ATRTrend:     structure.ATRTrend,
		ATRRatio:     structure.ATRRatio,
		MTFConfirm:   structure.BOS == BOSIntact && structure.TrendScore >= 0.6,
		ComputedAt:   time.Now(),
	}
}

// AgainstPosition reports whether the underlying state argues against the
// position: a structure break opposing the position's direction.
func (s State) AgainstPosition(pos *positions.Position) bool {
	if s.BOS != BOSBroken {
		return false
	}

	// A long call (or short put) wants the underlying up; a long put (or
	// short call) wants it down.
	wantsUp := pos.OptionType == positions.OptionCall
	if pos.Side == broker.SideShort {
		wantsUp = !wantsUp
	}

	if wantsUp {
		return s.BOSDirection == "down"
	}
	return s.BOSDirection == "up"
}
