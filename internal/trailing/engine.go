// Package trailing implements the tiered stop-loss ratchet and the
// peak-drawdown exit rule.
package trailing

import (
	"sort"

	"github.com/rs/zerolog"

	"options-trading-bot/config"
	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/positions"
)

// Result reason codes.
const (
	ReasonTrackerNotActive = "tracker_not_active"
	ReasonTierNotReached   = "tier_not_reached"
	ReasonSLNotImproved    = "sl_not_improved"
	ReasonSLUpdated        = "sl_updated"
	ReasonPeakDrawdown     = "peak_drawdown_exit"
	ReasonDrawdownNotArmed = "drawdown_not_armed"
)

// Result is the outcome of one per-position trailing evaluation.
type Result struct {
	PeakUpdated   bool
	SLUpdated     bool
	ExitTriggered bool
	Reason        string
}

// Engine applies the tiered SL ratchet and peak-drawdown rule against the
// live position cache. It mutates positions only through the cache's narrow
// update operations, so a stale snapshot handed to ProcessTick can never
// resurrect an exited tracker.
type Engine struct {
	cfg    config.TrailingConfig
	ddCfg  config.PeakDrawdownConfig
	cache  *positions.ActiveCache
	logger zerolog.Logger
}

// NewEngine builds a trailing engine. Tiers are kept sorted ascending by
// profit threshold.
func NewEngine(cfg config.TrailingConfig, ddCfg config.PeakDrawdownConfig, cache *positions.ActiveCache, logger zerolog.Logger) *Engine {
	tiers := make([]config.TrailingTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ProfitPercent < tiers[j].ProfitPercent })
	cfg.Tiers = tiers

	return &Engine{
		cfg:    cfg,
		ddCfg:  ddCfg,
		cache:  cache,
		logger: logger.With().Str("component", "TrailingEngine").Logger(),
	}
}

// ProcessTick runs one standalone trailing evaluation for a tracker: PnL and
// peak refresh, tiered SL ratchet, then peak-drawdown check. It is the entry
// point for alternate schedulers and tests; the control loop composes the
// same steps individually to honor its own rule priority.
func (e *Engine) ProcessTick(trackerID int64, ltp float64) Result {
	live, ok := e.cache.Get(trackerID)
	if !ok || !live.IsActive() {
		return Result{Reason: ReasonTrackerNotActive}
	}

	peakBefore := live.PeakProfitPct
	e.cache.UpdatePnL(trackerID, ltp)

	live, ok = e.cache.Get(trackerID)
	if !ok || !live.IsActive() {
		return Result{Reason: ReasonTrackerNotActive}
	}

	result := Result{PeakUpdated: live.PeakProfitPct > peakBefore}

	updated, reason := e.RatchetTieredSL(live)
	result.SLUpdated = updated
	result.Reason = reason

	// Get returns a copy; re-read so drawdown gating sees the SL the
	// ratchet just locked.
	if updated {
		if fresh, ok := e.cache.Get(trackerID); ok {
			live = fresh
		}
	}

	if triggered, ddReason := e.CheckPeakDrawdown(live); triggered {
		result.ExitTriggered = true
		result.Reason = ddReason
	}
	return result
}

// RatchetTieredSL looks up the applicable tier for the position's current
// profit and ratchets the SL to the tier's locked offset from entry. The
// candidate is applied only when strictly better than the existing SL.
func (e *Engine) RatchetTieredSL(pos *positions.Position) (bool, string) {
	if !e.cfg.Enabled || len(e.cfg.Tiers) == 0 {
		return false, ReasonTierNotReached
	}

	tier, ok := e.tierFor(pos.PnLPercent)
	if !ok {
		return false, ReasonTierNotReached
	}

	candidate := slPriceForOffset(pos, tier.SLOffsetPercent)
	if !e.cache.SetStopLoss(pos.TrackerID, candidate) {
		return false, ReasonSLNotImproved
	}

	e.logger.Info().
		Int64("tracker_id", pos.TrackerID).
		Float64("profit_pct", pos.PnLPercent).
		Float64("tier_profit", tier.ProfitPercent).
		Float64("new_sl", candidate).
		Msg("Tiered SL ratcheted")
	return true, ReasonSLUpdated
}

// tierFor returns the highest tier whose profit threshold the position has
// reached.
func (e *Engine) tierFor(profitPct float64) (config.TrailingTier, bool) {
	var best config.TrailingTier
	found := false
	for _, tier := range e.cfg.Tiers {
		if profitPct >= tier.ProfitPercent {
			best = tier
			found = true
		}
	}
	return best, found
}

// CheckPeakDrawdown evaluates the peak-drawdown exit rule. Drawdown is the
// absolute difference peak profit % minus current profit %. With gating
// enabled, the rule arms only after the peak has reached the activation
// profit AND the SL offset has reached its activation level; this guards
// against exits on small, normal pullbacks early in a trade's life.
func (e *Engine) CheckPeakDrawdown(pos *positions.Position) (bool, string) {
	if !e.ddCfg.Enabled || pos.PeakProfitPct <= 0 {
		return false, ""
	}

	drawdown := pos.PeakProfitPct - pos.PnLPercent
	if drawdown < e.ddCfg.MaxDrawdownPercent {
		return false, ""
	}

	if e.ddCfg.GatingEnabled {
		if pos.PeakProfitPct < e.ddCfg.ActivationProfitPct {
			return false, ReasonDrawdownNotArmed
		}
		if pos.SLOffsetPercent() < e.ddCfg.ActivationSLOffset {
			return false, ReasonDrawdownNotArmed
		}
	}

	e.logger.Info().
		Int64("tracker_id", pos.TrackerID).
		Float64("peak_pct", pos.PeakProfitPct).
		Float64("current_pct", pos.PnLPercent).
		Float64("drawdown", drawdown).
		Msg("Peak drawdown exit condition met")
	return true, ReasonPeakDrawdown
}

// AdaptiveDrawdownBand returns the allowed retracement from peak at the
// given profit level: the band narrows linearly from the configured maximum
// toward its floor as profit approaches the full-at level, never dropping
// below the index-specific floor. This is the fallback trailing policy used
// when no tier has armed.
func (e *Engine) AdaptiveDrawdownBand(profitPct float64, indexKey string) float64 {
	band := e.cfg.AdaptiveBandMaxPct
	if e.cfg.AdaptiveBandFullAtProfit > 0 && profitPct > 0 {
		frac := profitPct / e.cfg.AdaptiveBandFullAtProfit
		if frac > 1 {
			frac = 1
		}
		band = e.cfg.AdaptiveBandMaxPct - frac*(e.cfg.AdaptiveBandMaxPct-e.cfg.AdaptiveBandMinPct)
	}

	if floor, ok := e.cfg.IndexBandFloors[indexKey]; ok && band < floor {
		band = floor
	} else if band < e.cfg.AdaptiveBandMinPct {
		band = e.cfg.AdaptiveBandMinPct
	}
	return band
}

// CheckAdaptiveTrailingExit reports whether profit has retraced from the
// high-water mark beyond the adaptive band at the current profit level.
// Only meaningful once some profit has been made.
func (e *Engine) CheckAdaptiveTrailingExit(pos *positions.Position) bool {
	if !e.cfg.Enabled || pos.PeakProfitPct <= 0 {
		return false
	}

	band := e.AdaptiveDrawdownBand(pos.PeakProfitPct, pos.Meta.IndexKey)
	return pos.PeakProfitPct-pos.PnLPercent >= band
}

// BreakevenPrice returns the SL candidate that locks the position at (or a
// hair beyond) breakeven.
func BreakevenPrice(pos *positions.Position) float64 {
	const cushionPct = 0.5 // Covers round-trip costs
	if pos.Side == broker.SideShort {
		return pos.EntryPrice * (1 - cushionPct/100)
	}
	return pos.EntryPrice * (1 + cushionPct/100)
}

func slPriceForOffset(pos *positions.Position, offsetPct float64) float64 {
	if pos.Side == broker.SideShort {
		return pos.EntryPrice * (1 - offsetPct/100)
	}
	return pos.EntryPrice * (1 + offsetPct/100)
}
