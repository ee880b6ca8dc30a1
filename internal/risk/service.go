// Package risk runs the periodic exit-management control loop over all
// tracked option positions.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/config"
	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/circuit"
	"options-trading-bot/internal/exit"
	"options-trading-bot/internal/market"
	"options-trading-bot/internal/positions"
	"options-trading-bot/internal/regime"
	"options-trading-bot/internal/trailing"
	"options-trading-bot/internal/underlying"
)

// Lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("risk manager already running")
	ErrNotRunning     = errors.New("risk manager not running")
)

// PositionStore is the slice of the repository the control loop needs.
type PositionStore interface {
	GetActivePositions(ctx context.Context) ([]*positions.Position, error)
	UpdateTrailingState(ctx context.Context, pos *positions.Position) error
}

// Service is the risk manager: a single-goroutine polling loop that refreshes
// prices, ratchets stops and evaluates exit rules for every tracked position.
// Exit rules run in fixed priority order per position: session end first,
// then underlying structure, peak drawdown, hard SL/TP, and trailing last.
// The first rule that fires wins the cycle for that position.
type Service struct {
	cfg      *config.Config
	store    PositionStore
	cache    *positions.ActiveCache
	prices   *market.PriceSource
	trailer  *trailing.Engine
	exits    *exit.Engine
	monitor  *underlying.Monitor // nil disables underlying-aware exits
	resolver *regime.Resolver
	breaker  *circuit.Breaker
	router   broker.OrderRouter
	metrics  *Metrics
	logger   zerolog.Logger

	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	cycleCount int64
	startedAt  time.Time
	nowFn      func() time.Time
}

// NewService wires the control loop. monitor may be nil.
func NewService(
	cfg *config.Config,
	store PositionStore,
	cache *positions.ActiveCache,
	prices *market.PriceSource,
	trailer *trailing.Engine,
	exits *exit.Engine,
	monitor *underlying.Monitor,
	resolver *regime.Resolver,
	breaker *circuit.Breaker,
	router broker.OrderRouter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		prices:   prices,
		trailer:  trailer,
		exits:    exits,
		monitor:  monitor,
		resolver: resolver,
		breaker:  breaker,
		router:   router,
		metrics:  NewMetrics(cfg.RiskLoopConfig.RecentErrorsRetained),
		logger:   logger.With().Str("component", "RiskManager").Logger(),
		nowFn:    time.Now,
	}
}

// Start loads active positions from the store and launches the polling loop.
// A second Start while running returns ErrAlreadyRunning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.startedAt = s.nowFn()
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	if err := s.loadPositions(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("load active positions: %w", err)
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Info().
		Int("interval_seconds", s.cfg.RiskLoopConfig.IntervalSeconds).
		Int("tracked", s.cache.ActiveCount()).
		Msg("Risk manager started")
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish. Stopping
// a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Risk manager stopped")
}

// IsRunning reports whether the polling loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Health is the operational snapshot of the risk manager.
type Health struct {
	Running         bool                   `json:"running"`
	UptimeSeconds   float64                `json:"uptime_seconds"`
	ActivePositions int                    `json:"active_positions"`
	Breaker         map[string]interface{} `json:"circuit_breaker"`
	Metrics         Snapshot               `json:"metrics"`
}

// GetHealth returns the current operational snapshot.
func (s *Service) GetHealth() Health {
	s.mu.Lock()
	var uptime float64
	if s.running {
		uptime = s.nowFn().Sub(s.startedAt).Seconds()
	}
	running := s.running
	s.mu.Unlock()

	return Health{
		Running:         running,
		UptimeSeconds:   uptime,
		ActivePositions: s.cache.ActiveCount(),
		Breaker:         s.breaker.Stats(),
		Metrics:         s.metrics.GetSnapshot(),
	}
}

// loadPositions seeds the cache with all active trackers from the store.
func (s *Service) loadPositions(ctx context.Context) error {
	active, err := s.store.GetActivePositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range active {
		s.cache.Put(pos)
	}
	s.logger.Info().Int("count", len(active)).Msg("Active positions loaded")
	return nil
}

func (s *Service) run() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.RiskLoopConfig.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.safeCycle(interval)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.safeCycle(interval)
		}
	}
}

// safeCycle runs one cycle with panic recovery so a single bad evaluation
// cannot kill the loop.
func (s *Service) safeCycle(budget time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Risk cycle panicked, recovered")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	s.runCycle(ctx)
}

func (s *Service) runCycle(ctx context.Context) {
	stats := CycleStats{StartedAt: s.nowFn()}
	s.cycleCount++
	s.prices.BeginCycle()

	if s.sessionEnded(stats.StartedAt) {
		s.flattenAll(ctx, &stats)
		s.metrics.RecordCycle(stats, s.cache.ActiveCount())
		return
	}

	if s.syncDue() {
		s.syncWithBroker(ctx, &stats)
	}

	for _, snap := range s.cache.Snapshot() {
		s.evaluatePosition(ctx, snap, &stats)
	}

	s.metrics.RecordCycle(stats, s.cache.ActiveCount())
}

// sessionEnded reports whether the forced intraday exit cutoff has passed.
func (s *Service) sessionEnded(now time.Time) bool {
	cutoff, err := s.cfg.SessionCutoff(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Session cutoff misconfigured, skipping session-end rule")
		return false
	}
	return !now.Before(cutoff)
}

// flattenAll exits every tracked position with the session-end reason.
func (s *Service) flattenAll(ctx context.Context, stats *CycleStats) {
	snaps := s.cache.Snapshot()
	if len(snaps) == 0 {
		return
	}
	s.logger.Warn().Int("count", len(snaps)).Msg("Session cutoff reached, flattening all positions")
	for _, snap := range snaps {
		s.executeExit(ctx, snap.TrackerID, exit.ReasonSessionEnd, stats)
	}
}

func (s *Service) syncDue() bool {
	every := int64(s.cfg.RiskLoopConfig.SyncEveryCycles)
	if every <= 0 {
		return false
	}
	return s.cycleCount%every == 1 || every == 1
}

// syncWithBroker reconciles the tracker cache against the broker's open
// positions. A tracker whose instrument the broker no longer holds was
// closed externally and is marked exited without placing an order.
func (s *Service) syncWithBroker(ctx context.Context, stats *CycleStats) {
	if allowed, reason := s.breaker.Allow(); !allowed {
		s.logger.Warn().Str("reason", reason).Msg("Broker sync skipped, circuit open")
		return
	}

	stats.APICalls++
	brokerPositions, err := s.router.ActivePositions(ctx)
	if err != nil {
		stats.APIFailures++
		stats.Errors = append(stats.Errors, fmt.Sprintf("broker sync: %v", err))
		s.breaker.RecordFailure(err.Error())
		s.logger.Error().Err(err).Msg("Broker position sync failed")
		return
	}
	s.breaker.RecordSuccess()

	held := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		held[market.InstrumentKey(bp.Segment, bp.SecurityID)] = bp.NetQty
	}

	for _, snap := range s.cache.Snapshot() {
		if qty := held[market.InstrumentKey(snap.Segment, snap.SecurityID)]; qty != 0 {
			continue
		}
		s.logger.Warn().
			Int64("tracker_id", snap.TrackerID).
			Str("symbol", snap.Symbol).
			Msg("Broker no longer holds instrument, reconciling tracker")
		if _, err := s.exits.MarkClosedExternally(ctx, snap.TrackerID); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("tracker %d reconcile: %v", snap.TrackerID, err))
		}
	}
}

// evaluatePosition refreshes one position's price and walks the exit rules
// in priority order. snap is the cycle snapshot; all mutation goes through
// the cache so a concurrent exit can never be undone here.
func (s *Service) evaluatePosition(ctx context.Context, snap *positions.Position, stats *CycleStats) {
	res := s.prices.Resolve(ctx, snap.Segment, snap.SecurityID)
	if res.CacheFetch {
		stats.CacheFetches++
	}
	if res.APICall {
		stats.APICalls++
	}
	if res.Err != nil {
		stats.APIFailures++
		stats.Errors = append(stats.Errors, fmt.Sprintf("tracker %d price: %v", snap.TrackerID, res.Err))
		s.logger.Warn().Err(res.Err).Int64("tracker_id", snap.TrackerID).Msg("No price available, skipping evaluation")
		return
	}

	if !s.cache.UpdatePnL(snap.TrackerID, res.LTP) {
		return
	}
	stats.TicksProcessed++

	live, ok := s.cache.Get(snap.TrackerID)
	if !ok || !live.IsActive() {
		return
	}
	if live.PeakProfitPct > snap.PeakProfitPct {
		stats.PeakUpdates++
	}

	// Rule 2: underlying structure.
	if s.cfg.FeatureFlags.UnderlyingAwareExit && s.monitor != nil {
		state := s.monitor.Evaluate(ctx, live)
		if state.AgainstPosition(live) {
			s.executeExit(ctx, live.TrackerID, exit.ReasonUnderlyingBOS, stats)
			return
		}
		if state.BOS != underlying.BOSUnknown && state.TrendScore < s.cfg.UnderlyingExitConfig.TrendScoreFloor {
			s.executeExit(ctx, live.TrackerID, exit.ReasonUnderlyingWeak, stats)
			return
		}
	}

	// Rule 3: peak drawdown.
	if s.cfg.FeatureFlags.PeakDrawdownExit {
		if triggered, _ := s.trailer.CheckPeakDrawdown(live); triggered {
			s.executeExit(ctx, live.TrackerID, exit.ReasonPeakDrawdown, stats)
			return
		}
	}

	// Rule 4: hard SL/TP. Get returns a copy, so re-read after seeding
	// limits or the fresh SL/TP would be invisible to the hit checks.
	dirty := s.ensureHardLimits(live)
	if dirty {
		if fresh, ok := s.cache.Get(snap.TrackerID); ok {
			live = fresh
		}
	}
	if live.StopHit(res.LTP) {
		s.executeExit(ctx, live.TrackerID, exit.ReasonStopLoss, stats)
		return
	}
	if live.TargetHit(res.LTP) {
		s.executeExit(ctx, live.TrackerID, exit.ReasonTakeProfit, stats)
		return
	}

	// Rule 5: trailing maintenance, exit only as last resort.
	if s.cfg.FeatureFlags.BreakevenLock && !live.Meta.BreakevenLocked &&
		live.PnLPercent >= s.cfg.TrailingConfig.BreakevenActivationPct {
		if s.cache.LockBreakeven(live.TrackerID) {
			if s.cache.SetStopLoss(live.TrackerID, trailing.BreakevenPrice(live)) {
				stats.SLUpdates++
			}
			dirty = true
			s.logger.Info().Int64("tracker_id", live.TrackerID).
				Float64("profit_pct", live.PnLPercent).Msg("Breakeven locked")
		}
	}

	if updated, _ := s.trailer.RatchetTieredSL(live); updated {
		stats.SLUpdates++
		dirty = true
	}

	if s.trailer.CheckAdaptiveTrailingExit(live) {
		s.executeExit(ctx, live.TrackerID, exit.ReasonTrailing, stats)
		return
	}

	if dirty || live.PeakProfitPct > snap.PeakProfitPct {
		// Persist the current record, not the working copy, so the ratchet
		// and breakeven updates above make it to the store.
		current, ok := s.cache.Get(snap.TrackerID)
		if !ok {
			return
		}
		if err := s.store.UpdateTrailingState(ctx, current); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("tracker %d persist: %v", current.TrackerID, err))
			s.logger.Warn().Err(err).Int64("tracker_id", current.TrackerID).Msg("Trailing state persist failed")
		}
	}
}

// ensureHardLimits sets the initial SL/TP on a tracker that has none, using
// the regime-adjusted midpoints when the resolver knows the index and the
// static defaults otherwise. Reports whether anything was set.
func (s *Service) ensureHardLimits(live *positions.Position) bool {
	if live.SLPrice != nil && live.TPPrice != nil {
		return false
	}

	slPct := s.cfg.HardLimitsConfig.DefaultSLPercent
	tpPct := s.cfg.HardLimitsConfig.DefaultTPPercent
	if s.cfg.FeatureFlags.RegimeParameters {
		if resolution, err := s.resolver.Resolve(live.Meta.IndexKey); err == nil {
			slPct = resolution.Parameters.SLPctRange.Midpoint()
			tpPct = resolution.Parameters.TPPctRange.Midpoint()
		}
	}

	dirty := false
	if live.SLPrice == nil {
		sl := live.EntryPrice * (1 - slPct/100)
		if live.Side == broker.SideShort {
			sl = live.EntryPrice * (1 + slPct/100)
		}
		if s.cache.SetStopLoss(live.TrackerID, sl) {
			dirty = true
		}
	}
	if live.TPPrice == nil {
		tp := live.EntryPrice * (1 + tpPct/100)
		if live.Side == broker.SideShort {
			tp = live.EntryPrice * (1 - tpPct/100)
		}
		if s.cache.SetTakeProfit(live.TrackerID, tp) {
			dirty = true
		}
	}
	return dirty
}

// executeExit runs one exit through the exit engine and records the outcome
// in cycle stats and the circuit breaker.
func (s *Service) executeExit(ctx context.Context, trackerID int64, reason string, stats *CycleStats) {
	result, err := s.exits.ExecuteExit(ctx, trackerID, reason)
	if result.Executed {
		// The order went through even when err is set (persistence trouble
		// after the fill); that is not a broker failure and must not feed
		// the breaker.
		stats.APICalls++
		stats.ExitsTriggered++
		s.metrics.RecordExit(reason)
		s.breaker.RecordSuccess()
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("tracker %d exit: %v", trackerID, err))
			s.logger.Warn().Err(err).Int64("tracker_id", trackerID).Msg("Exit executed but persistence failed")
		}
		return
	}
	if err != nil {
		stats.APIFailures++
		stats.Errors = append(stats.Errors, fmt.Sprintf("tracker %d exit: %v", trackerID, err))
		s.breaker.RecordFailure(err.Error())
	}
}

// GatedQuoteFetcher wraps the broker quote API with the circuit breaker so
// the price source degrades to cached ticks while the circuit is open.
type GatedQuoteFetcher struct {
	router  broker.OrderRouter
	breaker *circuit.Breaker
}

// NewGatedQuoteFetcher builds the breaker-guarded quote fallback.
func NewGatedQuoteFetcher(router broker.OrderRouter, breaker *circuit.Breaker) *GatedQuoteFetcher {
	return &GatedQuoteFetcher{router: router, breaker: breaker}
}

// Quote fetches a quote unless the circuit is open, recording the outcome.
func (g *GatedQuoteFetcher) Quote(ctx context.Context, segment broker.Segment, securityID string) (float64, error) {
	if allowed, reason := g.breaker.Allow(); !allowed {
		return 0, fmt.Errorf("%w: %s", broker.ErrRouterUnavailable, reason)
	}
	ltp, err := g.router.Quote(ctx, segment, securityID)
	if err != nil {
		g.breaker.RecordFailure(err.Error())
		return 0, err
	}
	g.breaker.RecordSuccess()
	return ltp, nil
}
