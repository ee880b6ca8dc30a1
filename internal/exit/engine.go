// Package exit owns order-level exit execution with at-most-once semantics.
package exit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/market"
	"options-trading-bot/internal/positions"
)

// Exit reason codes used across the control loop.
const (
	ReasonSessionEnd     = "session_end"
	ReasonUnderlyingBOS  = "underlying_structure_break"
	ReasonUnderlyingWeak = "underlying_trend_weak"
	ReasonPeakDrawdown   = "peak_drawdown_exit"
	ReasonStopLoss       = "stop_loss_hit"
	ReasonTakeProfit     = "take_profit_hit"
	ReasonTrailing       = "trailing_exit"
	ReasonManual         = "manual"
	ReasonBrokerClosed   = "closed_at_broker"
)

// distLockTTL bounds how long a crashed holder can block an exit.
const distLockTTL = 30 * time.Second

// ErrInvalidExit flags an exit request rejected before any lock, broker call,
// or state change.
var ErrInvalidExit = errors.New("invalid exit request")

// Store is the slice of the position repository the exit path needs.
type Store interface {
	MarkExited(ctx context.Context, trackerID int64, reason string, exitPrice *float64) error
}

// Result describes the outcome of one ExecuteExit call.
type Result struct {
	// Executed is true when this call placed the flattening order.
	Executed bool
	// AlreadyExited is true when the tracker was terminal before this call;
	// the call is a successful no-op.
	AlreadyExited bool
	// InFlight is true when another holder owns the distributed exit lock.
	InFlight bool

	Reason    string
	OrderID   string
	ExitPrice *float64
}

// Engine serializes exits per tracker and guarantees a single flattening
// order per position. The database status guard is the authority; the
// in-process and distributed locks only keep concurrent callers from racing
// to the broker.
type Engine struct {
	router   broker.OrderRouter
	store    Store
	cache    *positions.ActiveCache
	ticks    *market.TickCache
	locks    *positions.KeyedLock
	distLock *positions.RedisExitLock // nil when running without Redis
	logger   zerolog.Logger
}

// NewEngine builds an exit engine. distLock may be nil.
func NewEngine(router broker.OrderRouter, store Store, cache *positions.ActiveCache, ticks *market.TickCache, distLock *positions.RedisExitLock, logger zerolog.Logger) *Engine {
	return &Engine{
		router:   router,
		store:    store,
		cache:    cache,
		ticks:    ticks,
		locks:    positions.NewKeyedLock(),
		distLock: distLock,
		logger:   logger.With().Str("component", "ExitEngine").Logger(),
	}
}

// ExecuteExit flattens one tracker at market. Calling it again for an
// already-exited tracker returns AlreadyExited with no broker call. A router
// failure leaves the tracker active so the next cycle retries.
func (e *Engine) ExecuteExit(ctx context.Context, trackerID int64, reason string) (Result, error) {
	if strings.TrimSpace(reason) == "" {
		return Result{}, fmt.Errorf("%w: blank reason for tracker %d", ErrInvalidExit, trackerID)
	}
	if e.router == nil {
		return Result{}, fmt.Errorf("%w: no order router configured", ErrInvalidExit)
	}

	unlock := e.locks.Lock(trackerID)
	defer unlock()

	if e.distLock != nil {
		release, err := e.distLock.Acquire(ctx, trackerID, distLockTTL)
		if err != nil {
			if errors.Is(err, positions.ErrLockHeld) {
				e.logger.Warn().Int64("tracker_id", trackerID).Msg("Exit already in flight elsewhere, skipping")
				return Result{InFlight: true, Reason: reason}, nil
			}
			// Redis trouble is not a reason to hold a losing position; the
			// in-process lock still covers this instance.
			e.logger.Warn().Err(err).Int64("tracker_id", trackerID).Msg("Distributed exit lock unavailable, proceeding with local lock")
		} else {
			defer release()
		}
	}

	live, ok := e.cache.Get(trackerID)
	if !ok || live.Status.Terminal() {
		e.locks.Forget(trackerID)
		return Result{AlreadyExited: true, Reason: reason}, nil
	}

	fill, err := e.router.PlaceExitOrder(ctx, live.Segment, live.SecurityID, live.Quantity, live.Side)
	if err != nil {
		e.logger.Error().Err(err).
			Int64("tracker_id", trackerID).
			Str("security_id", live.SecurityID).
			Msg("Exit order failed, tracker stays active for retry")
		return Result{Reason: reason}, fmt.Errorf("place exit order for tracker %d: %w", trackerID, err)
	}
	if !fill.Success {
		e.logger.Error().
			Int64("tracker_id", trackerID).
			Str("order_id", fill.OrderID).
			Msg("Exit order rejected, tracker stays active for retry")
		return Result{Reason: reason}, fmt.Errorf("exit order for tracker %d: %w", trackerID, broker.ErrOrderRejected)
	}

	exitPrice := e.resolveExitPrice(live, fill)

	if err := e.store.MarkExited(ctx, trackerID, reason, exitPrice); err != nil {
		if errors.Is(err, positions.ErrPositionTerminal) {
			// Another instance won the DB guard after our broker call went
			// through; the broker dedupes by correlation ID so the position
			// is flat either way.
			e.cache.Remove(trackerID)
			e.locks.Forget(trackerID)
			return Result{AlreadyExited: true, Reason: reason}, nil
		}
		// The position is flat at the broker. Record the exit locally and
		// surface the persistence failure; resyncing from the DB is wrong
		// here since the DB is the stale side.
		e.cache.MarkExited(trackerID, reason, exitPrice)
		return Result{Executed: true, Reason: reason, OrderID: fill.OrderID, ExitPrice: exitPrice},
			fmt.Errorf("persist exit for tracker %d: %w", trackerID, err)
	}

	e.cache.MarkExited(trackerID, reason, exitPrice)
	e.cache.Remove(trackerID)
	e.locks.Forget(trackerID)

	evt := e.logger.Info().
		Int64("tracker_id", trackerID).
		Str("symbol", live.Symbol).
		Str("reason", reason).
		Str("order_id", fill.OrderID)
	if exitPrice != nil {
		evt = evt.Float64("exit_price", *exitPrice)
	}
	evt.Msg("Position exited")

	return Result{Executed: true, Reason: reason, OrderID: fill.OrderID, ExitPrice: exitPrice}, nil
}

// MarkClosedExternally records a position the broker no longer holds, e.g.
// one closed manually on the broker terminal. No order is placed.
func (e *Engine) MarkClosedExternally(ctx context.Context, trackerID int64) (Result, error) {
	unlock := e.locks.Lock(trackerID)
	defer unlock()

	live, ok := e.cache.Get(trackerID)
	if !ok || live.Status.Terminal() {
		return Result{AlreadyExited: true, Reason: ReasonBrokerClosed}, nil
	}

	exitPrice := e.tickPrice(live)
	if err := e.store.MarkExited(ctx, trackerID, ReasonBrokerClosed, exitPrice); err != nil {
		if errors.Is(err, positions.ErrPositionTerminal) {
			e.cache.Remove(trackerID)
			return Result{AlreadyExited: true, Reason: ReasonBrokerClosed}, nil
		}
		return Result{}, fmt.Errorf("persist external close for tracker %d: %w", trackerID, err)
	}

	e.cache.MarkExited(trackerID, ReasonBrokerClosed, exitPrice)
	e.cache.Remove(trackerID)
	e.locks.Forget(trackerID)

	e.logger.Info().Int64("tracker_id", trackerID).Str("symbol", live.Symbol).Msg("Position closed externally, tracker reconciled")
	return Result{Executed: true, Reason: ReasonBrokerClosed, ExitPrice: exitPrice}, nil
}

// resolveExitPrice prefers the gateway's fill price, then the last cached
// tick, and records nothing when neither exists.
func (e *Engine) resolveExitPrice(pos *positions.Position, fill broker.FillResult) *float64 {
	if fill.ExitPrice != nil {
		return fill.ExitPrice
	}
	return e.tickPrice(pos)
}

func (e *Engine) tickPrice(pos *positions.Position) *float64 {
	tick, err := e.ticks.Get(pos.Segment, pos.SecurityID)
	if err != nil {
		return nil
	}
	ltp := tick.LTP
	return &ltp
}
