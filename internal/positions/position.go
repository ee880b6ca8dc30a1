// Package positions holds the tracked-trade model, the live position cache,
// and its persistence layer.
package positions

import (
	"errors"
	"fmt"
	"time"

	"options-trading-bot/internal/broker"
)

// Status is the lifecycle state of a tracked position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExited    Status = "exited"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusCancelled
}

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Sentinel errors for position state handling.
var (
	ErrInvalidTransition = errors.New("invalid position status transition")
	ErrPositionTerminal  = errors.New("position already in terminal state")
	ErrPositionNotFound  = errors.New("position not found")
)

// Meta carries the position's risk-loop bookkeeping. It replaces the
// open-ended key/value bag of older systems with named fields.
type Meta struct {
	IndexKey        string     `json:"index_key"` // NIFTY, BANKNIFTY, ...
	Direction       string     `json:"direction"` // bullish / bearish view at entry
	ExitReason      string     `json:"exit_reason,omitempty"`
	ExitTriggeredAt *time.Time `json:"exit_triggered_at,omitempty"`
	BreakevenLocked bool       `json:"breakeven_locked"` // One-way latch, never cleared
}

// Position is the persisted record of one open or closed trade.
type Position struct {
	TrackerID  int64          `json:"tracker_id"`
	Segment    broker.Segment `json:"segment"`
	SecurityID string         `json:"security_id"`
	Symbol     string         `json:"symbol"`
	Side       broker.Side    `json:"side"`
	OptionType OptionType     `json:"option_type"`
	Quantity   int            `json:"quantity"`
	EntryPrice float64        `json:"entry_price"`

	CurrentPnL       float64 `json:"current_pnl"`
	PnLPercent       float64 `json:"pnl_percent"`
	HighWaterMarkPnL float64 `json:"high_water_mark_pnl"` // Never decreases while active
	PeakProfitPct    float64 `json:"peak_profit_pct"`     // Never decreases while active

	SLPrice *float64 `json:"sl_price,omitempty"`
	TPPrice *float64 `json:"tp_price,omitempty"`

	Status    Status    `json:"status"`
	ExitPrice *float64  `json:"exit_price,omitempty"`
	Meta      Meta      `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the position is live and mutable.
func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}

// validTransitions encodes the one-directional lifecycle:
// pending -> active -> exited, or pending/active -> cancelled.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusExited, StatusCancelled},
}

// TransitionTo moves the position to next, rejecting anything outside the
// one-directional lifecycle. Terminal states are frozen permanently.
func (p *Position) TransitionTo(next Status) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrPositionTerminal, p.Status)
	}
	for _, allowed := range validTransitions[p.Status] {
		if allowed == next {
			p.Status = next
			p.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
}

// ApplyTick recomputes PnL from the latest price and ratchets the
// high-water-mark and peak profit. The ratchets only move in the profitable
// direction; a terminal position is never mutated.
func (p *Position) ApplyTick(ltp float64) {
	if !p.IsActive() || p.EntryPrice <= 0 || ltp <= 0 {
		return
	}

	perUnit := ltp - p.EntryPrice
	if p.Side == broker.SideShort {
		perUnit = p.EntryPrice - ltp
	}

	p.CurrentPnL = perUnit * float64(p.Quantity)
	p.PnLPercent = (perUnit / p.EntryPrice) * 100

	if p.CurrentPnL > p.HighWaterMarkPnL {
		p.HighWaterMarkPnL = p.CurrentPnL
	}
	if p.PnLPercent > p.PeakProfitPct {
		p.PeakProfitPct = p.PnLPercent
	}
	p.UpdatedAt = time.Now()
}

// RatchetStopLoss applies candidate as the new SL price only when it is
// strictly better than the current one: higher for a long, lower for a short.
// Returns true when the SL moved.
func (p *Position) RatchetStopLoss(candidate float64) bool {
	if !p.IsActive() || candidate <= 0 {
		return false
	}
	if p.SLPrice == nil {
		sl := candidate
		p.SLPrice = &sl
		p.UpdatedAt = time.Now()
		return true
	}

	improved := candidate > *p.SLPrice
	if p.Side == broker.SideShort {
		improved = candidate < *p.SLPrice
	}
	if !improved {
		return false
	}

	sl := candidate
	p.SLPrice = &sl
	p.UpdatedAt = time.Now()
	return true
}

// SLOffsetPercent returns how far the current SL sits from entry, as a
// percentage of entry, signed so that a protective SL (above entry for a
// long) is positive. Returns 0 when no SL is set.
func (p *Position) SLOffsetPercent() float64 {
	if p.SLPrice == nil || p.EntryPrice <= 0 {
		return 0
	}
	offset := (*p.SLPrice - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == broker.SideShort {
		offset = -offset
	}
	return offset
}

// StopHit reports whether the LTP has crossed the SL price.
func (p *Position) StopHit(ltp float64) bool {
	if p.SLPrice == nil {
		return false
	}
	if p.Side == broker.SideShort {
		return ltp >= *p.SLPrice
	}
	return ltp <= *p.SLPrice
}

// TargetHit reports whether the LTP has crossed the TP price.
func (p *Position) TargetHit(ltp float64) bool {
	if p.TPPrice == nil {
		return false
	}
	if p.Side == broker.SideShort {
		return ltp <= *p.TPPrice
	}
	return ltp >= *p.TPPrice
}

// Clone returns a deep copy for safe handoff across goroutines.
func (p *Position) Clone() *Position {
	cp := *p
	if p.SLPrice != nil {
		v := *p.SLPrice
		cp.SLPrice = &v
	}
	if p.TPPrice != nil {
		v := *p.TPPrice
		cp.TPPrice = &v
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		cp.ExitPrice = &v
	}
	if p.Meta.ExitTriggeredAt != nil {
		t := *p.Meta.ExitTriggeredAt
		cp.Meta.ExitTriggeredAt = &t
	}
	return &cp
}
