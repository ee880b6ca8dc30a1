// Package regime supplies SL/TP/trailing parameter ranges conditioned on
// index and volatility regime.
package regime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownIndex is returned when no regime mapping exists for an index key.
// Callers fall back to statically configured defaults.
var ErrUnknownIndex = errors.New("no regime mapping for index")

// Regime classifies an index's current volatility character.
type Regime string

const (
	RegimeCalm     Regime = "calm"
	RegimeNormal   Regime = "normal"
	RegimeElevated Regime = "elevated"
	RegimeExtreme  Regime = "extreme"
)

// Range is an inclusive percentage band.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Midpoint returns the middle of the band, the value the control loop uses
// as its regime-adjusted SL/TP.
func (r Range) Midpoint() float64 {
	return (r.Low + r.High) / 2
}

// Parameters is the full risk parameter set for one (index, regime) pair.
type Parameters struct {
	SLPctRange     Range `json:"sl_pct_range"`
	TPPctRange     Range `json:"tp_pct_range"`
	TrailPctRange  Range `json:"trail_pct_range"`
	TimeoutMinutes int   `json:"timeout_minutes"`
}

// Resolution is the resolver's output for one index key.
type Resolution struct {
	IndexKey   string     `json:"index_key"`
	Regime     Regime     `json:"regime"`
	Condition  string     `json:"condition"`
	Parameters Parameters `json:"parameters"`
}

// Resolver maps index keys to regime-conditioned parameter ranges. Resolve is
// a pure lookup; the regime assignment itself can be updated out of band
// (e.g. from a volatility classifier) via SetRegime.
type Resolver struct {
	mu      sync.RWMutex
	regimes map[string]Regime
	tables  map[string]map[Regime]Parameters
}

// NewResolver builds a resolver with the built-in tables for the Indian
// index option universe. All indices start in the normal regime.
func NewResolver() *Resolver {
	r := &Resolver{
		regimes: make(map[string]Regime),
		tables:  builtinTables(),
	}
	for index := range r.tables {
		r.regimes[index] = RegimeNormal
	}
	return r
}

// Resolve returns the parameter ranges for an index key.
func (r *Resolver) Resolve(indexKey string) (Resolution, error) {
	key := normalizeIndexKey(indexKey)

	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[key]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownIndex, indexKey)
	}

	regime := r.regimes[key]
	params, ok := table[regime]
	if !ok {
		params = table[RegimeNormal]
	}

	return Resolution{
		IndexKey:   key,
		Regime:     regime,
		Condition:  conditionFor(regime),
		Parameters: params,
	}, nil
}

// SetRegime updates the current regime classification for an index.
func (r *Resolver) SetRegime(indexKey string, regime Regime) {
	key := normalizeIndexKey(indexKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[key]; ok {
		r.regimes[key] = regime
	}
}

func normalizeIndexKey(indexKey string) string {
	return strings.ToUpper(strings.TrimSpace(indexKey))
}

func conditionFor(regime Regime) string {
	switch regime {
	case RegimeCalm:
		return "range_bound"
	case RegimeElevated:
		return "expanding_volatility"
	case RegimeExtreme:
		return "event_risk"
	default:
		return "trending"
	}
}

// builtinTables holds per-index parameter bands. Wider premiums (BANKNIFTY,
// SENSEX) tolerate wider stops; calm regimes tighten the whole band.
func builtinTables() map[string]map[Regime]Parameters {
	scale := func(base Parameters, f float64) Parameters {
		return Parameters{
			SLPctRange:     Range{base.SLPctRange.Low * f, base.SLPctRange.High * f},
			TPPctRange:     Range{base.TPPctRange.Low * f, base.TPPctRange.High * f},
			TrailPctRange:  Range{base.TrailPctRange.Low * f, base.TrailPctRange.High * f},
			TimeoutMinutes: base.TimeoutMinutes,
		}
	}

	build := func(normal Parameters) map[Regime]Parameters {
		return map[Regime]Parameters{
			RegimeCalm:     scale(normal, 0.8),
			RegimeNormal:   normal,
			RegimeElevated: scale(normal, 1.25),
			RegimeExtreme:  scale(normal, 1.5),
		}
	}

	return map[string]map[Regime]Parameters{
		"NIFTY": build(Parameters{
			SLPctRange:     Range{20, 30},
			TPPctRange:     Range{40, 60},
			TrailPctRange:  Range{8, 14},
			TimeoutMinutes: 45,
		}),
		"BANKNIFTY": build(Parameters{
			SLPctRange:     Range{22, 34},
			TPPctRange:     Range{45, 70},
			TrailPctRange:  Range{10, 16},
			TimeoutMinutes: 40,
		}),
		"FINNIFTY": build(Parameters{
			SLPctRange:     Range{20, 32},
			TPPctRange:     Range{42, 64},
			TrailPctRange:  Range{9, 15},
			TimeoutMinutes: 45,
		}),
		"SENSEX": build(Parameters{
			SLPctRange:     Range{22, 34},
			TPPctRange:     Range{45, 70},
			TrailPctRange:  Range{10, 16},
			TimeoutMinutes: 40,
		}),
	}
}
