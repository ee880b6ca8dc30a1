package trailing

import (
	"testing"

	"github.com/rs/zerolog"

	"options-trading-bot/config"
	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/positions"
)

func testTrailingConfig() config.TrailingConfig {
	return config.TrailingConfig{
		Enabled: true,
		Tiers: []config.TrailingTier{
			{ProfitPercent: 5, SLOffsetPercent: 1},
			{ProfitPercent: 10, SLOffsetPercent: 2},
			{ProfitPercent: 20, SLOffsetPercent: 10},
		},
		BreakevenActivationPct:   12,
		AdaptiveBandMaxPct:       18,
		AdaptiveBandMinPct:       6,
		AdaptiveBandFullAtProfit: 60,
	}
}

func testDrawdownConfig() config.PeakDrawdownConfig {
	return config.PeakDrawdownConfig{
		Enabled:             true,
		MaxDrawdownPercent:  5,
		GatingEnabled:       true,
		ActivationProfitPct: 30,
		ActivationSLOffset:  10,
	}
}

func newEngineUnderTest(ddCfg config.PeakDrawdownConfig) (*Engine, *positions.ActiveCache) {
	cache := positions.NewActiveCache()
	engine := NewEngine(testTrailingConfig(), ddCfg, cache, zerolog.Nop())
	return engine, cache
}

func activePosition(id int64, entry float64) *positions.Position {
	return &positions.Position{
		TrackerID:  id,
		Segment:    broker.SegmentNSEFNO,
		SecurityID: "45123",
		Symbol:     "NIFTY 24500 CE",
		Side:       broker.SideLong,
		OptionType: positions.OptionCall,
		Quantity:   75,
		EntryPrice: entry,
		Status:     positions.StatusActive,
		Meta:       positions.Meta{IndexKey: "NIFTY"},
	}
}

func TestProcessTickInactiveTracker(t *testing.T) {
	engine, cache := newEngineUnderTest(testDrawdownConfig())
	pos := activePosition(1, 100)
	pos.Status = positions.StatusExited
	cache.Put(pos)

	result := engine.ProcessTick(1, 150)
	if result.Reason != ReasonTrackerNotActive {
		t.Errorf("reason = %s, want %s", result.Reason, ReasonTrackerNotActive)
	}
	if result.SLUpdated || result.ExitTriggered {
		t.Error("exited tracker must not be mutated")
	}

	if result := engine.ProcessTick(99, 150); result.Reason != ReasonTrackerNotActive {
		t.Errorf("unknown tracker reason = %s", result.Reason)
	}
}

func TestRatchetTieredSL(t *testing.T) {
	tests := []struct {
		name       string
		profitPct  float64
		existingSL float64 // 0 = none
		wantMoved  bool
		wantReason string
		wantSL     float64
	}{
		{"below lowest tier", 3, 0, false, ReasonTierNotReached, 0},
		{"first tier arms", 6, 0, true, ReasonSLUpdated, 101},
		{"second tier arms", 11, 0, true, ReasonSLUpdated, 102},
		{"highest reached tier wins", 25, 0, true, ReasonSLUpdated, 110},
		{"candidate not better", 11, 103, false, ReasonSLNotImproved, 103},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, cache := newEngineUnderTest(testDrawdownConfig())
			pos := activePosition(1, 100)
			pos.PnLPercent = tt.profitPct
			if tt.existingSL > 0 {
				pos.RatchetStopLoss(tt.existingSL)
			}
			cache.Put(pos)

			moved, reason := engine.RatchetTieredSL(pos)
			if moved != tt.wantMoved || reason != tt.wantReason {
				t.Errorf("got (%v, %s), want (%v, %s)", moved, reason, tt.wantMoved, tt.wantReason)
			}
			if tt.wantSL > 0 {
				live, _ := cache.Get(1)
				if live.SLPrice == nil || *live.SLPrice != tt.wantSL {
					t.Errorf("SL = %v, want %.2f", live.SLPrice, tt.wantSL)
				}
			}
		})
	}
}

func TestTieredSLNeverRegresses(t *testing.T) {
	engine, cache := newEngineUnderTest(testDrawdownConfig())
	pos := activePosition(1, 100)
	cache.Put(pos)

	engine.ProcessTick(1, 125) // 25% profit, tier 20 -> SL 110
	engine.ProcessTick(1, 106) // Profit back to 6%, tier 5 would say SL 101

	live, _ := cache.Get(1)
	if *live.SLPrice != 110 {
		t.Errorf("SL regressed to %.2f, must hold 110", *live.SLPrice)
	}
}

func TestPeakDrawdownGating(t *testing.T) {
	tests := []struct {
		name     string
		peakPct  float64
		pnlPct   float64
		slOffset float64 // SL offset from entry, percent
		want     bool
	}{
		{"armed and breached", 40, 32, 12, true},
		{"offset below activation", 40, 32, 8, false},
		{"peak below activation", 25, 15, 12, false},
		{"drawdown inside limit", 40, 37, 12, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, cache := newEngineUnderTest(testDrawdownConfig())
			pos := activePosition(1, 100)
			pos.PeakProfitPct = tt.peakPct
			pos.PnLPercent = tt.pnlPct
			pos.RatchetStopLoss(100 * (1 + tt.slOffset/100))
			cache.Put(pos)

			triggered, reason := engine.CheckPeakDrawdown(pos)
			if triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason %s)", triggered, tt.want, reason)
			}
			if triggered && reason != ReasonPeakDrawdown {
				t.Errorf("reason = %s, want %s", reason, ReasonPeakDrawdown)
			}
		})
	}
}

func TestPeakDrawdownWithoutGating(t *testing.T) {
	ddCfg := testDrawdownConfig()
	ddCfg.GatingEnabled = false
	engine, cache := newEngineUnderTest(ddCfg)

	pos := activePosition(1, 100)
	pos.PeakProfitPct = 10
	pos.PnLPercent = 4
	cache.Put(pos)

	if triggered, _ := engine.CheckPeakDrawdown(pos); !triggered {
		t.Error("ungated rule should fire on any breach of the drawdown limit")
	}
}

func TestAdaptiveDrawdownBand(t *testing.T) {
	engine, _ := newEngineUnderTest(testDrawdownConfig())

	if band := engine.AdaptiveDrawdownBand(0, "NIFTY"); band != 18 {
		t.Errorf("band at zero profit = %.2f, want 18", band)
	}
	if band := engine.AdaptiveDrawdownBand(30, "NIFTY"); band != 12 {
		t.Errorf("band at half of full-at = %.2f, want 12", band)
	}
	if band := engine.AdaptiveDrawdownBand(90, "NIFTY"); band != 6 {
		t.Errorf("band past full-at = %.2f, want the 6 floor", band)
	}
}

func TestAdaptiveBandIndexFloor(t *testing.T) {
	cfg := testTrailingConfig()
	cfg.IndexBandFloors = map[string]float64{"BANKNIFTY": 9}
	cache := positions.NewActiveCache()
	engine := NewEngine(cfg, testDrawdownConfig(), cache, zerolog.Nop())

	if band := engine.AdaptiveDrawdownBand(90, "BANKNIFTY"); band != 9 {
		t.Errorf("BANKNIFTY floor = %.2f, want 9", band)
	}
	if band := engine.AdaptiveDrawdownBand(90, "NIFTY"); band != 6 {
		t.Errorf("NIFTY keeps the global floor, got %.2f", band)
	}
}

func TestCheckAdaptiveTrailingExit(t *testing.T) {
	engine, _ := newEngineUnderTest(testDrawdownConfig())

	pos := activePosition(1, 100)
	pos.PeakProfitPct = 30
	pos.PnLPercent = 20
	if engine.CheckAdaptiveTrailingExit(pos) {
		t.Error("10% retrace inside the band at peak 30 must not exit")
	}

	pos.PnLPercent = 14
	if !engine.CheckAdaptiveTrailingExit(pos) {
		t.Error("retrace beyond the band must exit")
	}
}

func TestBreakevenPrice(t *testing.T) {
	long := activePosition(1, 100)
	if got := BreakevenPrice(long); got != 100.5 {
		t.Errorf("long breakeven = %.2f, want 100.5", got)
	}

	short := activePosition(2, 100)
	short.Side = broker.SideShort
	if got := BreakevenPrice(short); got != 99.5 {
		t.Errorf("short breakeven = %.2f, want 99.5", got)
	}
}
