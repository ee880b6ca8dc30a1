package underlying

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/positions"
)

type fakeProvider struct {
	candles []Candle
	err     error
	calls   int
}

func (f *fakeProvider) RecentCandles(ctx context.Context, indexKey string, limit int) ([]Candle, error) {
	f.calls++
	return f.candles, f.err
}

func TestEvaluateWithoutIndexKeyIsUnknown(t *testing.T) {
	monitor := NewMonitor(&fakeProvider{}, nil, NewStructureAnalyzer(2, 3), 100, time.Minute, zerolog.Nop())
	pos := &positions.Position{TrackerID: 1, Status: positions.StatusActive}

	state := monitor.Evaluate(context.Background(), pos)
	if state.BOS != BOSUnknown {
		t.Errorf("missing index linkage must yield unknown, got %s", state.BOS)
	}
}

func TestEvaluateProviderFailureIsUnknown(t *testing.T) {
	provider := &fakeProvider{err: errors.New("chart API down")}
	monitor := NewMonitor(provider, nil, NewStructureAnalyzer(2, 3), 100, time.Minute, zerolog.Nop())

	state := monitor.EvaluateIndex(context.Background(), "NIFTY")
	if state.BOS != BOSUnknown {
		t.Errorf("provider failure must yield unknown, got %s", state.BOS)
	}
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	provider := &fakeProvider{candles: flatCandles(uptrend)}
	monitor := NewMonitor(provider, nil, NewStructureAnalyzer(2, 3), 100, time.Minute, zerolog.Nop())

	ctx := context.Background()
	monitor.EvaluateIndex(ctx, "NIFTY")
	monitor.EvaluateIndex(ctx, "NIFTY")
	monitor.EvaluateIndex(ctx, "NIFTY")
	if provider.calls != 1 {
		t.Errorf("provider called %d times within TTL, want 1", provider.calls)
	}

	monitor.EvaluateIndex(ctx, "BANKNIFTY")
	if provider.calls != 2 {
		t.Error("a different index must compute its own state")
	}
}

func TestAgainstPosition(t *testing.T) {
	tests := []struct {
		name       string
		optionType positions.OptionType
		side       broker.Side
		bos        BOSState
		direction  string
		want       bool
	}{
		{"long call vs break down", positions.OptionCall, broker.SideLong, BOSBroken, "down", true},
		{"long call vs break up", positions.OptionCall, broker.SideLong, BOSBroken, "up", false},
		{"long put vs break up", positions.OptionPut, broker.SideLong, BOSBroken, "up", true},
		{"long put vs break down", positions.OptionPut, broker.SideLong, BOSBroken, "down", false},
		{"short call vs break up", positions.OptionCall, broker.SideShort, BOSBroken, "up", true},
		{"short put vs break down", positions.OptionPut, broker.SideShort, BOSBroken, "down", true},
		{"intact structure", positions.OptionCall, broker.SideLong, BOSIntact, "", false},
		{"unknown structure", positions.OptionCall, broker.SideLong, BOSUnknown, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := &positions.Position{OptionType: tt.optionType, Side: tt.side}
			state := State{BOS: tt.bos, BOSDirection: tt.direction}
			if got := state.AgainstPosition(pos); got != tt.want {
				t.Errorf("AgainstPosition = %v, want %v", got, tt.want)
			}
		})
	}
}
