package underlying

import "testing"

// flatCandles builds bars where open, high, low and close all sit on price.
func flatCandles(prices []float64) []Candle {
	candles := make([]Candle, len(prices))
	for i, p := range prices {
		candles[i] = Candle{Open: p, High: p, Low: p, Close: p, OpenTime: int64(i)}
	}
	return candles
}

// Ascending zigzag: swing highs 14, 17, 20 and swing lows 10, 13.
var uptrend = []float64{10, 12, 14, 12, 10, 13, 15, 17, 15, 13, 16, 18, 20, 18, 16}

// Descending zigzag: swing highs 20, 17, 14 and swing lows 13, 10.
var downtrend = []float64{16, 18, 20, 18, 16, 13, 15, 17, 15, 13, 10, 12, 14, 12, 10}

func TestAnalyzeShortSeriesIsUnknown(t *testing.T) {
	sa := NewStructureAnalyzer(2, 3)
	got := sa.Analyze(flatCandles([]float64{10, 11, 12, 13, 14}), 14)
	if got.BOS != BOSUnknown {
		t.Errorf("short series BOS = %s, want unknown", got.BOS)
	}
}

func TestAnalyzeUptrend(t *testing.T) {
	sa := NewStructureAnalyzer(2, 3)
	got := sa.Analyze(flatCandles(uptrend), 16)

	if !got.TrendUp {
		t.Error("rising swings should read as an uptrend")
	}
	if got.TrendScore != 1 {
		t.Errorf("all swings agree, score = %.2f, want 1", got.TrendScore)
	}
	if got.BOS != BOSIntact {
		t.Errorf("price above the last swing low, BOS = %s, want intact", got.BOS)
	}
}

func TestAnalyzeUptrendStructureBreak(t *testing.T) {
	sa := NewStructureAnalyzer(2, 3)
	got := sa.Analyze(flatCandles(uptrend), 12) // Below the last swing low at 13

	if got.BOS != BOSBroken || got.BOSDirection != "down" {
		t.Errorf("BOS = %s/%s, want broken/down", got.BOS, got.BOSDirection)
	}
}

func TestAnalyzeDowntrend(t *testing.T) {
	sa := NewStructureAnalyzer(2, 3)
	got := sa.Analyze(flatCandles(downtrend), 12)

	if got.TrendUp {
		t.Error("falling swings should read as a downtrend")
	}
	if got.BOS != BOSIntact {
		t.Errorf("price below the last swing high, BOS = %s, want intact", got.BOS)
	}

	broken := sa.Analyze(flatCandles(downtrend), 15) // Above the last swing high at 14
	if broken.BOS != BOSBroken || broken.BOSDirection != "up" {
		t.Errorf("BOS = %s/%s, want broken/up", broken.BOS, broken.BOSDirection)
	}
}

func TestATRTrendExpanding(t *testing.T) {
	sa := NewStructureAnalyzer(2, 3)
	candles := make([]Candle, 15)
	for i := range candles {
		r := float64(i + 1)
		candles[i] = Candle{Open: 100, High: 100 + r, Low: 100 - r, Close: 100}
	}

	got := sa.Analyze(candles, 100)
	if got.ATRTrend != "expanding" {
		t.Errorf("widening ranges, ATR trend = %s, want expanding", got.ATRTrend)
	}
	if got.ATR <= 0 {
		t.Error("ATR should be positive")
	}
}
