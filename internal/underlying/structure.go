// Package underlying evaluates the underlying index's trend and structure
// to support underlying-aware early exits.
package underlying

import "math"

// Candle is one OHLC bar of the underlying index.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// BOSState describes whether the underlying's market structure is holding.
type BOSState string

const (
	BOSIntact  BOSState = "intact"
	BOSBroken  BOSState = "broken"
	BOSUnknown BOSState = "unknown"
)

// swingPoint is a confirmed swing high or low.
type swingPoint struct {
	price float64
	index int
}

// StructureAnalyzer computes trend score and break-of-structure state from a
// candle series.
type StructureAnalyzer struct {
	swingLookback int
	atrPeriod     int
}

// NewStructureAnalyzer creates an analyzer; non-positive arguments get the
// usual defaults (5-candle swings, 14-period ATR).
func NewStructureAnalyzer(swingLookback, atrPeriod int) *StructureAnalyzer {
	if swingLookback <= 0 {
		swingLookback = 5
	}
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &StructureAnalyzer{swingLookback: swingLookback, atrPeriod: atrPeriod}
}

// Structure is the analyzer's full output for one candle series.
type Structure struct {
	TrendScore   float64 // 0..1, directional conviction
	TrendUp      bool    // Direction of whatever trend exists
	BOS          BOSState
	BOSDirection string // "up" or "down" when broken
	ATR          float64
	ATRRatio     float64 // Current true range vs ATR
	ATRTrend     string  // "expanding", "contracting", "stable"
}

// Analyze computes trend and structure for the series. Too-short series
// yield an unknown structure rather than an error.
func (sa *StructureAnalyzer) Analyze(candles []Candle, lastPrice float64) Structure {
	if len(candles) < sa.swingLookback*4 {
		return Structure{BOS: BOSUnknown}
	}

	highs := sa.swingHighs(candles)
	lows := sa.swingLows(candles)

	hh, lh := countRising(highs), countFalling(highs)
	hl, ll := countRising(lows), countFalling(lows)

	total := hh + hl + lh + ll
	result := Structure{BOS: BOSIntact}
	if total == 0 {
		result.BOS = BOSUnknown
		return result
	}

	bullish := float64(hh + hl)
	bearish := float64(lh + ll)
	if bullish >= bearish {
		result.TrendUp = true
		result.TrendScore = bullish / float64(total)
	} else {
		result.TrendScore = bearish / float64(total)
	}

	// Break of structure: price violating the most recent confirmed swing
	// against the prevailing trend.
	if lastPrice > 0 {
		if result.TrendUp && len(lows) > 0 {
			lastLow := lows[len(lows)-1].price
			if lastPrice < lastLow {
				result.BOS = BOSBroken
				result.BOSDirection = "down"
			}
		} else if !result.TrendUp && len(highs) > 0 {
			lastHigh := highs[len(highs)-1].price
			if lastPrice > lastHigh {
				result.BOS = BOSBroken
				result.BOSDirection = "up"
			}
		}
	}

	result.ATR = sa.atr(candles)
	if result.ATR > 0 {
		last := candles[len(candles)-1]
		result.ATRRatio = trueRange(last, candles[len(candles)-2]) / result.ATR
	}
	result.ATRTrend = sa.atrTrend(candles)

	return result
}

func (sa *StructureAnalyzer) swingHighs(candles []Candle) []swingPoint {
	var points []swingPoint
	for i := sa.swingLookback; i < len(candles)-sa.swingLookback; i++ {
		isSwing := true
		for j := i - sa.swingLookback; j <= i+sa.swingLookback; j++ {
			if j != i && candles[j].High >= candles[i].High {
				isSwing = false
				break
			}
		}
		if isSwing {
			points = append(points, swingPoint{price: candles[i].High, index: i})
		}
	}
	return points
}

func (sa *StructureAnalyzer) swingLows(candles []Candle) []swingPoint {
	var points []swingPoint
	for i := sa.swingLookback; i < len(candles)-sa.swingLookback; i++ {
		isSwing := true
		for j := i - sa.swingLookback; j <= i+sa.swingLookback; j++ {
			if j != i && candles[j].Low <= candles[i].Low {
				isSwing = false
				break
			}
		}
		if isSwing {
			points = append(points, swingPoint{price: candles[i].Low, index: i})
		}
	}
	return points
}

func countRising(points []swingPoint) int {
	count := 0
	for i := 1; i < len(points); i++ {
		if points[i].price > points[i-1].price {
			count++
		}
	}
	return count
}

func countFalling(points []swingPoint) int {
	count := 0
	for i := 1; i < len(points); i++ {
		if points[i].price < points[i-1].price {
			count++
		}
	}
	return count
}

func trueRange(current, previous Candle) float64 {
	hl := current.High - current.Low
	hc := math.Abs(current.High - previous.Close)
	lc := math.Abs(current.Low - previous.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// atr is a simple moving average of true range over the configured period.
func (sa *StructureAnalyzer) atr(candles []Candle) float64 {
	if len(candles) < sa.atrPeriod+1 {
		return 0
	}
	sum := 0.0
	start := len(candles) - sa.atrPeriod
	for i := start; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	return sum / float64(sa.atrPeriod)
}

// atrTrend compares the recent ATR against the ATR one period earlier.
func (sa *StructureAnalyzer) atrTrend(candles []Candle) string {
	if len(candles) < sa.atrPeriod*2+1 {
		return "stable"
	}
	recent := sa.atr(candles)
	earlier := sa.atr(candles[:len(candles)-sa.atrPeriod])
	if earlier <= 0 {
		return "stable"
	}
	switch ratio := recent / earlier; {
	case ratio > 1.15:
		return "expanding"
	case ratio < 0.85:
		return "contracting"
	default:
		return "stable"
	}
}
