// Package broker defines the order-routing boundary toward the broker API.
// It is the only downstream dependency of the exit engine.
package broker

import (
	"context"
	"errors"
	"strings"
)

// Segment identifies the exchange segment an instrument trades on.
type Segment string

const (
	SegmentNSEFNO Segment = "NSE_FNO"
	SegmentBSEFNO Segment = "BSE_FNO"
	SegmentNSEIdx Segment = "IDX_I" // Index segment, used for underlying quotes
)

// Side is the direction of the open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sentinel errors surfaced by router implementations.
var (
	ErrRouterUnavailable = errors.New("broker router unavailable")
	ErrOrderRejected     = errors.New("broker rejected exit order")
)

// BrokerPosition is one open position as reported by the broker account API.
type BrokerPosition struct {
	Segment       Segment `json:"segment"`
	SecurityID    string  `json:"security_id"`
	TradingSymbol string  `json:"trading_symbol"`
	NetQty        int     `json:"net_qty"`
	BuyAvg        float64 `json:"buy_avg"`
	SellAvg       float64 `json:"sell_avg"`
	LastPrice     float64 `json:"last_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// FillResult is the typed outcome of an exit order, normalized from the
// broker's loosely-typed response payload at this single boundary.
type FillResult struct {
	Success   bool
	OrderID   string
	ExitPrice *float64 // nil when the gateway reports no fill price
	Raw       map[string]interface{}
}

// CandleSeries is the broker chart API's parallel-array OHLC payload.
type CandleSeries struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []int64   `json:"timestamp"`
}

// Len returns the usable bar count, the shortest of the parallel arrays.
func (s CandleSeries) Len() int {
	n := len(s.Close)
	for _, arr := range [][]float64{s.Open, s.High, s.Low} {
		if len(arr) < n {
			n = len(arr)
		}
	}
	return n
}

// OrderRouter is the broker-facing order placement abstraction.
type OrderRouter interface {
	// ActivePositions returns the broker's view of open positions.
	ActivePositions(ctx context.Context) ([]BrokerPosition, error)

	// PlaceExitOrder submits a market order that flattens the given quantity.
	PlaceExitOrder(ctx context.Context, segment Segment, securityID string, qty int, side Side) (FillResult, error)

	// Quote fetches the last traded price for an instrument.
	Quote(ctx context.Context, segment Segment, securityID string) (float64, error)
}

// ParseFillPayload converts a raw broker response into a FillResult. Upstream
// encodes success as any of true, 1, "true", "yes"; everything else is failure.
func ParseFillPayload(raw map[string]interface{}) FillResult {
	result := FillResult{Raw: raw}
	if raw == nil {
		return result
	}

	result.Success = truthy(raw["success"])
	if id, ok := raw["order_id"].(string); ok {
		result.OrderID = id
	}
	switch v := raw["exit_price"].(type) {
	case float64:
		if v > 0 {
			price := v
			result.ExitPrice = &price
		}
	case int:
		if v > 0 {
			price := float64(v)
			result.ExitPrice = &price
		}
	}
	return result
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t == 1
	case float64:
		return t == 1
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes"
	default:
		return false
	}
}
