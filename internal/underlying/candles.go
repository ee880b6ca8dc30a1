package underlying

import (
	"context"
	"fmt"

	"options-trading-bot/internal/broker"
)

// CandleFetcher is the broker chart API dependency.
type CandleFetcher interface {
	IntradayCandles(ctx context.Context, segment broker.Segment, securityID, interval string) (broker.CandleSeries, error)
}

// BrokerCandleProvider serves index candles from the broker's intraday
// chart endpoint.
type BrokerCandleProvider struct {
	fetcher  CandleFetcher
	interval string
}

// NewBrokerCandleProvider builds a provider fetching bars at the given
// minute interval ("5" by default).
func NewBrokerCandleProvider(fetcher CandleFetcher, interval string) *BrokerCandleProvider {
	if interval == "" {
		interval = "5"
	}
	return &BrokerCandleProvider{fetcher: fetcher, interval: interval}
}

// RecentCandles returns up to limit most-recent bars for the index.
func (p *BrokerCandleProvider) RecentCandles(ctx context.Context, indexKey string, limit int) ([]Candle, error) {
	securityID, ok := indexSecurityIDs[indexKey]
	if !ok {
		return nil, fmt.Errorf("no security ID mapping for index %q", indexKey)
	}

	series, err := p.fetcher.IntradayCandles(ctx, broker.SegmentNSEIdx, securityID, p.interval)
	if err != nil {
		return nil, err
	}

	n := series.Len()
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}

	candles := make([]Candle, 0, n-start)
	for i := start; i < n; i++ {
		c := Candle{
			Open:  series.Open[i],
			High:  series.High[i],
			Low:   series.Low[i],
			Close: series.Close[i],
		}
		if i < len(series.Timestamp) {
			c.OpenTime = series.Timestamp[i]
		}
		if i < len(series.Volume) {
			c.Volume = series.Volume[i]
		}
		candles = append(candles, c)
	}
	return candles, nil
}

var _ CandleProvider = (*BrokerCandleProvider)(nil)
