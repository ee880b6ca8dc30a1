package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-trading-bot/config"
)

// Client is an HTTP OrderRouter for a Dhan-style Indian broker API.
type Client struct {
	baseURL     string
	clientID    string
	accessToken string
	dryRun      bool
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewClient builds a broker client from configuration.
func NewClient(cfg config.BrokerConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		clientID:    cfg.ClientID,
		accessToken: cfg.AccessToken,
		dryRun:      cfg.DryRun,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "BrokerClient").Logger(),
	}
}

// ActivePositions fetches the broker's open positions.
func (c *Client) ActivePositions(ctx context.Context) ([]BrokerPosition, error) {
	var positions []BrokerPosition
	if err := c.get(ctx, "/v2/positions", &positions); err != nil {
		return nil, fmt.Errorf("fetch active positions: %w", err)
	}
	return positions, nil
}

// exitOrderRequest is the wire shape of an exit (flattening market) order.
type exitOrderRequest struct {
	ClientID        string `json:"dhanClientId"`
	CorrelationID   string `json:"correlationId"`
	TransactionType string `json:"transactionType"` // BUY or SELL
	ExchangeSegment string `json:"exchangeSegment"`
	ProductType     string `json:"productType"`
	OrderType       string `json:"orderType"`
	SecurityID      string `json:"securityId"`
	Quantity        int    `json:"quantity"`
}

// PlaceExitOrder submits a market order flattening qty of the instrument.
// Closing a long sells; closing a short buys.
func (c *Client) PlaceExitOrder(ctx context.Context, segment Segment, securityID string, qty int, side Side) (FillResult, error) {
	txn := "SELL"
	if side == SideShort {
		txn = "BUY"
	}

	req := exitOrderRequest{
		ClientID:        c.clientID,
		CorrelationID:   uuid.New().String(),
		TransactionType: txn,
		ExchangeSegment: string(segment),
		ProductType:     "INTRADAY",
		OrderType:       "MARKET",
		SecurityID:      securityID,
		Quantity:        qty,
	}

	if c.dryRun {
		c.logger.Info().
			Str("security_id", securityID).
			Str("txn", txn).
			Int("qty", qty).
			Msg("Dry run: exit order not sent")
		return FillResult{Success: true, OrderID: "dry-" + req.CorrelationID}, nil
	}

	var raw map[string]interface{}
	if err := c.post(ctx, "/v2/orders", req, &raw); err != nil {
		return FillResult{}, fmt.Errorf("place exit order %s: %w", securityID, err)
	}

	result := ParseFillPayload(raw)
	if !result.Success {
		c.logger.Warn().
			Str("security_id", securityID).
			Interface("payload", raw).
			Msg("Broker rejected exit order")
	}
	return result, nil
}

// Quote fetches the last traded price for an instrument.
func (c *Client) Quote(ctx context.Context, segment Segment, securityID string) (float64, error) {
	var resp struct {
		LTP float64 `json:"last_price"`
	}
	path := fmt.Sprintf("/v2/marketfeed/ltp/%s/%s", segment, securityID)
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("quote %s/%s: %w", segment, securityID, err)
	}
	return resp.LTP, nil
}

// intradayChartRequest is the wire shape of a chart request.
type intradayChartRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        string `json:"interval"` // Minutes, e.g. "5"
}

// IntradayCandles fetches the day's OHLC series for an instrument. The API
// returns parallel arrays, one per field.
func (c *Client) IntradayCandles(ctx context.Context, segment Segment, securityID, interval string) (CandleSeries, error) {
	req := intradayChartRequest{
		SecurityID:      securityID,
		ExchangeSegment: string(segment),
		Instrument:      "INDEX",
		Interval:        interval,
	}

	var series CandleSeries
	if err := c.post(ctx, "/v2/charts/intraday", req, &series); err != nil {
		return CandleSeries{}, fmt.Errorf("intraday candles %s/%s: %w", segment, securityID, err)
	}
	return series, nil
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) post(ctx context.Context, path string, body, dest interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest interface{}) error {
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("client-id", c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker API %s returned %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ OrderRouter = (*Client)(nil)
