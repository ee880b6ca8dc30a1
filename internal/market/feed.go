package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
)

// feedMessage is the wire shape of one tick from the market data feed.
type feedMessage struct {
	Segment         string  `json:"segment"`
	SecurityID      string  `json:"security_id"`
	LTP             float64 `json:"ltp"`
	TimestampMillis int64   `json:"ts"`
}

// Feed consumes the market data websocket and publishes ticks into the local
// cache and the distributed store. It reconnects with a fixed backoff until
// stopped. The control loop never blocks on the feed; it only reads caches.
type Feed struct {
	url       string
	cache     *TickCache
	dist      *RedisTickStore
	reconnect time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	ticksSeen  int64
	reconnects int
}

// NewFeed builds a Feed. dist may be nil when Redis is disabled.
func NewFeed(url string, cache *TickCache, dist *RedisTickStore, reconnect time.Duration, logger zerolog.Logger) *Feed {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Feed{
		url:       url,
		cache:     cache,
		dist:      dist,
		reconnect: reconnect,
		logger:    logger.With().Str("component", "MarketFeed").Logger(),
	}
}

// Start launches the feed goroutine. It is an error to start twice.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
}

// Stop shuts the feed down and waits for the goroutine to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopChan)
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			f.mu.Lock()
			f.reconnects++
			f.mu.Unlock()
			f.logger.Warn().Err(err).Dur("retry_in", f.reconnect).
				Msg("Feed connection failed")
			select {
			case <-f.stopChan:
				return
			case <-time.After(f.reconnect):
				continue
			}
		}

		f.logger.Info().Str("url", f.url).Msg("Market feed connected")
		f.readLoop(conn)
		conn.Close()

		select {
		case <-f.stopChan:
			return
		case <-time.After(f.reconnect):
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	// Unblock ReadMessage when Stop is called.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-f.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Info().Msg("Feed closed by server")
			} else {
				f.logger.Warn().Err(err).Msg("Feed read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(message []byte) {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Debug().Err(err).Msg("Skipping malformed feed message")
		return
	}
	if msg.SecurityID == "" || msg.LTP <= 0 {
		return
	}

	ts := time.UnixMilli(msg.TimestampMillis)
	if msg.TimestampMillis == 0 {
		ts = time.Now()
	}

	tick := Tick{
		Segment:    broker.Segment(msg.Segment),
		SecurityID: msg.SecurityID,
		LTP:        msg.LTP,
		Timestamp:  ts,
	}
	f.cache.Put(tick)

	if f.dist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = f.dist.Put(ctx, tick)
		cancel()
	}

	f.mu.Lock()
	f.ticksSeen++
	f.mu.Unlock()
}

// Stats reports feed counters for the health snapshot.
func (f *Feed) Stats() (ticksSeen int64, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticksSeen, f.reconnects
}
