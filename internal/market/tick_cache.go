// Package market provides last-traded-price storage and the tick feed.
package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"options-trading-bot/internal/broker"
)

// ErrTickNotFound is returned when no tick is known for an instrument.
var ErrTickNotFound = errors.New("tick not found")

// Tick is one last-traded-price update from the market feed.
type Tick struct {
	Segment    broker.Segment `json:"segment"`
	SecurityID string         `json:"security_id"`
	LTP        float64        `json:"ltp"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Key returns the cache key for the tick's instrument.
func (t Tick) Key() string {
	return InstrumentKey(t.Segment, t.SecurityID)
}

// Age returns how old the tick is relative to now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// InstrumentKey builds the canonical (segment, securityID) cache key.
func InstrumentKey(segment broker.Segment, securityID string) string {
	return fmt.Sprintf("%s:%s", segment, securityID)
}

// TickCache is the in-memory last-tick store keyed by (segment, securityID).
// The feed writes into it; the control loop only reads.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

// NewTickCache creates an empty TickCache.
func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[string]Tick)}
}

// Put stores a tick, keeping only the newest per instrument.
func (c *TickCache) Put(tick Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := tick.Key()
	if existing, ok := c.ticks[key]; ok && existing.Timestamp.After(tick.Timestamp) {
		return
	}
	c.ticks[key] = tick
}

// Get returns the last tick for an instrument.
func (c *TickCache) Get(segment broker.Segment, securityID string) (Tick, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick, ok := c.ticks[InstrumentKey(segment, securityID)]
	if !ok {
		return Tick{}, ErrTickNotFound
	}
	return tick, nil
}

// Fresh returns the last tick only if it is younger than maxAge.
func (c *TickCache) Fresh(segment broker.Segment, securityID string, maxAge time.Duration) (Tick, bool) {
	tick, err := c.Get(segment, securityID)
	if err != nil {
		return Tick{}, false
	}
	if tick.Age(time.Now()) > maxAge {
		return Tick{}, false
	}
	return tick, true
}

// Len returns the number of instruments cached.
func (c *TickCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
