package positions

import (
	"sync"
	"time"
)

// ActiveCache is the shared live-position store read by every exit-rule
// evaluator within a cycle. Mutation happens only through narrow per-tracker
// operations; the structure is never replaced wholesale.
type ActiveCache struct {
	mu        sync.RWMutex
	positions map[int64]*Position
}

// NewActiveCache creates an empty cache.
func NewActiveCache() *ActiveCache {
	return &ActiveCache{positions: make(map[int64]*Position)}
}

// Put inserts or replaces a tracked position.
func (c *ActiveCache) Put(pos *Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[pos.TrackerID] = pos
}

// Get returns a copy of the position for a tracker ID. Handing out the
// interior pointer would let callers read fields the narrow operations are
// concurrently writing under the lock; all mutation goes through those
// operations.
func (c *ActiveCache) Get(trackerID int64) (*Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[trackerID]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Remove drops a tracker from the cache.
func (c *ActiveCache) Remove(trackerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, trackerID)
}

// Snapshot returns deep copies of all active positions. The control loop
// takes one snapshot per cycle and never re-iterates the live map.
func (c *ActiveCache) Snapshot() []*Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Position, 0, len(c.positions))
	for _, pos := range c.positions {
		if pos.IsActive() {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// UpdatePnL applies a tick to the live record under the cache lock.
func (c *ActiveCache) UpdatePnL(trackerID int64, ltp float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[trackerID]
	if !ok || !pos.IsActive() {
		return false
	}
	pos.ApplyTick(ltp)
	return true
}

// SetStopLoss ratchets the live record's SL under the cache lock.
func (c *ActiveCache) SetStopLoss(trackerID int64, candidate float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[trackerID]
	if !ok {
		return false
	}
	return pos.RatchetStopLoss(candidate)
}

// SetTakeProfit sets the live record's TP price once; it is not re-lowered.
func (c *ActiveCache) SetTakeProfit(trackerID int64, price float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[trackerID]
	if !ok || !pos.IsActive() || price <= 0 {
		return false
	}
	if pos.TPPrice != nil {
		return false
	}
	pos.TPPrice = &price
	pos.UpdatedAt = time.Now()
	return true
}

// LockBreakeven sets the one-way breakeven latch on the live record.
func (c *ActiveCache) LockBreakeven(trackerID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[trackerID]
	if !ok || !pos.IsActive() || pos.Meta.BreakevenLocked {
		return false
	}
	pos.Meta.BreakevenLocked = true
	pos.UpdatedAt = time.Now()
	return true
}

// MarkExited transitions the live record to exited and records the reason.
// Returns false when the record was already terminal (idempotence contract).
func (c *ActiveCache) MarkExited(trackerID int64, reason string, exitPrice *float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[trackerID]
	if !ok || pos.Status.Terminal() {
		return false
	}
	if err := pos.TransitionTo(StatusExited); err != nil {
		return false
	}
	now := time.Now()
	pos.Meta.ExitReason = reason
	pos.Meta.ExitTriggeredAt = &now
	pos.ExitPrice = exitPrice
	return true
}

// ActiveCount returns the number of active positions.
func (c *ActiveCache) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, pos := range c.positions {
		if pos.IsActive() {
			n++
		}
	}
	return n
}

// TrackerIDs returns the IDs of all cached positions.
func (c *ActiveCache) TrackerIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.positions))
	for id := range c.positions {
		ids = append(ids, id)
	}
	return ids
}
