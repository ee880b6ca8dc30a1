package positions

import "sync"

// KeyedLock provides a per-tracker mutex. It backs the only hard
// mutual-exclusion requirement in the system: the authoritative status
// transition of a position, contended between the control loop's exit path
// and the broker fill-callback handler.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the mutex for the given tracker, creating it on first use.
// The returned function releases it.
func (k *KeyedLock) Lock(trackerID int64) func() {
	k.mu.Lock()
	m, ok := k.locks[trackerID]
	if !ok {
		m = &sync.Mutex{}
		k.locks[trackerID] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Forget drops the mutex for a tracker that reached a terminal state.
// Safe to call while other goroutines still hold references; they release
// their own copies normally.
func (k *KeyedLock) Forget(trackerID int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, trackerID)
}
