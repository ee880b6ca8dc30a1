package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process already holds the exit lock.
var ErrLockHeld = errors.New("exit lock held by another process")

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisExitLock is a distributed lock over a tracker ID, used when fill
// callbacks may arrive in a different process than the control loop. It
// complements the in-process KeyedLock; within a single process the KeyedLock
// alone suffices.
type RedisExitLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRedisExitLock creates the lock manager.
func NewRedisExitLock(rdb *redis.Client) *RedisExitLock {
	return &RedisExitLock{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func exitLockKey(trackerID int64) string {
	return fmt.Sprintf("lock:exit:%d", trackerID)
}

// Acquire obtains the distributed exit lock for a tracker with the given TTL.
// On success it returns an unlock function that is safe to call repeatedly.
func (l *RedisExitLock) Acquire(ctx context.Context, trackerID int64, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := exitLockKey(trackerID)

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire exit lock %d: %w", trackerID, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so unlock succeeds even when the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err()
	}
	return unlock, nil
}
