package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"options-trading-bot/internal/broker"
)

// tickKeyPrefix namespaces tick hashes in Redis.
// Format: tick:{segment}:{securityID} with fields "ltp" and "ts".
const tickKeyPrefix = "tick:"

// tickTTL bounds how long a stale instrument lingers in Redis.
const tickTTL = 6 * time.Hour

// healthProbeInterval throttles recovery pings while the store is degraded.
const healthProbeInterval = 30 * time.Second

// RedisTickStore is the distributed last-traded-price store shared between
// the feed ingester and any number of control-loop processes. When Redis
// becomes unavailable the store degrades: reads miss and writes are dropped
// after the failure threshold, so callers fall through to the broker fetch.
type RedisTickStore struct {
	rdb    *redis.Client
	logger zerolog.Logger

	pingFn func(ctx context.Context) error

	mu            sync.RWMutex
	healthy       bool
	failureCount  int
	maxFailures   int
	probeInterval time.Duration
	lastProbe     time.Time
}

// NewRedisTickStore creates a store backed by the given Redis client.
func NewRedisTickStore(rdb *redis.Client, logger zerolog.Logger) *RedisTickStore {
	return &RedisTickStore{
		rdb:           rdb,
		logger:        logger.With().Str("component", "RedisTickStore").Logger(),
		pingFn:        func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		healthy:       true,
		maxFailures:   3,
		probeInterval: healthProbeInterval,
	}
}

func tickKey(segment broker.Segment, securityID string) string {
	return tickKeyPrefix + InstrumentKey(segment, securityID)
}

// Put writes a tick into Redis.
func (s *RedisTickStore) Put(ctx context.Context, tick Tick) error {
	if !s.checkHealth(ctx) {
		return fmt.Errorf("redis tick store degraded")
	}

	key := tickKey(tick.Segment, tick.SecurityID)
	fields := map[string]interface{}{
		"ltp": strconv.FormatFloat(tick.LTP, 'f', -1, 64),
		"ts":  strconv.FormatInt(tick.Timestamp.UnixNano(), 10),
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, tickTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("redis: put tick %s: %w", key, err)
	}

	s.recordSuccess()
	return nil
}

// Get reads the last tick for an instrument; ErrTickNotFound on miss.
func (s *RedisTickStore) Get(ctx context.Context, segment broker.Segment, securityID string) (Tick, error) {
	if !s.checkHealth(ctx) {
		return Tick{}, ErrTickNotFound
	}

	vals, err := s.rdb.HGetAll(ctx, tickKey(segment, securityID)).Result()
	if err != nil {
		s.recordFailure(err)
		return Tick{}, fmt.Errorf("redis: get tick: %w", err)
	}
	if len(vals) == 0 {
		s.recordSuccess()
		return Tick{}, ErrTickNotFound
	}

	ltp, err := strconv.ParseFloat(vals["ltp"], 64)
	if err != nil {
		return Tick{}, fmt.Errorf("redis: parse ltp: %w", err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("redis: parse ts: %w", err)
	}

	s.recordSuccess()
	return Tick{
		Segment:    segment,
		SecurityID: securityID,
		LTP:        ltp,
		Timestamp:  time.Unix(0, tsNano),
	}, nil
}

// Ping verifies connectivity and restores healthy state on success.
func (s *RedisTickStore) Ping(ctx context.Context) error {
	if err := s.pingFn(ctx); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// checkHealth reports whether the store is usable. While degraded it probes
// Redis at most once per probe interval so a transient outage heals instead
// of pinning the store unhealthy for the life of the process.
func (s *RedisTickStore) checkHealth(ctx context.Context) bool {
	s.mu.Lock()
	if s.healthy {
		s.mu.Unlock()
		return true
	}
	if time.Since(s.lastProbe) < s.probeInterval {
		s.mu.Unlock()
		return false
	}
	s.lastProbe = time.Now()
	s.mu.Unlock()

	if err := s.pingFn(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Redis recovery probe failed")
		return false
	}
	s.recordSuccess()
	return true
}

func (s *RedisTickStore) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.logger.Warn().Err(err).Int("failures", s.failureCount).
			Msg("Redis tick store marked unhealthy")
	}
}

func (s *RedisTickStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Redis tick store recovered")
	}
	s.healthy = true
	s.failureCount = 0
}
