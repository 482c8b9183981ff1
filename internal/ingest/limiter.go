package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Limiter admits at most Count events per Window for each key.
type Limiter interface {
	// Allow records an event for key if it is admitted. When it is not,
	// retryAfter is the wait until the oldest admitted event ages out.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
	// Release gives back the most recent admitted event for key, for
	// samples that were admitted but never made it into the pipeline.
	Release(ctx context.Context, key string) error
}

// LimitConfig is the sliding-window limit shared by both implementations.
type LimitConfig struct {
	Count  int
	Window time.Duration
	Clock  quartz.Clock
}

func (c LimitConfig) withDefaults() LimitConfig {
	if c.Count <= 0 {
		c.Count = 20
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
	return c
}

// MemoryLimiter is a per-process sliding log. Each key keeps the times of
// its admitted events within the window.
type MemoryLimiter struct {
	cfg LimitConfig

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg LimitConfig) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg.withDefaults(), logs: make(map[string][]time.Time)}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.cfg.Clock.Now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logs[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	if len(log) >= l.cfg.Count {
		l.logs[key] = log
		return false, log[0].Add(l.cfg.Window).Sub(now), nil
	}
	l.logs[key] = append(log, now)
	return true, 0, nil
}

// Release implements Limiter.
func (l *MemoryLimiter) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if log := l.logs[key]; len(log) > 0 {
		l.logs[key] = log[:len(log)-1]
	}
	return nil
}

// Prune drops keys with no events in the current window.
func (l *MemoryLimiter) Prune() int {
	cutoff := l.cfg.Clock.Now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, k)
			n++
		}
	}
	return n
}

// slidingLogScript trims the key's sorted set to the window, then either
// records the event or returns the score of the oldest member.
//
// KEYS[1] = key, ARGV = now_ms, window_ms, limit, member
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisLimiter is a sliding log shared by every instance through a Redis
// sorted set per key.
type RedisLimiter struct {
	client *redis.Client
	cfg    LimitConfig
	prefix string
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, cfg LimitConfig) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), prefix: "geoattend:ratelimit:"}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	nowMs := l.cfg.Clock.Now().UnixMilli()
	windowMs := l.cfg.Window.Milliseconds()

	res, err := slidingLogScript.Run(ctx, l.client, []string{l.prefix + key},
		nowMs, windowMs, l.cfg.Count, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, eris.Wrapf(err, "ratelimit: redis allow %s", key)
	}
	if len(res) != 2 {
		return false, 0, eris.Errorf("ratelimit: unexpected script result %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	retryAfter := time.Duration(res[1]+windowMs-nowMs) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// Release implements Limiter.
func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	if err := l.client.ZPopMax(ctx, l.prefix+key, 1).Err(); err != nil {
		return eris.Wrapf(err, "ratelimit: redis release %s", key)
	}
	return nil
}
