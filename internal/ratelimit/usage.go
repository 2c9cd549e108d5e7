package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	UsagePrefix = "ghosty:usage:"

	// DefaultDailyFilterLimit is how many matches per UTC day a session may
	// get with a gender filter set.
	DefaultDailyFilterLimit = 5
)

// UsageLimiter tracks a per-session daily counter. Check reports whether the
// session is still under the limit; Increment records one use.
type UsageLimiter interface {
	Check(ctx context.Context, sessionID string) (bool, error)
	Increment(ctx context.Context, sessionID string) error
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RedisUsage keeps daily counters in keys named after the UTC date.
type RedisUsage struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedisUsage creates a daily usage limiter backed by Redis.
func NewRedisUsage(client *redis.Client, limit int) *RedisUsage {
	if limit <= 0 {
		limit = DefaultDailyFilterLimit
	}
	return &RedisUsage{client: client, limit: limit, now: time.Now}
}

func (u *RedisUsage) key(sessionID string) string {
	return UsagePrefix + day(u.now()) + ":" + sessionID
}

func (u *RedisUsage) Check(ctx context.Context, sessionID string) (bool, error) {
	n, err := u.client.Get(ctx, u.key(sessionID)).Int()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return n < u.limit, nil
}

func (u *RedisUsage) Increment(ctx context.Context, sessionID string) error {
	key := u.key(sessionID)
	pipe := u.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

type usage struct {
	count int
	date  string
}

// MemoryUsage keeps daily counters in process memory. A counter from an
// earlier day reads as zero.
type MemoryUsage struct {
	mu     sync.Mutex
	limit  int
	counts map[string]usage
	now    func() time.Time
}

// NewMemoryUsage creates an in-memory daily usage limiter.
func NewMemoryUsage(limit int) *MemoryUsage {
	if limit <= 0 {
		limit = DefaultDailyFilterLimit
	}
	return &MemoryUsage{limit: limit, counts: make(map[string]usage), now: time.Now}
}

// SetClock replaces the time source.
func (u *MemoryUsage) SetClock(now func() time.Time) {
	u.mu.Lock()
	u.now = now
	u.mu.Unlock()
}

func (u *MemoryUsage) Check(_ context.Context, sessionID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.counts[sessionID]
	if !ok || c.date != day(u.now()) {
		return true, nil
	}
	return c.count < u.limit, nil
}

func (u *MemoryUsage) Increment(_ context.Context, sessionID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	today := day(u.now())
	c := u.counts[sessionID]
	if c.date != today {
		c = usage{date: today}
	}
	c.count++
	u.counts[sessionID] = c
	return nil
}
