// Package ratelimit provides fixed-window rate limiting using INCR + EXPIRE
// in Redis, with an in-memory equivalent for single-instance deployments.
// Each action (connection, match request, HTTP call) is throttled per
// identity or per IP.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:match:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMatch allows 30 join-queue requests per minute per session.
	RuleMatch = Rule{Key: "ghosty:rl:match:", Limit: 30, Window: 1 * time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "ghosty:rl:conn:", Limit: 20, Window: 1 * time.Minute}

	// RuleSessionInit allows 100 session bootstraps per hour per device.
	RuleSessionInit = Rule{Key: "ghosty:rl:init:", Limit: 100, Window: 1 * time.Hour}

	// RuleVerify allows 5 verification attempts per minute per session.
	RuleVerify = Rule{Key: "ghosty:rl:verify:", Limit: 5, Window: 1 * time.Minute}

	// RuleAPI allows 100 API requests per 15 minutes per IP.
	RuleAPI = Rule{Key: "ghosty:rl:api:", Limit: 100, Window: 15 * time.Minute}
)

// Allower is satisfied by both limiters.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logger.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warnw("redis INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warnw("redis EXPIRE failed, failing open", "key", key, "error", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warnw("redis GET failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type counter struct {
	count   int
	expires time.Time
}

// MemoryLimiter is the in-process fixed-window limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]counter
	now      func() time.Time
}

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counters: make(map[string]counter), now: time.Now}
}

// SetClock replaces the time source.
func (m *MemoryLimiter) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rule.Key + identifier
	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expires) {
		c = counter{expires: now.Add(rule.Window)}
	}
	c.count++
	m.counters[key] = c

	if len(m.counters) > 4096 {
		m.sweepLocked(now)
	}
	return c.count <= rule.Limit, nil
}

func (m *MemoryLimiter) sweepLocked(now time.Time) {
	for k, c := range m.counters {
		if !now.Before(c.expires) {
			delete(m.counters, k)
		}
	}
}
