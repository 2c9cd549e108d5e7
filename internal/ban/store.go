// Package ban keeps temporary bans keyed by durable session id. Accepted
// abuse reports feed a per-session counter; reaching the threshold within
// the window applies a ban whose length grows with each offense.
//
//	Key:   ghosty:ban:<session id>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix      = "ghosty:ban:"
	ReportsPrefix  = "ghosty:reports:"
	OffensesPrefix = "ghosty:offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is the window in which AutoBanThreshold reports trigger a
	// ban. The window starts at the first report and does not slide.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long past bans count toward escalation.
	OffensesTTL = 7 * 24 * time.Hour

	AutoBanThreshold = 3

	ReasonMultipleReports = "multiple_reports"
)

// Store is the ban contract shared by the Redis and in-memory backends.
type Store interface {
	// IsBanned returns whether sessionID is banned, the remaining seconds
	// and the reason. Callers fail open on error.
	IsBanned(ctx context.Context, sessionID string) (bool, int, string, error)
	Ban(ctx context.Context, sessionID string, duration time.Duration, reason string) error
	Unban(ctx context.Context, sessionID string) error
	ReportAndCheck(ctx context.Context, sessionID, reason string) (bool, time.Duration, error)
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// RedisStore manages ban records in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a ban store using the provided Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IsBanned(ctx context.Context, sessionID string) (bool, int, string, error) {
	key := BanPrefix + sessionID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists even if its TTL is unreadable.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban sets a ban with the given duration and reason.
func (s *RedisStore) Ban(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+sessionID, reason, duration).Err()
}

// Unban removes a ban immediately.
func (s *RedisStore) Unban(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, BanPrefix+sessionID).Err()
}

// GetOffenseCount returns how many bans sessionID received within
// OffensesTTL.
func (s *RedisStore) GetOffenseCount(ctx context.Context, sessionID string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+sessionID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// incrWindow increments key and sets ttl on the first increment so the
// window does not slide.
func (s *RedisStore) incrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Escalate records an offense and applies a ban whose duration grows with
// the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (s *RedisStore) Escalate(ctx context.Context, sessionID, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, OffensesPrefix+sessionID, OffensesTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, sessionID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// ReportAndCheck counts an accepted report against sessionID. When the
// count reaches AutoBanThreshold within ReportsTTL the counter resets and
// an escalating ban is applied. Returns (banned, duration, error).
func (s *RedisStore) ReportAndCheck(ctx context.Context, sessionID, reason string) (bool, time.Duration, error) {
	key := ReportsPrefix + sessionID

	count, err := s.incrWindow(ctx, key, ReportsTTL)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}
	if count < AutoBanThreshold {
		return false, 0, nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return false, 0, fmt.Errorf("ban: report reset: %w", err)
	}
	duration, err := s.Escalate(ctx, sessionID, ReasonMultipleReports)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}

type window struct {
	count   int
	expires time.Time
}

type record struct {
	reason  string
	expires time.Time
}

// MemoryStore is the single-process ban store.
type MemoryStore struct {
	mu       sync.Mutex
	bans     map[string]record
	reports  map[string]window
	offenses map[string]window
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bans:     make(map[string]record),
		reports:  make(map[string]window),
		offenses: make(map[string]window),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) IsBanned(_ context.Context, sessionID string) (bool, int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bans[sessionID]
	if !ok {
		return false, 0, "", nil
	}
	left := rec.expires.Sub(m.now())
	if left <= 0 {
		delete(m.bans, sessionID)
		return false, 0, "", nil
	}
	return true, int(left.Seconds()), rec.reason, nil
}

func (m *MemoryStore) Ban(_ context.Context, sessionID string, duration time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[sessionID] = record{reason: reason, expires: m.now().Add(duration)}
	return nil
}

func (m *MemoryStore) Unban(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, sessionID)
	return nil
}

func incrLocked(windows map[string]window, id string, now time.Time, ttl time.Duration) int {
	w, ok := windows[id]
	if !ok || !now.Before(w.expires) {
		w = window{expires: now.Add(ttl)}
	}
	w.count++
	windows[id] = w
	return w.count
}

func (m *MemoryStore) ReportAndCheck(_ context.Context, sessionID, reason string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if incrLocked(m.reports, sessionID, now, ReportsTTL) < AutoBanThreshold {
		return false, 0, nil
	}
	delete(m.reports, sessionID)

	duration := escalationDuration(incrLocked(m.offenses, sessionID, now, OffensesTTL))
	m.bans[sessionID] = record{reason: ReasonMultipleReports, expires: now.Add(duration)}
	return true, duration, nil
}
