package matching

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets and cooldowns in process memory behind a single
// mutex. Every method is one critical section, which makes Claim trivially
// atomic.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[Bucket][]*QueuedUser
	index     map[string]Bucket // session ID -> bucket holding its entry
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		buckets:   make(map[Bucket][]*QueuedUser),
		index:     make(map[string]Bucket),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, b := range AllBuckets() {
		s.buckets[b] = nil
	}
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) SetCooldown(_ context.Context, sessionID string, d time.Duration) error {
	s.mu.Lock()
	s.cooldowns[sessionID] = s.now().Add(d)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CooldownRemaining(_ context.Context, sessionID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked(sessionID), nil
}

func (s *MemoryStore) ClearCooldown(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.cooldowns, sessionID)
	s.mu.Unlock()
	return nil
}

// remainingLocked returns the cooldown left for a session, deleting expired
// entries as it goes.
func (s *MemoryStore) remainingLocked(sessionID string) time.Duration {
	expiry, ok := s.cooldowns[sessionID]
	if !ok {
		return 0
	}
	left := expiry.Sub(s.now())
	if left <= 0 {
		delete(s.cooldowns, sessionID)
		return 0
	}
	return left
}

func (s *MemoryStore) Claim(_ context.Context, user *QueuedUser, order []Bucket, scanLimit int) (Result, error) {
	if err := user.Validate(); err != nil {
		return Result{}, err
	}
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if left := s.remainingLocked(user.SessionID); left > 0 {
		return Result{Outcome: CooldownRejected, Remaining: left}, nil
	}

	var evicted []QueuedUser
	for _, b := range order {
		if partner := s.scanLocked(user, b, scanLimit, &evicted); partner != nil {
			evicted = s.replaceLocked(user, evicted)
			delete(s.cooldowns, user.SessionID)
			delete(s.cooldowns, partner.SessionID)
			return Result{Outcome: Matched, Partner: partner, Evicted: evicted}, nil
		}
	}

	evicted = s.replaceLocked(user, evicted)
	entry := *user
	entry.PriorPartners = append([]string(nil), user.PriorPartners...)
	own := user.Bucket()
	s.buckets[own] = append(s.buckets[own], &entry)
	s.index[user.SessionID] = own
	return Result{Outcome: Enqueued, Evicted: evicted}, nil
}

// replaceLocked removes the requester's session from the queue, recording
// the entry as evicted when another connection held it.
func (s *MemoryStore) replaceLocked(user *QueuedUser, evicted []QueuedUser) []QueuedUser {
	if old := s.takeLocked(user.SessionID); old != nil && old.ConnID != user.ConnID {
		evicted = append(evicted, *old)
	}
	return evicted
}

// scanLocked examines up to limit entries at the front of bucket b. Each
// examined entry is taken off the front; it is then either returned as the
// partner, re-appended at the back (prior partner), or discarded. Discarded
// entries held by another connection are appended to evicted.
func (s *MemoryStore) scanLocked(user *QueuedUser, b Bucket, limit int, evicted *[]QueuedUser) *QueuedUser {
	q := s.buckets[b]
	n := len(q)
	if n > limit {
		n = limit
	}

	var found *QueuedUser
	for k := 0; k < n; k++ {
		c := q[0]
		q = q[1:]

		switch {
		case c.SessionID == user.SessionID:
			delete(s.index, c.SessionID)
			if c.ConnID != user.ConnID {
				*evicted = append(*evicted, *c)
			}
			continue
		case excluded(user, c):
			q = append(q, c)
			continue
		case s.remainingLocked(c.SessionID) > 0:
			delete(s.index, c.SessionID)
			*evicted = append(*evicted, *c)
			continue
		}

		delete(s.index, c.SessionID)
		found = c
		break
	}

	s.buckets[b] = q
	return found
}

func (s *MemoryStore) Remove(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(sessionID), nil
}

func (s *MemoryStore) removeLocked(sessionID string) bool {
	_, ok := s.index[sessionID]
	s.takeLocked(sessionID)
	return ok
}

// takeLocked removes and returns the session's entry, if queued.
func (s *MemoryStore) takeLocked(sessionID string) *QueuedUser {
	b, ok := s.index[sessionID]
	if !ok {
		return nil
	}
	delete(s.index, sessionID)

	q := s.buckets[b]
	for i, u := range q {
		if u.SessionID == sessionID {
			s.buckets[b] = append(q[:i:i], q[i+1:]...)
			return u
		}
	}
	return nil
}

func (s *MemoryStore) Bucket(_ context.Context, b Bucket) ([]QueuedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedUser, 0, len(s.buckets[b]))
	for _, u := range s.buckets[b] {
		out = append(out, *u)
	}
	return out, nil
}

func (s *MemoryStore) Entries(_ context.Context) ([]QueuedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []QueuedUser
	for _, b := range AllBuckets() {
		for _, u := range s.buckets[b] {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *MemoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.index)), nil
}
