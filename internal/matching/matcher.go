package matching

import (
	"context"
	"time"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/metrics"
	"go.uber.org/zap"
)

// MatcherConfig tunes a Matcher.
type MatcherConfig struct {
	ScanLimit int           // entries examined per bucket, 3-5
	Cooldown  time.Duration // applied by RemoveUser
}

// Matcher decides pairings on top of a Store.
type Matcher struct {
	store Store
	cfg   MatcherConfig
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewMatcher creates a Matcher. Zero config values fall back to defaults.
func NewMatcher(store Store, cfg MatcherConfig) *Matcher {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Matcher{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   logger.Named("matcher"),
	}
}

// Store returns the underlying store, mostly for cooldown access.
func (m *Matcher) Store() Store {
	return m.store
}

// TryMatchOrEnqueue either pairs user with a waiting partner or places it in
// its own bucket. A user under cooldown is rejected and not enqueued.
func (m *Matcher) TryMatchOrEnqueue(ctx context.Context, user *QueuedUser) (Result, error) {
	if err := user.Validate(); err != nil {
		return Result{}, err
	}

	u := *user
	u.EnqueuedAt = m.now().UnixMilli()
	order := SearchOrder(u.Gender, u.Preference)

	res, err := m.store.Claim(ctx, &u, order, m.cfg.ScanLimit)
	if err != nil {
		m.log.Errorw("claim failed", "session", u.SessionID, "error", err)
		return Result{}, err
	}

	metrics.ClaimsTotal.WithLabelValues(res.Outcome.String()).Inc()
	switch res.Outcome {
	case Matched:
		if res.Partner.EnqueuedAt > 0 {
			wait := m.now().Sub(time.UnixMilli(res.Partner.EnqueuedAt))
			metrics.MatchWait.Observe(wait.Seconds())
		}
		m.log.Debugw("matched", "session", u.SessionID, "partner", res.Partner.SessionID)
	case Enqueued:
		m.log.Debugw("enqueued", "session", u.SessionID, "bucket", u.Bucket().String())
	case CooldownRejected:
		m.log.Debugw("cooldown active", "session", u.SessionID, "remaining", res.Remaining)
	}
	m.refreshQueueSize(ctx)
	return res, nil
}

// RemoveUser removes the session's queued entry, if any, and puts the
// session under the standard cooldown.
func (m *Matcher) RemoveUser(ctx context.Context, sessionID string) (bool, error) {
	removed, err := m.store.Remove(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if err := m.store.SetCooldown(ctx, sessionID, m.cfg.Cooldown); err != nil {
		return removed, err
	}
	m.refreshQueueSize(ctx)
	return removed, nil
}

// Dequeue removes the session's queued entry without touching its cooldown.
// Used when the entry is known to be stale.
func (m *Matcher) Dequeue(ctx context.Context, sessionID string) (bool, error) {
	removed, err := m.store.Remove(ctx, sessionID)
	if err == nil && removed {
		m.refreshQueueSize(ctx)
	}
	return removed, err
}

// CooldownRemaining reports the session's remaining cooldown.
func (m *Matcher) CooldownRemaining(ctx context.Context, sessionID string) (time.Duration, error) {
	return m.store.CooldownRemaining(ctx, sessionID)
}

// SetCooldown puts the session under a cooldown of duration d.
func (m *Matcher) SetCooldown(ctx context.Context, sessionID string, d time.Duration) error {
	return m.store.SetCooldown(ctx, sessionID, d)
}

func (m *Matcher) refreshQueueSize(ctx context.Context) {
	if n, err := m.store.Size(ctx); err == nil {
		metrics.QueueSize.Set(float64(n))
	}
}
