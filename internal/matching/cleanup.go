package matching

import (
	"context"
	"time"

	"github.com/ghosty/chat-app/internal/logger"
)

const cleanupInterval = 5 * time.Second

// AliveFunc reports whether the connection holding a queued entry still exists.
type AliveFunc func(ctx context.Context, u QueuedUser) (bool, error)

// StartCleanup periodically removes queue entries whose connection has gone
// away without a clean disconnect, such as entries left by a crashed
// instance. It blocks until ctx is cancelled.
func StartCleanup(ctx context.Context, m *Matcher, alive AliveFunc) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	log := logger.Named("cleanup")
	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if n := cleanStaleEntries(ctx, m, alive); n > 0 {
				log.Infow("removed stale queue entries", "count", n)
			}
		}
	}
}

// cleanStaleEntries removes queued users whose connection is gone and
// returns how many were removed.
func cleanStaleEntries(ctx context.Context, m *Matcher, alive AliveFunc) int {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		logger.Warn("cleanup: failed to list queue", "error", err)
		return 0
	}

	removed := 0
	for _, u := range entries {
		ok, err := alive(ctx, u)
		if err != nil || ok {
			continue
		}
		if gone, err := m.Dequeue(ctx, u.SessionID); err != nil {
			logger.Warn("cleanup: failed to dequeue", "session", u.SessionID, "error", err)
		} else if gone {
			removed++
		}
	}
	return removed
}
