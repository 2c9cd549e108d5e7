// Package matching pairs waiting participants. Waiting users live in six
// buckets keyed by (own gender, desired gender); a newly queueing user either
// claims a compatible partner from those buckets or joins its own bucket, in
// one atomic step that also honours per-session cooldowns.
//
// Two Store implementations share the same contract: MemoryStore for a
// single process and RedisStore for multi-instance deployments.
package matching

import (
	"context"
	"time"
)

const (
	keyQueuePrefix    = "ghosty:queue:"         // + <gender>:<preference> -> List of session IDs
	keyQueueEntries   = "ghosty:queue:entries"  // Hash session ID -> QueuedUser JSON
	keyQueueIndex     = "ghosty:queue:index"    // Hash session ID -> bucket key
	keyCooldownPrefix = "ghosty:cooldown:"      // + <session_id> -> "1" with TTL

	// DefaultScanLimit bounds how many entries of a single bucket one claim
	// examines.
	DefaultScanLimit = 5
)

// Outcome is the result kind of a claim.
type Outcome int

const (
	Enqueued Outcome = iota
	Matched
	CooldownRejected
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case Matched:
		return "matched"
	case CooldownRejected:
		return "cooldown"
	}
	return "unknown"
}

// Result is what TryMatchOrEnqueue returns. Partner is set when Outcome is
// Matched; Remaining is set when Outcome is CooldownRejected. Evicted lists
// entries of other connections the claim took out of the queue: candidates
// still cooling down and entries of the requester's session held by another
// connection. Their holders are no longer waiting.
type Result struct {
	Outcome   Outcome
	Partner   *QueuedUser
	Remaining time.Duration
	Evicted   []QueuedUser
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (r Result) RemainingSeconds() int {
	return int((r.Remaining + time.Second - 1) / time.Second)
}

// CooldownRegistry tracks per-session "not eligible yet" expiries.
type CooldownRegistry interface {
	SetCooldown(ctx context.Context, sessionID string, d time.Duration) error
	CooldownRemaining(ctx context.Context, sessionID string) (time.Duration, error)
	ClearCooldown(ctx context.Context, sessionID string) error
}

// Store holds the buckets and cooldowns. Claim must be atomic with respect
// to every other Store call: two concurrent claims never return the same
// partner, and the requester's cooldown is read inside the same step.
type Store interface {
	CooldownRegistry

	// Claim checks the requester's cooldown, scans order front to back (at
	// most scanLimit entries per bucket) for the first eligible partner and
	// pops it, clearing both cooldowns. Prior partners that are skipped move
	// to the back of their bucket; the requester's own stale entries are
	// dropped. When nothing is found the requester is appended to its own
	// bucket, replacing any stale entry for the same session.
	Claim(ctx context.Context, user *QueuedUser, order []Bucket, scanLimit int) (Result, error)

	// Remove deletes the session's queue entry, wherever it is. It reports
	// whether an entry was present.
	Remove(ctx context.Context, sessionID string) (bool, error)

	// Bucket returns a snapshot of one bucket, front first.
	Bucket(ctx context.Context, b Bucket) ([]QueuedUser, error)

	// Entries returns a snapshot of every queued user.
	Entries(ctx context.Context) ([]QueuedUser, error)

	// Size returns the number of queued users across all buckets.
	Size(ctx context.Context) (int64, error)
}
