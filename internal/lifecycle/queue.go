package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ghosty/chat-app/internal/chat"
	"github.com/ghosty/chat-app/internal/matching"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/session"
)

// Client-facing queue errors.
const (
	msgSessionNotFound = "Session not found"
	msgVerification    = "Verification required"
	msgDailyLimit      = "Daily limit reached for specific gender filters. Switch to 'Any' to continue."
	msgTooManyRequests = "Too many requests. Please slow down."
	msgAlreadyMatched  = "Already in a chat"
	msgInternal        = "Internal error"
	msgInvalidRoom     = "Invalid room"
	msgInvalidPayload  = "Invalid payload"
	msgNotMatched      = "Not in a chat"
	msgInvalidReason   = "Invalid report reason"
	msgQueuedElsewhere = "Queue joined from another connection"
	defaultNickname    = "Anonymous"
	maxHandoffAttempts = 3
)

// JoinQueue handles join-queue: it checks the caller's eligibility, then
// either pairs it with a waiting partner or leaves it waiting.
func (o *Orchestrator) JoinQueue(ctx context.Context, connID string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	sess.CancelRequeue()

	switch sess.State() {
	case session.Queued:
		o.send(connID, protocol.TypeQueueWaiting, nil)
		return
	case session.Matched:
		o.sendError(connID, msgAlreadyMatched)
		return
	}

	if o.Limiter != nil {
		if ok, _ := o.Limiter.Allow(ctx, sess.SessionID, ratelimit.RuleMatch); !ok {
			o.sendError(connID, msgTooManyRequests)
			return
		}
	}

	if o.Bans != nil {
		banned, remaining, _, err := o.Bans.IsBanned(ctx, sess.SessionID)
		if err != nil {
			o.log.Warnw("ban check failed", "session", sess.SessionID, "error", err)
		} else if banned {
			o.sendError(connID, fmt.Sprintf("You are temporarily banned. Try again in %d minutes.", (remaining+59)/60))
			return
		}
	}

	user, reason := o.queuedUser(ctx, sess)
	if reason != "" {
		o.sendError(connID, reason)
		return
	}

	o.enqueue(ctx, sess, user)
}

// enqueue moves an idle session into the queue with user and runs the
// matcher until the session is waiting, paired or refused.
func (o *Orchestrator) enqueue(ctx context.Context, sess *session.Session, user matching.QueuedUser) {
	connID := sess.ConnID
	if !sess.BeginQueue(user) {
		return
	}
	o.setPresence(ctx, connID, session.Queued, "")

	for attempt := 0; attempt < maxHandoffAttempts; attempt++ {
		res, err := o.Matcher.TryMatchOrEnqueue(ctx, &user)
		o.notifyEvicted(ctx, user, res.Evicted)
		if err != nil {
			sess.LeaveQueue()
			o.setPresence(ctx, connID, session.Idle, "")
			if errors.Is(err, matching.ErrInvalidUser) {
				o.sendError(connID, msgVerification)
				return
			}
			o.sendError(connID, msgInternal)
			return
		}

		switch res.Outcome {
		case matching.CooldownRejected:
			sess.LeaveQueue()
			o.setPresence(ctx, connID, session.Idle, "")
			o.send(connID, protocol.TypeQueueCooldown, protocol.QueueCooldownMsg{Remaining: res.RemainingSeconds()})
			return

		case matching.Enqueued:
			if sess.State() == session.Queued {
				o.send(connID, protocol.TypeQueueWaiting, nil)
			}
			return

		case matching.Matched:
			if o.handoff(ctx, sess, &user, res.Partner) {
				return
			}
			// The partner was gone; try again unless this side went away too.
			if !sess.BeginQueue(user) {
				return
			}
		}
	}

	sess.LeaveQueue()
	o.setPresence(ctx, connID, session.Idle, "")
	o.sendError(connID, msgInternal)
}

// requeue puts a session that lost its queue entry back into its bucket.
func (o *Orchestrator) requeue(ctx context.Context, sess *session.Session) bool {
	user, ok := sess.Queued()
	if !ok || !sess.LeaveQueue() {
		return false
	}
	o.log.Debugw("requeueing after cancelled match", "session", sess.SessionID)
	o.enqueue(ctx, sess, user)
	return true
}

// notifyEvicted tells each connection whose entry a claim removed that it
// is no longer waiting.
func (o *Orchestrator) notifyEvicted(ctx context.Context, user matching.QueuedUser, evicted []matching.QueuedUser) {
	for _, e := range evicted {
		if e.ConnID == user.ConnID {
			continue
		}
		err := o.Bus.Publish(ctx, e.ConnID, messaging.Signal{
			Kind:        messaging.KindQueueEvicted,
			FromConn:    user.ConnID,
			FromSession: user.SessionID,
		})
		if err != nil {
			o.log.Warnw("eviction notice failed", "conn", e.ConnID, "session", e.SessionID, "error", err)
		}
	}
}

// evicted moves a queued session whose entry was removed back to idle and
// tells the client why.
func (o *Orchestrator) evicted(ctx context.Context, sess *session.Session) bool {
	if !sess.LeaveQueue() {
		return false
	}
	o.setPresence(ctx, sess.ConnID, session.Idle, "")

	left, err := o.Matcher.CooldownRemaining(ctx, sess.SessionID)
	if err != nil {
		o.log.Warnw("cooldown lookup failed", "session", sess.SessionID, "error", err)
	}
	if left > 0 {
		o.send(sess.ConnID, protocol.TypeQueueCooldown, protocol.QueueCooldownMsg{
			Remaining: matching.Result{Remaining: left}.RemainingSeconds(),
		})
		return true
	}
	o.sendError(sess.ConnID, msgQueuedElsewhere)
	return true
}

// queuedUser builds the queue entry for sess from its profile. A non-empty
// reason means the session may not queue.
func (o *Orchestrator) queuedUser(ctx context.Context, sess *session.Session) (matching.QueuedUser, string) {
	prof, err := o.Profiles.Get(ctx, sess.SessionID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			o.log.Errorw("profile lookup failed", "session", sess.SessionID, "error", err)
			return matching.QueuedUser{}, msgInternal
		}
		return matching.QueuedUser{}, msgSessionNotFound
	}
	if !prof.Verified || prof.Gender == "" {
		return matching.QueuedUser{}, msgVerification
	}

	pref := prof.Preference
	if pref == "" {
		pref = matching.PreferAny
	}
	if pref != matching.PreferAny && o.Usage != nil {
		ok, err := o.Usage.Check(ctx, sess.SessionID)
		if err != nil {
			o.log.Warnw("usage check failed", "session", sess.SessionID, "error", err)
		} else if !ok {
			return matching.QueuedUser{}, msgDailyLimit
		}
	}

	nickname := prof.Nickname
	if nickname == "" {
		nickname = defaultNickname
	}
	return matching.QueuedUser{
		ConnID:        sess.ConnID,
		SessionID:     sess.SessionID,
		Gender:        prof.Gender,
		Preference:    pref,
		PriorPartners: prof.PriorPartners,
		Nickname:      nickname,
		Bio:           prof.Bio,
	}, ""
}

// handoff completes a pairing that the matcher returned. The caller is
// marked matched first, then the partner is asked to accept; the partner
// accepts only while it is still waiting. It returns false when the partner
// refused and the caller is idle again and may retry.
func (o *Orchestrator) handoff(ctx context.Context, sess *session.Session, user, partner *matching.QueuedUser) bool {
	roomID := uuid.NewString()
	m := session.ActiveMatch{
		RoomID:           roomID,
		PartnerConnID:    partner.ConnID,
		PartnerSessionID: partner.SessionID,
	}
	closedEarly := !sess.SetMatched(m)

	if err := o.Rooms.Create(ctx, chat.Room{
		ID:       roomID,
		ConnA:    user.ConnID,
		SessionA: user.SessionID,
		ConnB:    partner.ConnID,
		SessionB: partner.SessionID,
	}); err != nil {
		o.log.Errorw("room create failed", "room", roomID, "error", err)
	} else {
		metrics.ActiveRooms.Inc()
	}

	accepted, err := o.Bus.Request(ctx, partner.ConnID, messaging.Signal{
		Kind:        messaging.KindMatch,
		FromConn:    user.ConnID,
		FromSession: user.SessionID,
		RoomID:      roomID,
		Nickname:    user.Nickname,
		Bio:         user.Bio,
	})
	if err != nil || !accepted {
		o.log.Debugw("stale partner skipped", "session", user.SessionID, "partner", partner.SessionID)
		o.dropRoom(ctx, roomID)
		if err != nil && !errors.Is(err, messaging.ErrNoSubscriber) {
			// The partner may still get the request, or may have lost its
			// entry without hearing about it.
			o.log.Warnw("match handoff failed", "room", roomID, "partner", partner.ConnID, "error", err)
			o.cancelMatch(ctx, user, partner, roomID)
		}
		if closedEarly {
			return true
		}
		if _, ok := sess.TakeMatchIn(roomID, partner.ConnID); !ok {
			// Torn down by a disconnect in the meantime.
			return true
		}
		return false
	}

	if err := o.Profiles.RecordPartners(ctx, user.SessionID, partner.SessionID); err != nil {
		o.log.Errorw("record partners failed", "room", roomID, "error", err)
	}

	if closedEarly || !sess.InRoomWith(roomID, partner.ConnID) {
		// Torn down during the handoff, possibly before the partner
		// accepted. Make sure its side is closed too.
		if err := o.Bus.Publish(ctx, partner.ConnID, messaging.Signal{
			Kind:        messaging.KindPeerLeft,
			FromConn:    user.ConnID,
			FromSession: user.SessionID,
			RoomID:      roomID,
		}); err != nil {
			o.log.Warnw("late teardown publish failed", "room", roomID, "error", err)
		}
		o.dropRoom(ctx, roomID)
		return true
	}

	o.incrementUsage(ctx, user)
	o.incrementUsage(ctx, partner)

	o.setPresence(ctx, sess.ConnID, session.Matched, roomID)
	o.send(sess.ConnID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:          roomID,
		PartnerNickname: partner.Nickname,
		PartnerBio:      partner.Bio,
	})
	o.log.Infow("match created", "room", roomID, "a", user.SessionID, "b", partner.SessionID)
	return true
}

func (o *Orchestrator) cancelMatch(ctx context.Context, user, partner *matching.QueuedUser, roomID string) {
	if err := o.Bus.Publish(ctx, partner.ConnID, messaging.Signal{
		Kind:        messaging.KindMatchCancelled,
		FromConn:    user.ConnID,
		FromSession: user.SessionID,
		RoomID:      roomID,
	}); err != nil {
		o.log.Warnw("match cancel publish failed", "room", roomID, "partner", partner.ConnID, "error", err)
	}
}

func (o *Orchestrator) incrementUsage(ctx context.Context, u *matching.QueuedUser) {
	if o.Usage == nil || u.Preference == matching.PreferAny {
		return
	}
	if err := o.Usage.Increment(ctx, u.SessionID); err != nil {
		o.log.Warnw("usage increment failed", "session", u.SessionID, "error", err)
	}
}

func (o *Orchestrator) dropRoom(ctx context.Context, roomID string) {
	deleted, err := o.Rooms.Delete(ctx, roomID)
	if err != nil {
		o.log.Warnw("room delete failed", "room", roomID, "error", err)
		return
	}
	if deleted {
		metrics.ActiveRooms.Dec()
	}
}

// LeaveQueue handles leave-queue. The session's entry leaves its bucket and
// the base cooldown starts.
func (o *Orchestrator) LeaveQueue(ctx context.Context, connID string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	sess.CancelRequeue()
	if !sess.LeaveQueue() {
		return
	}
	o.setPresence(ctx, connID, session.Idle, "")
	if _, err := o.Matcher.RemoveUser(ctx, sess.SessionID); err != nil {
		o.log.Errorw("queue removal failed", "session", sess.SessionID, "error", err)
		o.sendError(connID, msgInternal)
	}
}
