// Package lifecycle drives one connection from handshake to disconnect. It
// turns client events into calls on the matcher, the session record, the
// relay and the report handler, and turns bus signals from the other side
// of a room into frames for the local socket.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ghosty/chat-app/internal/chat"
	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/matching"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/report"
	"github.com/ghosty/chat-app/internal/session"
)

// Sender writes a frame to a local connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Profiles is the part of the profile provider the orchestrator needs.
type Profiles interface {
	Get(ctx context.Context, id string) (*profile.Profile, error)
	RecordPartners(ctx context.Context, a, b string) error
}

// BanChecker reports active bans.
type BanChecker interface {
	IsBanned(ctx context.Context, sessionID string) (bool, int, string, error)
}

// Config holds the lifecycle tunables.
type Config struct {
	BaseCooldown time.Duration // after leaving a queue or a chat
	SkipCooldown time.Duration // after next-match
	AutoRequeue  bool          // rejoin the queue when the skip cooldown ends
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseCooldown: 30 * time.Second,
		SkipCooldown: 5 * time.Second,
		AutoRequeue:  true,
	}
}

// Deps are the collaborators of an Orchestrator. Bans, Usage, Limiter and
// Presence may be nil.
type Deps struct {
	Matcher  *matching.Matcher
	Sessions *session.Registry
	Rooms    chat.Rooms
	Relay    *chat.Relay
	Bus      messaging.Bus
	Profiles Profiles
	Reports  *report.Handler
	Bans     BanChecker
	Usage    ratelimit.UsageLimiter
	Limiter  ratelimit.Allower
	Presence *session.Presence
	Sender   Sender
}

// Orchestrator wires the per-connection state machine to the shared
// matchmaking state.
type Orchestrator struct {
	cfg Config
	Deps
	log *zap.SugaredLogger
}

// New creates an Orchestrator. Zero cooldowns fall back to the defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.SkipCooldown <= 0 {
		cfg.SkipCooldown = def.SkipCooldown
	}
	return &Orchestrator{
		cfg:  cfg,
		Deps: deps,
		log:  logger.Named("lifecycle"),
	}
}

// Open registers a freshly authenticated connection and subscribes it to
// signals from its future partners.
func (o *Orchestrator) Open(ctx context.Context, connID, sessionID string) error {
	sess := session.New(connID, sessionID)
	o.Sessions.Add(sess)
	if err := o.Bus.Subscribe(connID, o.signalHandler(sess)); err != nil {
		o.Sessions.Remove(connID)
		return err
	}
	o.log.Debugw("connection opened", "conn", connID, "session", sessionID)
	return nil
}

// Disconnect runs the cleanup for a connection that went away: a queued
// connection leaves its bucket under the base cooldown, a matched one tears
// its room down and the partner is told it left. It never fails.
func (o *Orchestrator) Disconnect(ctx context.Context, connID string) {
	sess := o.Sessions.Remove(connID)
	if sess == nil {
		return
	}
	state, first := sess.Close()
	if !first {
		return
	}
	if err := o.Bus.Unsubscribe(connID); err != nil {
		o.log.Warnw("unsubscribe failed", "conn", connID, "error", err)
	}

	switch state {
	case session.Queued:
		if _, err := o.Matcher.RemoveUser(ctx, sess.SessionID); err != nil {
			o.log.Errorw("queue removal on disconnect failed", "session", sess.SessionID, "error", err)
		}
	case session.Matched:
		if _, ok := o.teardown(ctx, sess, messaging.KindPeerLeft, "disconnect"); ok {
			o.cooldown(ctx, sess.SessionID, o.cfg.BaseCooldown)
		}
	}
	o.log.Debugw("connection closed", "conn", connID, "session", sess.SessionID, "state", state.String())
}

// signalHandler handles bus signals addressed to sess.
func (o *Orchestrator) signalHandler(sess *session.Session) messaging.Handler {
	return func(ctx context.Context, sig messaging.Signal) bool {
		switch sig.Kind {
		case messaging.KindMatch:
			m := session.ActiveMatch{
				RoomID:           sig.RoomID,
				PartnerConnID:    sig.FromConn,
				PartnerSessionID: sig.FromSession,
			}
			if !sess.AcceptMatch(m) {
				return false
			}
			o.setPresence(ctx, sess.ConnID, session.Matched, sig.RoomID)
			o.send(sess.ConnID, protocol.TypeMatched, protocol.MatchedMsg{
				RoomID:          sig.RoomID,
				PartnerNickname: sig.Nickname,
				PartnerBio:      sig.Bio,
			})
			return true

		case messaging.KindMatchCancelled:
			if _, ok := sess.TakeMatchIn(sig.RoomID, sig.FromConn); ok {
				o.setPresence(ctx, sess.ConnID, session.Idle, "")
				o.send(sess.ConnID, protocol.TypePartnerLeft, nil)
				return true
			}
			return o.requeue(ctx, sess)

		case messaging.KindQueueEvicted:
			return o.evicted(ctx, sess)

		case messaging.KindPeerLeft, messaging.KindPeerSkipped, messaging.KindPeerReported:
			if _, ok := sess.TakeMatchIn(sig.RoomID, sig.FromConn); !ok {
				return false
			}
			o.setPresence(ctx, sess.ConnID, session.Idle, "")
			o.send(sess.ConnID, peerEvent(sig.Kind), nil)
			return true

		case messaging.KindRelay:
			frame, ok := o.Relay.Deliver(sess, sig)
			if !ok {
				return false
			}
			o.write(sess.ConnID, frame)
			return true
		}
		o.log.Warnw("unknown signal", "kind", sig.Kind, "conn", sess.ConnID)
		return false
	}
}

func peerEvent(kind string) string {
	switch kind {
	case messaging.KindPeerSkipped:
		return protocol.TypePartnerSkipped
	case messaging.KindPeerReported:
		return protocol.TypePartnerDisconnected
	}
	return protocol.TypePartnerLeft
}

func (o *Orchestrator) send(connID, msgType string, payload interface{}) {
	o.write(connID, protocol.MustServerMessage(msgType, payload))
}

func (o *Orchestrator) sendError(connID, message string) {
	o.send(connID, protocol.TypeQueueError, protocol.QueueErrorMsg{Message: message})
}

func (o *Orchestrator) write(connID string, frame []byte) {
	if err := o.Sender.SendMessage(connID, frame); err != nil {
		o.log.Debugw("send failed", "conn", connID, "error", err)
	}
}

func (o *Orchestrator) cooldown(ctx context.Context, sessionID string, d time.Duration) {
	if err := o.Matcher.SetCooldown(ctx, sessionID, d); err != nil {
		o.log.Warnw("set cooldown failed", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) setPresence(ctx context.Context, connID string, state session.State, roomID string) {
	if o.Presence == nil {
		return
	}
	if err := o.Presence.UpdateState(ctx, connID, state, roomID); err != nil {
		o.log.Debugw("presence update failed", "conn", connID, "error", err)
	}
}
