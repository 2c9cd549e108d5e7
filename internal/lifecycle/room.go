package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/ghosty/chat-app/internal/chat"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/report"
	"github.com/ghosty/chat-app/internal/session"
)

// requeueSlack is added to the skip cooldown before an automatic rejoin so
// the rejoin never lands just before the cooldown expires.
const requeueSlack = 250 * time.Millisecond

// JoinRoom handles join-room, the client's confirmation that it entered the
// room it was matched into.
func (o *Orchestrator) JoinRoom(ctx context.Context, connID, roomID string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	if !sess.JoinRoom(roomID) {
		o.log.Warnw("join-room for foreign room", "conn", connID, "room", roomID)
		o.sendError(connID, msgInvalidRoom)
	}
}

// SendMessage relays an encrypted chat message to the partner.
func (o *Orchestrator) SendMessage(ctx context.Context, connID, roomID, ciphertext, iv string) {
	o.relayed(connID, o.Relay.RelayMessage(ctx, roomID, connID, ciphertext, iv))
}

// Typing relays a typing indicator to the partner.
func (o *Orchestrator) Typing(ctx context.Context, connID, roomID string, isTyping bool) {
	o.relayed(connID, o.Relay.RelayTyping(ctx, roomID, connID, isTyping))
}

// ExchangeKey relays public key material to the partner.
func (o *Orchestrator) ExchangeKey(ctx context.Context, connID, roomID, key string) {
	o.relayed(connID, o.Relay.RelayKeyExchange(ctx, roomID, connID, key))
}

// relayed surfaces relay errors. Unauthorized events were already logged by
// the relay and are dropped silently.
func (o *Orchestrator) relayed(connID string, err error) {
	switch {
	case err == nil, errors.Is(err, chat.ErrNotInRoom):
	case errors.Is(err, chat.ErrInvalidPayload):
		o.sendError(connID, msgInvalidPayload)
	default:
		o.log.Errorw("relay failed", "conn", connID, "error", err)
		o.sendError(connID, msgInternal)
	}
}

// LeaveChat ends the current chat. The partner is told it left and this
// session starts the base cooldown.
func (o *Orchestrator) LeaveChat(ctx context.Context, connID string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	if _, ok := o.teardown(ctx, sess, messaging.KindPeerLeft, "leave"); !ok {
		return
	}
	o.cooldown(ctx, sess.SessionID, o.cfg.BaseCooldown)
}

// NextMatch skips the current partner. The partner is told it was skipped;
// this session waits out the skip cooldown and, when enabled, is put back in
// the queue automatically.
func (o *Orchestrator) NextMatch(ctx context.Context, connID string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	if _, ok := o.teardown(ctx, sess, messaging.KindPeerSkipped, "skip"); !ok {
		return
	}

	o.cooldown(ctx, sess.SessionID, o.cfg.SkipCooldown)
	o.send(connID, protocol.TypeQueueCooldown, protocol.QueueCooldownMsg{
		Remaining: int((o.cfg.SkipCooldown + time.Second - 1) / time.Second),
	})

	if o.cfg.AutoRequeue {
		sess.ScheduleRequeue(o.cfg.SkipCooldown+requeueSlack, func() {
			if sess.State() == session.Idle && !sess.Closed() {
				o.JoinQueue(context.Background(), connID)
			}
		})
	}
}

// Report files a report against the current partner. When accepted the
// reporter is acknowledged, the room is closed for both sides with
// partner-disconnected and both sessions start the base cooldown. Rejected
// reports only reach the reporter.
func (o *Orchestrator) Report(ctx context.Context, connID, reason, description string) {
	sess := o.Sessions.Get(connID)
	if sess == nil {
		return
	}
	m, ok := sess.Match()
	if !ok {
		o.sendError(connID, msgNotMatched)
		return
	}

	outcome, err := o.Reports.Submit(ctx, sess.SessionID, m, reason, description)
	switch {
	case errors.Is(err, report.ErrInvalidReason):
		o.sendError(connID, msgInvalidReason)
		return
	case err != nil:
		o.log.Errorw("report failed", "session", sess.SessionID, "error", err)
		o.sendError(connID, msgInternal)
		return
	case outcome != report.Accepted:
		o.sendError(connID, outcome.Message())
		return
	}

	o.send(connID, protocol.TypeReportSubmitted, nil)

	// TakeMatchIn: the room may have closed while the report was stored.
	if _, ok := sess.TakeMatchIn(m.RoomID, m.PartnerConnID); ok {
		o.closeRoom(ctx, sess, m, messaging.KindPeerReported, "report")
		o.send(connID, protocol.TypePartnerDisconnected, nil)
	}
	o.cooldown(ctx, sess.SessionID, o.cfg.BaseCooldown)
	o.cooldown(ctx, m.PartnerSessionID, o.cfg.BaseCooldown)
}

// teardown closes the active room of sess: the active-match reference is
// cleared first, so only one trigger wins, then the partner is notified with
// kind and the room record is removed.
func (o *Orchestrator) teardown(ctx context.Context, sess *session.Session, kind, trigger string) (session.ActiveMatch, bool) {
	m, ok := sess.TakeMatch()
	if !ok {
		return session.ActiveMatch{}, false
	}
	o.closeRoom(ctx, sess, m, kind, trigger)
	return m, true
}

func (o *Orchestrator) closeRoom(ctx context.Context, sess *session.Session, m session.ActiveMatch, kind, trigger string) {
	if err := o.Bus.Publish(ctx, m.PartnerConnID, messaging.Signal{
		Kind:        kind,
		FromConn:    sess.ConnID,
		FromSession: sess.SessionID,
		RoomID:      m.RoomID,
	}); err != nil {
		o.log.Warnw("partner notify failed", "room", m.RoomID, "partner", m.PartnerConnID, "error", err)
	}
	o.dropRoom(ctx, m.RoomID)
	if !sess.Closed() {
		o.setPresence(ctx, sess.ConnID, session.Idle, "")
	}
	metrics.TeardownsTotal.WithLabelValues(trigger).Inc()
	o.log.Debugw("room closed", "room", m.RoomID, "trigger", trigger, "session", sess.SessionID)
}
