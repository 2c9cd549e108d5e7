package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNotInRoom is returned when the sender is not the matched member of
	// the named room. Such events are dropped without telling the client.
	ErrNotInRoom = errors.New("chat: sender is not a member of the room")

	// ErrInvalidPayload is returned for payloads that fail size checks.
	ErrInvalidPayload = errors.New("chat: invalid payload")
)

// Relay forwards room events from one member to the other. Frames are built
// on the sender's side and travel to the partner's connection over the bus.
type Relay struct {
	sessions *session.Registry
	bus      messaging.Bus
	log      *zap.SugaredLogger
}

// NewRelay creates a Relay over the local session registry and the bus.
func NewRelay(sessions *session.Registry, bus messaging.Bus) *Relay {
	return &Relay{
		sessions: sessions,
		bus:      bus,
		log:      logger.Named("relay"),
	}
}

// RelayMessage forwards an encrypted message to the other room member.
func (r *Relay) RelayMessage(ctx context.Context, roomID, senderConn, ciphertext, iv string) error {
	if err := ValidateMessage(ciphertext, iv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	frame := protocol.MustServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Message: ciphertext,
		IV:      iv,
	})
	return r.forward(ctx, "message", roomID, senderConn, frame)
}

// RelayTyping forwards a typing indicator to the other room member.
func (r *Relay) RelayTyping(ctx context.Context, roomID, senderConn string, isTyping bool) error {
	frame := protocol.MustServerMessage(protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: isTyping})
	return r.forward(ctx, "typing", roomID, senderConn, frame)
}

// RelayKeyExchange forwards public key material to the other room member.
func (r *Relay) RelayKeyExchange(ctx context.Context, roomID, senderConn, key string) error {
	if err := ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	frame := protocol.MustServerMessage(protocol.TypeExchangeKey, protocol.KeyMsg{Key: key})
	return r.forward(ctx, "key", roomID, senderConn, frame)
}

func (r *Relay) forward(ctx context.Context, kind, roomID, senderConn string, frame []byte) error {
	sess := r.sessions.Get(senderConn)
	if sess == nil {
		return r.reject(kind, roomID, senderConn)
	}
	m, ok := sess.Match()
	if !ok || m.RoomID != roomID {
		return r.reject(kind, roomID, senderConn)
	}

	err := r.bus.Publish(ctx, m.PartnerConnID, messaging.Signal{
		Kind:        messaging.KindRelay,
		FromConn:    senderConn,
		FromSession: sess.SessionID,
		RoomID:      roomID,
		Payload:     frame,
	})
	if err != nil {
		return fmt.Errorf("chat: relay %s: %w", kind, err)
	}
	metrics.RelayedTotal.WithLabelValues(kind).Inc()
	return nil
}

func (r *Relay) reject(kind, roomID, senderConn string) error {
	r.log.Warnw("unauthorized relay attempt", "kind", kind, "room", roomID, "conn", senderConn)
	metrics.RelayedTotal.WithLabelValues("dropped").Inc()
	return ErrNotInRoom
}

// Deliver checks a relay signal on the recipient's side and returns the
// frame to write to its socket. Signals for a room the recipient has
// already left are dropped.
func (r *Relay) Deliver(recipient *session.Session, sig messaging.Signal) ([]byte, bool) {
	if !recipient.InRoomWith(sig.RoomID, sig.FromConn) {
		r.log.Debugw("stale relay dropped", "room", sig.RoomID, "conn", recipient.ConnID)
		return nil, false
	}
	return sig.Payload, true
}
