// Package messaging carries signals between connections. Every connection
// subscribes under its own ID; peers publish to that ID without knowing
// which server instance holds the socket. NATSBus spans instances, LocalBus
// serves a single process and tests.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
)

// Signal kinds exchanged between the two sides of a pairing.
const (
	// KindMatch proposes a room to a queued connection. Sent as a request;
	// the recipient acks only if it is still waiting.
	KindMatch = "match"

	// KindMatchCancelled withdraws a match request whose outcome the sender
	// could not learn. A recipient that accepted leaves the room; one still
	// waiting goes back into its bucket.
	KindMatchCancelled = "match-cancelled"

	// KindQueueEvicted tells a queued connection that its entry was taken
	// out of the queue by another session's claim.
	KindQueueEvicted = "queue-evicted"

	// KindPeerLeft, KindPeerSkipped and KindPeerReported tear the
	// recipient's side of a room down.
	KindPeerLeft     = "peer-left"
	KindPeerSkipped  = "peer-skipped"
	KindPeerReported = "peer-reported"

	// KindRelay carries a ready-to-send frame for the recipient's socket.
	KindRelay = "relay"
)

// ErrNoSubscriber is returned by Request when nobody listens on the target.
var ErrNoSubscriber = errors.New("messaging: no subscriber")

// Signal is the unit of cross-connection delivery.
type Signal struct {
	Kind        string          `json:"kind"`
	FromConn    string          `json:"from_conn"`
	FromSession string          `json:"from_session"`
	RoomID      string          `json:"room_id,omitempty"`
	Nickname    string          `json:"nickname,omitempty"`
	Bio         string          `json:"bio,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Handler processes a signal addressed to one connection. The return value
// is the ack sent back for requests and ignored for plain publishes.
type Handler func(ctx context.Context, sig Signal) bool

// Bus delivers signals addressed by connection ID.
type Bus interface {
	Subscribe(connID string, h Handler) error
	Unsubscribe(connID string) error
	Publish(ctx context.Context, connID string, sig Signal) error
	Request(ctx context.Context, connID string, sig Signal) (bool, error)
	Close() error
}
