// Package protocol defines the WebSocket events exchanged between the client
// and server. Every frame is a JSON object with a "type" discriminator and
// the event payload alongside it. Only the events listed here are accepted.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinQueue   = "join-queue"
	TypeLeaveQueue  = "leave-queue"
	TypeJoinRoom    = "join-room"
	TypeSendMessage = "send-message"
	TypeTyping      = "typing"
	TypeExchangeKey = "exchange-key"
	TypeReportUser  = "report-user"
	TypeLeaveChat   = "leave-chat"
	TypeNextMatch   = "next-match"
	TypePing        = "ping"
)

// Server -> Client event types. exchange-key is used in both directions.
const (
	TypeQueueWaiting        = "queue-waiting"
	TypeQueueCooldown       = "queue-cooldown"
	TypeQueueError          = "queue-error"
	TypeMatched             = "matched"
	TypeReceiveMessage      = "receive-message"
	TypePartnerTyping       = "partner-typing"
	TypePartnerLeft         = "partner-left"
	TypePartnerSkipped      = "partner-skipped"
	TypePartnerDisconnected = "partner-disconnected"
	TypeReportSubmitted     = "report-submitted"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg asks to be paired. The matching attributes come from the
// caller's profile, not from the frame.
type JoinQueueMsg struct {
	Type string `json:"type"`
}

// LeaveQueueMsg withdraws from the queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// JoinRoomMsg confirms the client has entered the room it was matched into.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// SendMessageMsg carries an encrypted chat message. Message and IV are
// opaque to the server.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	IV      string `json:"iv"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ExchangeKeyMsg carries the sender's public key material.
type ExchangeKeyMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Key    string `json:"key"`
}

// ReportUserMsg reports the current partner.
type ReportUserMsg struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// LeaveChatMsg ends the current chat.
type LeaveChatMsg struct {
	Type string `json:"type"`
}

// NextMatchMsg skips the current partner and requeues after a short wait.
type NextMatchMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// EmptyMsg is the payload of events that carry nothing but their type.
type EmptyMsg struct{}

// QueueCooldownMsg tells the client when it may queue again.
type QueueCooldownMsg struct {
	Remaining int `json:"remaining"` // seconds
}

// QueueErrorMsg reports a non-fatal failure.
type QueueErrorMsg struct {
	Message string `json:"message"`
}

// MatchedMsg announces a new room and the partner's public profile.
type MatchedMsg struct {
	RoomID          string `json:"roomId"`
	PartnerNickname string `json:"partnerNickname"`
	PartnerBio      string `json:"partnerBio"`
}

// ReceiveMessageMsg is a relayed chat message.
type ReceiveMessageMsg struct {
	Message string `json:"message"`
	IV      string `json:"iv"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// KeyMsg relays the partner's public key material.
type KeyMsg struct {
	Key string `json:"key"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for
// unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireRoom(m.RoomID)
		}
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireRoom(m.RoomID)
		}
		if err == nil && (m.Message == "" || m.IV == "") {
			err = fmt.Errorf("message and iv are required")
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireRoom(m.RoomID)
		}
		msg = m
	case TypeExchangeKey:
		var m ExchangeKeyMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireRoom(m.RoomID)
		}
		if err == nil && m.Key == "" {
			err = fmt.Errorf("key is required")
		}
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextMatch:
		var m NextMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func requireRoom(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = EmptyMsg{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode,
// i.e. the structs in this package.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
