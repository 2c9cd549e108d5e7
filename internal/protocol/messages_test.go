package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send-message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","roomId":"room-1","message":"q8f0Zw==","iv":"AAECAwQF"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "room-1" {
		t.Errorf("expected roomId %q, got %q", "room-1", sm.RoomID)
	}
	if sm.Message != "q8f0Zw==" || sm.IV != "AAECAwQF" {
		t.Errorf("ciphertext or iv not preserved: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a report-user event with and without description
// ---------------------------------------------------------------------------

func TestParseClientMessage_ReportUser(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"report-user","reason":"Spam/Bot","description":"links"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rm := msg.(ReportUserMsg)
	if rm.Reason != "Spam/Bot" || rm.Description != "links" {
		t.Errorf("unexpected report payload: %+v", rm)
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"report-user","reason":"Other"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := msg.(ReportUserMsg).Description; d != "" {
		t.Errorf("expected empty description, got %q", d)
	}
}

// ---------------------------------------------------------------------------
// Test: Room events without a roomId are rejected at the boundary
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingFields(t *testing.T) {
	cases := map[string]string{
		"join-room without room":     `{"type":"join-room"}`,
		"send-message without room":  `{"type":"send-message","message":"x","iv":"y"}`,
		"send-message without iv":    `{"type":"send-message","roomId":"r","message":"x"}`,
		"typing without room":        `{"type":"typing","isTyping":true}`,
		"exchange-key without key":   `{"type":"exchange-key","roomId":"r"}`,
		"exchange-key without room":  `{"type":"exchange-key","key":"k"}`,
		"typing with wrong type":     `{"type":"typing","roomId":"r","isTyping":"yes"}`,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, msg, err := ParseClientMessage([]byte(input)); err == nil {
				t.Errorf("expected error, got %+v", msg)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a matched server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		RoomID:          "uuid-456",
		PartnerNickname: "ghost42",
		PartnerBio:      "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, m["type"])
	}
	if m["roomId"] != "uuid-456" {
		t.Errorf("expected roomId %q, got %v", "uuid-456", m["roomId"])
	}
	if m["partnerNickname"] != "ghost42" || m["partnerBio"] != "hi" {
		t.Errorf("partner fields not encoded: %v", m)
	}
}

func TestNewServerMessage_NoPayload(t *testing.T) {
	data, err := NewServerMessage(TypePartnerSkipped, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"partner-skipped"}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	if got := string(MustServerMessage(TypeQueueCooldown, QueueCooldownMsg{Remaining: 5})); got != `{"remaining":5,"type":"queue-cooldown"}` {
		t.Errorf("unexpected encoding: %s", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	for _, typ := range []string{"unknown_type", TypeMatched, TypePartnerLeft} {
		msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `"}`))
		if err == nil {
			t.Fatalf("expected an error for %q, got nil", typ)
		}
		if msg != nil {
			t.Errorf("expected nil message for %q, got %v", typ, msg)
		}
		if msgType != typ {
			t.Errorf("expected returned type %q, got %q", typ, msgType)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join-queue", `{"type":"join-queue"}`, TypeJoinQueue},
		{"leave-queue", `{"type":"leave-queue"}`, TypeLeaveQueue},
		{"join-room", `{"type":"join-room","roomId":"r"}`, TypeJoinRoom},
		{"send-message", `{"type":"send-message","roomId":"r","message":"m","iv":"i"}`, TypeSendMessage},
		{"typing", `{"type":"typing","roomId":"r","isTyping":true}`, TypeTyping},
		{"exchange-key", `{"type":"exchange-key","roomId":"r","key":"k"}`, TypeExchangeKey},
		{"report-user", `{"type":"report-user","reason":"Spam/Bot"}`, TypeReportUser},
		{"leave-chat", `{"type":"leave-chat"}`, TypeLeaveChat},
		{"next-match", `{"type":"next-match"}`, TypeNextMatch},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
