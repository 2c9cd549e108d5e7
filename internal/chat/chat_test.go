package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair registers two matched sessions in room r1 and returns a relay plus a
// channel of frames delivered to c2.
func pair(t *testing.T) (*Relay, *session.Registry, chan []byte) {
	t.Helper()
	reg := session.NewRegistry()
	bus := messaging.NewLocalBus()
	relay := NewRelay(reg, bus)

	a := session.New("c1", "s1")
	b := session.New("c2", "s2")
	a.SetMatched(session.ActiveMatch{RoomID: "r1", PartnerConnID: "c2", PartnerSessionID: "s2"})
	b.SetMatched(session.ActiveMatch{RoomID: "r1", PartnerConnID: "c1", PartnerSessionID: "s1"})
	reg.Add(a)
	reg.Add(b)

	out := make(chan []byte, 8)
	require.NoError(t, bus.Subscribe("c2", func(_ context.Context, sig messaging.Signal) bool {
		if frame, ok := relay.Deliver(b, sig); ok {
			out <- frame
		}
		return true
	}))
	return relay, reg, out
}

func decode(t *testing.T, frame []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &m))
	return m
}

func TestRelay_ForwardsToPartner(t *testing.T) {
	relay, _, out := pair(t)
	ctx := context.Background()

	require.NoError(t, relay.RelayMessage(ctx, "r1", "c1", "Y2lwaGVy", "aXY="))
	require.NoError(t, relay.RelayTyping(ctx, "r1", "c1", true))
	require.NoError(t, relay.RelayKeyExchange(ctx, "r1", "c1", `{"kty":"EC"}`))

	msg := decode(t, <-out)
	assert.Equal(t, "receive-message", msg["type"])
	assert.Equal(t, "Y2lwaGVy", msg["message"])
	assert.Equal(t, "aXY=", msg["iv"])

	typing := decode(t, <-out)
	assert.Equal(t, "partner-typing", typing["type"])
	assert.Equal(t, true, typing["isTyping"])

	key := decode(t, <-out)
	assert.Equal(t, "exchange-key", key["type"])
	assert.Equal(t, `{"kty":"EC"}`, key["key"])
}

func TestRelay_RejectsNonMembers(t *testing.T) {
	relay, reg, out := pair(t)
	ctx := context.Background()

	reg.Add(session.New("c3", "s3"))
	assert.ErrorIs(t, relay.RelayMessage(ctx, "r1", "c3", "x", "y"), ErrNotInRoom)
	assert.ErrorIs(t, relay.RelayTyping(ctx, "r1", "unknown", true), ErrNotInRoom)
	assert.ErrorIs(t, relay.RelayTyping(ctx, "other-room", "c1", true), ErrNotInRoom)

	// Sender left the room.
	reg.Get("c1").TakeMatch()
	assert.ErrorIs(t, relay.RelayKeyExchange(ctx, "r1", "c1", "k"), ErrNotInRoom)

	assert.Empty(t, out)
}

func TestRelay_DropsAfterRecipientLeft(t *testing.T) {
	relay, reg, out := pair(t)
	reg.Get("c2").TakeMatch()

	require.NoError(t, relay.RelayTyping(context.Background(), "r1", "c1", false))
	assert.Empty(t, out)
}

func TestRelay_PayloadLimits(t *testing.T) {
	relay, _, _ := pair(t)
	ctx := context.Background()

	assert.ErrorIs(t, relay.RelayMessage(ctx, "r1", "c1", "", "iv"), ErrInvalidPayload)
	assert.ErrorIs(t, relay.RelayMessage(ctx, "r1", "c1", strings.Repeat("a", MaxCiphertextBytes+1), "iv"), ErrInvalidPayload)
	assert.ErrorIs(t, relay.RelayKeyExchange(ctx, "r1", "c1", strings.Repeat("k", MaxKeyBytes+1)), ErrInvalidPayload)
}

func roomsContract(t *testing.T, rooms Rooms) {
	ctx := context.Background()
	room := Room{ID: "test-room-1", ConnA: "c1", SessionA: "s1", ConnB: "c2", SessionB: "s2"}

	require.NoError(t, rooms.Create(ctx, room))
	assert.Error(t, rooms.Create(ctx, room))

	got, err := rooms.Get(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.Partner("c1"))
	assert.Equal(t, "c1", got.Partner("c2"))
	assert.Equal(t, "", got.Partner("c9"))
	assert.True(t, got.IsMember("c2"))
	assert.NotZero(t, got.CreatedAt)

	first, err := rooms.Delete(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := rooms.Delete(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, second)

	got, err = rooms.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryRooms(t *testing.T) {
	rooms := NewMemoryRooms()
	roomsContract(t, rooms)
	assert.Zero(t, rooms.Len())
}

func TestRedisRooms(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, RoomPrefix+"test-room-1")
		client.Close()
	})

	roomsContract(t, NewRedisRooms(client))
}
