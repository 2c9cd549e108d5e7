// Package chat owns rooms and the relay between their two members. The
// relay forwards opaque ciphertext, IVs, key material and typing signals;
// it never inspects or stores content.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RoomPrefix = "ghosty:room:"
	RoomTTL    = 6 * time.Hour
)

// Room is one pairing instance. It has exactly two members for its whole
// lifetime.
type Room struct {
	ID        string
	ConnA     string
	SessionA  string
	ConnB     string
	SessionB  string
	CreatedAt int64
}

// Partner returns the other member's connection ID.
func (r *Room) Partner(connID string) string {
	if connID == r.ConnA {
		return r.ConnB
	}
	if connID == r.ConnB {
		return r.ConnA
	}
	return ""
}

// IsMember checks if a connection is part of this room.
func (r *Room) IsMember(connID string) bool {
	return connID == r.ConnA || connID == r.ConnB
}

// Rooms records open rooms. Delete reports whether this call removed the
// room, so concurrent teardowns can tell which one won.
type Rooms interface {
	Create(ctx context.Context, room Room) error
	Get(ctx context.Context, roomID string) (*Room, error)
	Delete(ctx context.Context, roomID string) (bool, error)
}

// MemoryRooms keeps rooms in process memory.
type MemoryRooms struct {
	mu    sync.Mutex
	rooms map[string]Room
}

// NewMemoryRooms creates an empty room registry.
func NewMemoryRooms() *MemoryRooms {
	return &MemoryRooms{rooms: make(map[string]Room)}
}

func (m *MemoryRooms) Create(_ context.Context, room Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return fmt.Errorf("chat: room %s already exists", room.ID)
	}
	if room.CreatedAt == 0 {
		room.CreatedAt = time.Now().Unix()
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *MemoryRooms) Get(_ context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &room, nil
}

func (m *MemoryRooms) Delete(_ context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		return false, nil
	}
	delete(m.rooms, roomID)
	return true, nil
}

// Len returns the number of open rooms.
func (m *MemoryRooms) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// RedisRooms manages room records in Redis so any instance can look a room
// up by ID.
type RedisRooms struct {
	rdb *redis.Client
}

// NewRedisRooms creates a room registry backed by Redis.
func NewRedisRooms(rdb *redis.Client) *RedisRooms {
	return &RedisRooms{rdb: rdb}
}

// Create stores a new room. The TTL only guards against leaks from crashed
// instances; rooms are normally deleted on teardown.
func (s *RedisRooms) Create(ctx context.Context, room Room) error {
	key := RoomPrefix + room.ID
	if room.CreatedAt == 0 {
		room.CreatedAt = time.Now().Unix()
	}

	created, err := s.rdb.HSetNX(ctx, key, "conn_a", room.ConnA).Result()
	if err != nil {
		return fmt.Errorf("chat: create room: %w", err)
	}
	if !created {
		return fmt.Errorf("chat: room %s already exists", room.ID)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"session_a":  room.SessionA,
		"conn_b":     room.ConnB,
		"session_b":  room.SessionB,
		"created_at": room.CreatedAt,
	})
	pipe.Expire(ctx, key, RoomTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a room. Returns nil if not found.
func (s *RedisRooms) Get(ctx context.Context, roomID string) (*Room, error) {
	result, err := s.rdb.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	return &Room{
		ID:        roomID,
		ConnA:     result["conn_a"],
		SessionA:  result["session_a"],
		ConnB:     result["conn_b"],
		SessionB:  result["session_b"],
		CreatedAt: createdAt,
	}, nil
}

// Delete removes a room. Only the call that actually deleted the key
// returns true.
func (s *RedisRooms) Delete(ctx context.Context, roomID string) (bool, error) {
	n, err := s.rdb.Del(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return false, fmt.Errorf("chat: delete room: %w", err)
	}
	return n == 1, nil
}
