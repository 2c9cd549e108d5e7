package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for connection presence hashes.
	PresencePrefix = "ghosty:presence:"

	// PresenceTTL bounds how long a presence key outlives its last refresh.
	// The heartbeat refreshes well inside this window.
	PresenceTTL = 2 * time.Minute
)

// PresenceRecord is what other instances can learn about a connection.
type PresenceRecord struct {
	ConnID     string `redis:"conn_id"`
	SessionID  string `redis:"session_id"`
	Server     string `redis:"server"`     // which wsserver instance
	State      string `redis:"state"`      // idle | queued | matched
	RoomID     string `redis:"room_id"`    // empty unless matched
	CreatedAt  int64  `redis:"created_at"` // unix timestamp
	LastActive int64  `redis:"last_active"`
}

// Presence mirrors live connections into Redis so that the queue sweeper on
// any instance can detect entries whose connection died with its server.
type Presence struct {
	client     *redis.Client
	serverName string
}

// NewPresence creates a presence mirror on an existing Redis client.
func NewPresence(client *redis.Client, serverName string) *Presence {
	return &Presence{client: client, serverName: serverName}
}

// Dial connects to Redis and verifies the connection.
func Dial(redisAddr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create records a new idle connection.
func (p *Presence) Create(ctx context.Context, connID, sessionID string) error {
	key := PresencePrefix + connID
	now := time.Now().Unix()

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":     connID,
		"session_id":  sessionID,
		"server":      p.serverName,
		"state":       Idle.String(),
		"room_id":     "",
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (p *Presence) Get(ctx context.Context, connID string) (*PresenceRecord, error) {
	var rec PresenceRecord
	if err := p.client.HGetAll(ctx, PresencePrefix+connID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ConnID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Alive reports whether the connection's presence key still exists.
func (p *Presence) Alive(ctx context.Context, connID string) (bool, error) {
	n, err := p.client.Exists(ctx, PresencePrefix+connID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateState records the connection's state and refreshes the TTL.
func (p *Presence) UpdateState(ctx context.Context, connID string, state State, roomID string) error {
	key := PresencePrefix + connID
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, "state", state.String(), "room_id", roomID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the connection's TTL.
func (p *Presence) RefreshTTL(ctx context.Context, connID string) error {
	return p.client.Expire(ctx, PresencePrefix+connID, PresenceTTL).Err()
}

// Delete removes a connection's presence.
func (p *Presence) Delete(ctx context.Context, connID string) error {
	return p.client.Del(ctx, PresencePrefix+connID).Err()
}
