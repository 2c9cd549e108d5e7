package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps buckets and cooldowns in Redis so that several wsserver
// instances share one queue. Buckets are lists of session IDs; the entry
// payloads live in a single hash, and a second hash maps each queued session
// to the bucket holding it. Claim and Remove run as Lua scripts.
type RedisStore struct {
	rdb          *redis.Client
	claimScript  *redis.Script
	removeScript *redis.Script
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		claimScript:  redis.NewScript(claimLua),
		removeScript: redis.NewScript(removeLua),
	}
}

func cooldownKey(sessionID string) string {
	return keyCooldownPrefix + sessionID
}

func (s *RedisStore) SetCooldown(ctx context.Context, sessionID string, d time.Duration) error {
	if d <= 0 {
		return s.ClearCooldown(ctx, sessionID)
	}
	return s.rdb.Set(ctx, cooldownKey(sessionID), "1", d).Err()
}

func (s *RedisStore) CooldownRemaining(ctx context.Context, sessionID string) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, cooldownKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("matching: cooldown ttl: %w", err)
	}
	// go-redis reports missing keys and keys without expiry as negative values.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) ClearCooldown(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, cooldownKey(sessionID)).Err()
}

func (s *RedisStore) Claim(ctx context.Context, user *QueuedUser, order []Bucket, scanLimit int) (Result, error) {
	if err := user.Validate(); err != nil {
		return Result{}, err
	}
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}

	entry := *user
	if entry.PriorPartners == nil {
		entry.PriorPartners = []string{}
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return Result{}, fmt.Errorf("matching: encode entry: %w", err)
	}

	keys := make([]string, 0, 3+len(order))
	keys = append(keys, keyQueueEntries, keyQueueIndex, user.Bucket().Key())
	for _, b := range order {
		keys = append(keys, b.Key())
	}

	reply, err := s.claimScript.Run(ctx, s.rdb, keys,
		user.SessionID, string(raw), scanLimit, keyCooldownPrefix,
	).StringSlice()
	if err != nil {
		return Result{}, fmt.Errorf("matching: claim: %w", err)
	}
	if len(reply) == 0 {
		return Result{}, fmt.Errorf("matching: claim: empty reply")
	}

	switch reply[0] {
	case "enqueued":
		return Result{Outcome: Enqueued, Evicted: decodeEvicted(reply[1:])}, nil
	case "cooldown":
		ms, _ := strconv.ParseInt(reply[1], 10, 64)
		return Result{Outcome: CooldownRejected, Remaining: time.Duration(ms) * time.Millisecond}, nil
	case "matched":
		var partner QueuedUser
		if err := json.Unmarshal([]byte(reply[1]), &partner); err != nil {
			return Result{}, fmt.Errorf("matching: decode partner: %w", err)
		}
		return Result{Outcome: Matched, Partner: &partner, Evicted: decodeEvicted(reply[2:])}, nil
	}
	return Result{}, fmt.Errorf("matching: claim: unexpected reply %q", reply[0])
}

func decodeEvicted(raws []string) []QueuedUser {
	if len(raws) == 0 {
		return nil
	}
	out := make([]QueuedUser, 0, len(raws))
	for _, raw := range raws {
		var u QueuedUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (s *RedisStore) Remove(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.removeScript.Run(ctx, s.rdb, []string{keyQueueEntries, keyQueueIndex}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("matching: remove: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Bucket(ctx context.Context, b Bucket) ([]QueuedUser, error) {
	ids, err := s.rdb.LRange(ctx, b.Key(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []QueuedUser{}, nil
	}

	vals, err := s.rdb.HMGet(ctx, keyQueueEntries, ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]QueuedUser, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // orphaned list member, dropped on the next scan
		}
		var u QueuedUser
		if err := json.Unmarshal([]byte(str), &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *RedisStore) Entries(ctx context.Context) ([]QueuedUser, error) {
	all, err := s.rdb.HGetAll(ctx, keyQueueEntries).Result()
	if err != nil {
		return nil, err
	}

	out := make([]QueuedUser, 0, len(all))
	for _, raw := range all {
		var u QueuedUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	return s.rdb.HLen(ctx, keyQueueEntries).Result()
}

// claimLua performs the whole claim in one step.
//
//	KEYS[1]   entries hash
//	KEYS[2]   index hash
//	KEYS[3]   requester's own bucket
//	KEYS[4..] candidate buckets, highest priority first
//	ARGV      session id, entry JSON, scan limit, cooldown key prefix
//
// Replies {'cooldown', pttl}, {'matched', partnerJSON, evicted...} or
// {'enqueued', evicted...}, where each evicted element is the JSON entry of
// another connection taken out of the queue.
const claimLua = `
local entries = KEYS[1]
local index = KEYS[2]
local own = KEYS[3]
local sid = ARGV[1]
local raw = ARGV[2]
local limit = tonumber(ARGV[3])
local cdprefix = ARGV[4]

local ttl = redis.call('PTTL', cdprefix .. sid)
if ttl > 0 then
    return {'cooldown', tostring(ttl)}
end

local me = cjson.decode(raw)
local mine = {}
if type(me.prior_partners) == 'table' then
    for _, p in ipairs(me.prior_partners) do mine[p] = true end
end

local evicted = {}

local function foreign(craw)
    if not craw then return false end
    return cjson.decode(craw).conn_id ~= me.conn_id
end

local function purge(id)
    local b = redis.call('HGET', index, id)
    if b then
        redis.call('LREM', b, 0, id)
    end
    local old = redis.call('HGET', entries, id)
    if foreign(old) then
        table.insert(evicted, old)
    end
    redis.call('HDEL', index, id)
    redis.call('HDEL', entries, id)
end

local function partnered(cand)
    if mine[cand.session_id] then return true end
    if type(cand.prior_partners) == 'table' then
        for _, p in ipairs(cand.prior_partners) do
            if p == sid then return true end
        end
    end
    return false
end

for i = 4, #KEYS do
    local bucket = KEYS[i]
    local n = math.min(limit, redis.call('LLEN', bucket))
    for _ = 1, n do
        local cid = redis.call('LPOP', bucket)
        if not cid then break end

        local craw = redis.call('HGET', entries, cid)
        if cid == sid or not craw then
            if cid == sid and foreign(craw) then
                table.insert(evicted, craw)
            end
            redis.call('HDEL', index, cid)
            redis.call('HDEL', entries, cid)
        else
            local cand = cjson.decode(craw)
            if partnered(cand) then
                redis.call('RPUSH', bucket, cid)
            elseif redis.call('PTTL', cdprefix .. cid) > 0 then
                table.insert(evicted, craw)
                redis.call('HDEL', index, cid)
                redis.call('HDEL', entries, cid)
            else
                redis.call('HDEL', index, cid)
                redis.call('HDEL', entries, cid)
                purge(sid)
                redis.call('DEL', cdprefix .. sid, cdprefix .. cid)
                local reply = {'matched', craw}
                for _, e in ipairs(evicted) do table.insert(reply, e) end
                return reply
            end
        end
    end
end

purge(sid)
redis.call('HSET', entries, sid, raw)
redis.call('HSET', index, sid, own)
redis.call('RPUSH', own, sid)
local reply = {'enqueued'}
for _, e in ipairs(evicted) do table.insert(reply, e) end
return reply
`

// removeLua deletes a session's entry from whichever bucket holds it.
const removeLua = `
local entries = KEYS[1]
local index = KEYS[2]
local sid = ARGV[1]

local b = redis.call('HGET', index, sid)
if not b then return 0 end
redis.call('LREM', b, 0, sid)
redis.call('HDEL', index, sid)
redis.call('HDEL', entries, sid)
return 1
`
