package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghosty/chat-app/internal/ban"
	"github.com/ghosty/chat-app/internal/chat"
	"github.com/ghosty/chat-app/internal/matching"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/report"
	"github.com/ghosty/chat-app/internal/session"
)

// recorder is a Sender that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]map[string]interface{})}
}

func (r *recorder) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames[connID]))
	for _, f := range r.frames[connID] {
		out = append(out, f["type"].(string))
	}
	return out
}

func (r *recorder) last(connID string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.frames[connID]
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}

func (r *recorder) find(connID, msgType string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames[connID] {
		if f["type"] == msgType {
			return f
		}
	}
	return nil
}

func (r *recorder) count(connID, msgType string) int {
	n := 0
	for _, t := range r.types(connID) {
		if t == msgType {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = make(map[string][]map[string]interface{})
	r.mu.Unlock()
}

type harness struct {
	o        *Orchestrator
	rec      *recorder
	store    *matching.MemoryStore
	profiles *profile.MemoryStore
	reports  *report.MemoryStore
	rooms    *chat.MemoryRooms
	bans     *ban.MemoryStore
	usage    *ratelimit.MemoryUsage
	sessions *session.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithBus(t, cfg, messaging.NewLocalBus())
}

func newHarnessWithBus(t *testing.T, cfg Config, bus messaging.Bus) *harness {
	t.Helper()

	store := matching.NewMemoryStore()
	sessions := session.NewRegistry()
	bans := ban.NewMemoryStore()
	h := &harness{
		rec:      newRecorder(),
		store:    store,
		profiles: profile.NewMemoryStore(),
		reports:  report.NewMemoryStore(),
		rooms:    chat.NewMemoryRooms(),
		bans:     bans,
		usage:    ratelimit.NewMemoryUsage(5),
		sessions: sessions,
	}
	h.o = New(cfg, Deps{
		Matcher:  matching.NewMatcher(store, matching.MatcherConfig{ScanLimit: 5, Cooldown: cfg.BaseCooldown}),
		Sessions: sessions,
		Rooms:    h.rooms,
		Relay:    chat.NewRelay(sessions, bus),
		Bus:      bus,
		Profiles: h.profiles,
		Reports:  report.NewHandler(h.reports, bans, 3),
		Bans:     bans,
		Usage:    h.usage,
		Sender:   h.rec,
	})
	return h
}

func testConfig() Config {
	return Config{BaseCooldown: 30 * time.Second, SkipCooldown: 5 * time.Second}
}

// connect creates a verified profile and opens a connection for it. The
// connection ID doubles as the device ID; the session ID is returned.
func (h *harness) connect(t *testing.T, connID string, g matching.Gender, p matching.Preference) string {
	t.Helper()
	ctx := context.Background()
	prof, err := h.profiles.Upsert(ctx, connID)
	require.NoError(t, err)
	require.NoError(t, h.profiles.MarkVerified(ctx, prof.ID, g, "hash-"+connID))
	require.NoError(t, h.profiles.Update(ctx, prof.ID, profile.Update{
		Nickname:   "nick-" + connID,
		Bio:        "bio of " + connID,
		Preference: string(p),
	}))
	require.NoError(t, h.o.Open(ctx, connID, prof.ID))
	return prof.ID
}

func (h *harness) match(t *testing.T, connID string) (session.ActiveMatch, bool) {
	t.Helper()
	sess := h.sessions.Get(connID)
	require.NotNil(t, sess)
	return sess.Match()
}

func (h *harness) pair(t *testing.T) (string, string, string) {
	t.Helper()
	ctx := context.Background()
	h.connect(t, "a", matching.Male, matching.PreferFemale)
	h.connect(t, "b", matching.Female, matching.PreferMale)
	h.o.JoinQueue(ctx, "a")
	h.o.JoinQueue(ctx, "b")
	m, ok := h.match(t, "a")
	require.True(t, ok)
	h.rec.reset()
	return "a", "b", m.RoomID
}

func TestScenario_BasicPairing(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	sidA := h.connect(t, "a", matching.Male, matching.PreferFemale)
	sidB := h.connect(t, "b", matching.Female, matching.PreferMale)

	h.o.JoinQueue(ctx, "a")
	assert.Equal(t, []string{protocol.TypeQueueWaiting}, h.rec.types("a"))

	h.o.JoinQueue(ctx, "b")

	ma := h.rec.find("a", protocol.TypeMatched)
	mb := h.rec.find("b", protocol.TypeMatched)
	require.NotNil(t, ma)
	require.NotNil(t, mb)
	assert.Equal(t, ma["roomId"], mb["roomId"])
	assert.Equal(t, "nick-b", ma["partnerNickname"])
	assert.Equal(t, "bio of b", ma["partnerBio"])
	assert.Equal(t, "nick-a", mb["partnerNickname"])
	assert.Equal(t, "bio of a", mb["partnerBio"])

	pa, err := h.profiles.Get(ctx, sidA)
	require.NoError(t, err)
	pb, err := h.profiles.Get(ctx, sidB)
	require.NoError(t, err)
	assert.Contains(t, pa.PriorPartners, sidB)
	assert.Contains(t, pb.PriorPartners, sidA)

	matchA, ok := h.match(t, "a")
	require.True(t, ok)
	assert.Equal(t, "b", matchA.PartnerConnID)
	assert.Equal(t, sidB, matchA.PartnerSessionID)
	assert.Equal(t, 1, h.rooms.Len())

	size, _ := h.store.Size(ctx)
	assert.Zero(t, size)
}

func TestScenario_AnyPreferencePriority(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	sidC := h.connect(t, "c", matching.Male, matching.PreferAny)
	sidE := h.connect(t, "e", matching.Female, matching.PreferAny)
	h.connect(t, "d", matching.Female, matching.PreferMale)

	// C and E have met before, so both stay queued.
	require.NoError(t, h.profiles.RecordPartners(ctx, sidC, sidE))
	h.o.JoinQueue(ctx, "e")
	h.o.JoinQueue(ctx, "c")
	assert.Equal(t, session.Queued, h.sessions.Get("c").State())
	assert.Equal(t, session.Queued, h.sessions.Get("e").State())

	h.o.JoinQueue(ctx, "d")

	m, ok := h.match(t, "d")
	require.True(t, ok)
	assert.Equal(t, "c", m.PartnerConnID)
	assert.Equal(t, session.Queued, h.sessions.Get("e").State())
}

func TestScenario_ReportTeardown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, roomID := h.pair(t)

	h.o.Report(ctx, a, "Harassment", "rude")

	assert.Equal(t, []string{protocol.TypeReportSubmitted, protocol.TypePartnerDisconnected}, h.rec.types(a))
	assert.Equal(t, []string{protocol.TypePartnerDisconnected}, h.rec.types(b))
	assert.Equal(t, session.Idle, h.sessions.Get(a).State())
	assert.Equal(t, session.Idle, h.sessions.Get(b).State())
	assert.Zero(t, h.rooms.Len())

	reports := h.reports.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, roomID, reports[0].RoomID)
	assert.Equal(t, "Harassment", reports[0].Reason)

	// Both sides wait out the base cooldown.
	h.rec.reset()
	h.o.JoinQueue(ctx, a)
	h.o.JoinQueue(ctx, b)
	assert.Equal(t, protocol.TypeQueueCooldown, h.rec.last(a)["type"])
	assert.Equal(t, protocol.TypeQueueCooldown, h.rec.last(b)["type"])
}

func TestReport_Rejections(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, _ := h.pair(t)

	h.o.Report(ctx, a, "Bad Vibes", "")
	assert.Equal(t, msgInvalidReason, h.rec.last(a)["message"])

	// A duplicate can only happen when the first report did not close the
	// room, so seed one directly.
	m, _ := h.match(t, a)
	_, err := h.reports.Submit(ctx, report.Report{
		ReporterSessionID: h.sessions.Get(a).SessionID,
		ReportedSessionID: m.PartnerSessionID,
		RoomID:            m.RoomID,
		Reason:            "Other",
	}, 3)
	require.NoError(t, err)

	h.o.Report(ctx, a, "Other", "")
	assert.Equal(t, report.Duplicate.Message(), h.rec.last(a)["message"])

	// The room is unaffected and the partner heard nothing.
	_, ok := h.match(t, a)
	assert.True(t, ok)
	assert.Empty(t, h.rec.types(b))
}

func TestReport_NotMatched(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t, "a", matching.Male, matching.PreferAny)

	h.o.Report(context.Background(), "a", "Other", "")
	assert.Equal(t, msgNotMatched, h.rec.last("a")["message"])
}

func TestScenario_SkipCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRequeue = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	a, b, _ := h.pair(t)

	h.o.NextMatch(ctx, a)

	assert.Equal(t, []string{protocol.TypePartnerSkipped}, h.rec.types(b))
	cd := h.rec.last(a)
	require.NotNil(t, cd)
	assert.Equal(t, protocol.TypeQueueCooldown, cd["type"])
	assert.Equal(t, float64(5), cd["remaining"])

	h.o.JoinQueue(ctx, a)
	assert.Equal(t, protocol.TypeQueueCooldown, h.rec.last(a)["type"])
	assert.Equal(t, session.Idle, h.sessions.Get(a).State())

	// The skipped side may queue again right away.
	h.o.JoinQueue(ctx, b)
	assert.Equal(t, protocol.TypeQueueWaiting, h.rec.last(b)["type"])
}

func TestNextMatch_AutoRequeue(t *testing.T) {
	cfg := testConfig()
	cfg.SkipCooldown = 50 * time.Millisecond
	cfg.AutoRequeue = true
	h := newHarness(t, cfg)
	a, _, _ := h.pair(t)

	h.o.NextMatch(context.Background(), a)

	require.Eventually(t, func() bool {
		return h.rec.count(a, protocol.TypeQueueWaiting) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, session.Queued, h.sessions.Get(a).State())
}

func TestNextMatch_ClientJoinWins(t *testing.T) {
	cfg := testConfig()
	cfg.SkipCooldown = 50 * time.Millisecond
	cfg.AutoRequeue = true
	h := newHarness(t, cfg)
	ctx := context.Background()
	a, _, _ := h.pair(t)

	h.o.NextMatch(ctx, a)
	time.Sleep(60 * time.Millisecond)
	h.o.JoinQueue(ctx, a)
	require.Equal(t, session.Queued, h.sessions.Get(a).State())

	time.Sleep(cfg.SkipCooldown + requeueSlack + 50*time.Millisecond)
	assert.Equal(t, 1, h.rec.count(a, protocol.TypeQueueWaiting))
}

func TestTeardownIdempotence(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, _ := h.pair(t)

	h.o.LeaveChat(ctx, a)
	h.o.Disconnect(ctx, a)
	h.o.LeaveChat(ctx, a)

	assert.Equal(t, []string{protocol.TypePartnerLeft}, h.rec.types(b))
	assert.Zero(t, h.rooms.Len())
	assert.Equal(t, session.Idle, h.sessions.Get(b).State())
}

func TestTeardownIdempotence_Concurrent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, _ := h.pair(t)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.o.LeaveChat(ctx, a) }()
	go func() { defer wg.Done(); h.o.NextMatch(ctx, a) }()
	go func() { defer wg.Done(); h.o.Disconnect(ctx, b) }()
	wg.Wait()

	notices := 0
	for _, typ := range []string{protocol.TypePartnerLeft, protocol.TypePartnerSkipped, protocol.TypePartnerDisconnected} {
		notices += h.rec.count(a, typ) + h.rec.count(b, typ)
	}
	assert.LessOrEqual(t, notices, 1)
	assert.Zero(t, h.rooms.Len())
	assert.Equal(t, session.Idle, h.sessions.Get(a).State())
}

func TestDisconnect_WhileQueued(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	sid := h.connect(t, "a", matching.Male, matching.PreferAny)

	before, _ := h.store.Entries(ctx)
	h.o.JoinQueue(ctx, "a")
	h.o.Disconnect(ctx, "a")

	after, _ := h.store.Entries(ctx)
	assert.Equal(t, before, after)
	remaining, _ := h.store.CooldownRemaining(ctx, sid)
	assert.Greater(t, remaining, time.Duration(0))
	assert.Nil(t, h.sessions.Get("a"))
}

func TestDisconnect_WhileMatched(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, _ := h.pair(t)

	h.o.Disconnect(ctx, a)
	assert.Equal(t, []string{protocol.TypePartnerLeft}, h.rec.types(b))
	assert.Zero(t, h.rooms.Len())

	h.o.JoinQueue(ctx, b)
	assert.Equal(t, protocol.TypeQueueWaiting, h.rec.last(b)["type"])
}

func TestLeaveQueue_RoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	// x waits in a bucket a never searches.
	h.connect(t, "x", matching.Male, matching.PreferMale)
	h.o.JoinQueue(ctx, "x")

	before, _ := h.store.Entries(ctx)
	h.connect(t, "a", matching.Female, matching.PreferAny)
	h.o.JoinQueue(ctx, "a")
	h.o.LeaveQueue(ctx, "a")
	after, _ := h.store.Entries(ctx)

	assert.Equal(t, before, after)
	assert.Equal(t, session.Idle, h.sessions.Get("a").State())

	h.o.JoinQueue(ctx, "a")
	assert.Equal(t, protocol.TypeQueueCooldown, h.rec.last("a")["type"])
}

func TestJoinQueue_Preconditions(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	t.Run("unverified", func(t *testing.T) {
		prof, err := h.profiles.Upsert(ctx, "u")
		require.NoError(t, err)
		require.NoError(t, h.o.Open(ctx, "u", prof.ID))
		h.o.JoinQueue(ctx, "u")
		assert.Equal(t, msgVerification, h.rec.last("u")["message"])
	})

	t.Run("unknown session", func(t *testing.T) {
		require.NoError(t, h.o.Open(ctx, "ghost", "no-such-session"))
		h.o.JoinQueue(ctx, "ghost")
		assert.Equal(t, msgSessionNotFound, h.rec.last("ghost")["message"])
	})

	t.Run("daily filter limit", func(t *testing.T) {
		sid := h.connect(t, "f", matching.Female, matching.PreferMale)
		for i := 0; i < 5; i++ {
			require.NoError(t, h.usage.Increment(ctx, sid))
		}
		h.o.JoinQueue(ctx, "f")
		assert.Equal(t, msgDailyLimit, h.rec.last("f")["message"])
	})

	t.Run("any preference ignores the filter limit", func(t *testing.T) {
		sid := h.connect(t, "g", matching.Female, matching.PreferAny)
		for i := 0; i < 5; i++ {
			require.NoError(t, h.usage.Increment(ctx, sid))
		}
		h.o.JoinQueue(ctx, "g")
		assert.Equal(t, protocol.TypeQueueWaiting, h.rec.last("g")["type"])
	})

	t.Run("banned", func(t *testing.T) {
		sid := h.connect(t, "banned", matching.Male, matching.PreferMale)
		require.NoError(t, h.bans.Ban(ctx, sid, ban.Ban15Min, "test"))
		h.o.JoinQueue(ctx, "banned")
		assert.Contains(t, h.rec.last("banned")["message"], "banned")
	})
}

func TestJoinQueue_UsageIncrementedForFilters(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	sidA := h.connect(t, "a", matching.Male, matching.PreferFemale)
	sidB := h.connect(t, "b", matching.Female, matching.PreferAny)

	h.o.JoinQueue(ctx, "b")
	h.o.JoinQueue(ctx, "a")
	_, ok := h.match(t, "a")
	require.True(t, ok)

	okA, _ := h.usage.Check(ctx, sidA)
	okB, _ := h.usage.Check(ctx, sidB)
	assert.True(t, okA)
	assert.True(t, okB)

	// Four more filtered matches exhaust A's allowance of five.
	for i := 0; i < 4; i++ {
		require.NoError(t, h.usage.Increment(ctx, sidA))
	}
	okA, _ = h.usage.Check(ctx, sidA)
	okB, _ = h.usage.Check(ctx, sidB)
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestJoinQueue_SkipsStalePartner(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	// An entry whose connection no longer exists anywhere.
	_, err := h.o.Matcher.TryMatchOrEnqueue(ctx, &matching.QueuedUser{
		ConnID:     "gone",
		SessionID:  "gone-session",
		Gender:     matching.Female,
		Preference: matching.PreferMale,
	})
	require.NoError(t, err)

	h.connect(t, "a", matching.Male, matching.PreferFemale)
	h.o.JoinQueue(ctx, "a")

	assert.Equal(t, []string{protocol.TypeQueueWaiting}, h.rec.types("a"))
	entries, _ := h.store.Entries(ctx)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ConnID)
	assert.Zero(t, h.rooms.Len())
}

func TestJoinQueue_AlreadyQueuedOrMatched(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _, _ := h.pair(t)

	h.o.JoinQueue(ctx, a)
	assert.Equal(t, msgAlreadyMatched, h.rec.last(a)["message"])

	h.connect(t, "q", matching.Male, matching.PreferMale)
	h.o.JoinQueue(ctx, "q")
	h.o.JoinQueue(ctx, "q")
	assert.Equal(t, 2, h.rec.count("q", protocol.TypeQueueWaiting))
	entries, _ := h.store.Entries(ctx)
	assert.Len(t, entries, 1)
}

func TestRelay_ThroughOrchestrator(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b, roomID := h.pair(t)

	h.o.JoinRoom(ctx, a, roomID)
	assert.True(t, h.sessions.Get(a).Joined())

	h.o.ExchangeKey(ctx, a, roomID, "pubkey-a")
	h.o.SendMessage(ctx, a, roomID, "Y2lwaGVy", "aXY=")
	h.o.Typing(ctx, b, roomID, true)

	assert.Equal(t, []string{protocol.TypeExchangeKey, protocol.TypeReceiveMessage}, h.rec.types(b))
	assert.Equal(t, "pubkey-a", h.rec.find(b, protocol.TypeExchangeKey)["key"])
	msg := h.rec.find(b, protocol.TypeReceiveMessage)
	assert.Equal(t, "Y2lwaGVy", msg["message"])
	assert.Equal(t, "aXY=", msg["iv"])
	assert.Equal(t, true, h.rec.find(a, protocol.TypePartnerTyping)["isTyping"])

	// An outsider naming the room is dropped without a reply.
	h.connect(t, "x", matching.Male, matching.PreferAny)
	h.o.SendMessage(ctx, "x", roomID, "Y2lwaGVy", "aXY=")
	assert.Empty(t, h.rec.types("x"))
	assert.Equal(t, 1, h.rec.count(b, protocol.TypeReceiveMessage))

	// A wrong room id for join-room is an error.
	h.o.JoinRoom(ctx, "x", roomID)
	assert.Equal(t, msgInvalidRoom, h.rec.last("x")["message"])
}

func TestNoDoubleMatch_Concurrent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	const n = 40
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("c%02d", i)
		g, p := matching.Male, matching.PreferFemale
		switch i % 4 {
		case 1:
			g, p = matching.Female, matching.PreferMale
		case 2:
			g, p = matching.Male, matching.PreferAny
		case 3:
			g, p = matching.Female, matching.PreferAny
		}
		h.connect(t, ids[i], g, p)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.o.JoinQueue(ctx, id)
		}(id)
	}
	wg.Wait()

	rooms := make(map[string][]string)
	for _, id := range ids {
		sess := h.sessions.Get(id)
		m, ok := sess.Match()
		if !ok {
			continue
		}
		rooms[m.RoomID] = append(rooms[m.RoomID], id)

		partner, ok := h.sessions.Get(m.PartnerConnID).Match()
		require.True(t, ok, "partner of %s is not matched", id)
		assert.Equal(t, m.RoomID, partner.RoomID)
		assert.Equal(t, id, partner.PartnerConnID)
	}
	for roomID, members := range rooms {
		assert.Len(t, members, 2, "room %s", roomID)
	}
	assert.Equal(t, len(rooms), h.rooms.Len())
}

// timeoutBus fails the first n requests with a deadline error. When deliver
// is set the request still reaches the recipient first, as a reply lost in
// transit would.
type timeoutBus struct {
	messaging.Bus
	deliver bool
	n       int32
}

func (b *timeoutBus) Request(ctx context.Context, connID string, sig messaging.Signal) (bool, error) {
	if atomic.AddInt32(&b.n, -1) >= 0 {
		if b.deliver {
			_, _ = b.Bus.Request(ctx, connID, sig)
		}
		return false, context.DeadlineExceeded
	}
	return b.Bus.Request(ctx, connID, sig)
}

func TestHandoff_RequestTimeoutRequeuesPartner(t *testing.T) {
	h := newHarnessWithBus(t, testConfig(), &timeoutBus{Bus: messaging.NewLocalBus(), n: 1})
	ctx := context.Background()

	h.connect(t, "a", matching.Female, matching.PreferAny)
	h.connect(t, "b", matching.Male, matching.PreferAny)

	h.o.JoinQueue(ctx, "a")
	h.o.JoinQueue(ctx, "b")

	// The first handoff timed out; a went back into its bucket and the retry
	// paired the two.
	ma, ok := h.match(t, "a")
	require.True(t, ok)
	mb, ok := h.match(t, "b")
	require.True(t, ok)
	assert.Equal(t, ma.RoomID, mb.RoomID)
	assert.Equal(t, 1, h.rooms.Len())

	room, err := h.rooms.Get(ctx, ma.RoomID)
	require.NoError(t, err)
	require.NotNil(t, room)

	assert.Equal(t, 1, h.rec.count("a", protocol.TypeMatched))
	assert.Equal(t, 1, h.rec.count("b", protocol.TypeMatched))
	size, _ := h.store.Size(ctx)
	assert.Zero(t, size)
}

func TestHandoff_LateAcceptIsTornDown(t *testing.T) {
	h := newHarnessWithBus(t, testConfig(), &timeoutBus{Bus: messaging.NewLocalBus(), deliver: true, n: 1})
	ctx := context.Background()

	h.connect(t, "a", matching.Female, matching.PreferAny)
	h.connect(t, "b", matching.Male, matching.PreferAny)

	h.o.JoinQueue(ctx, "a")
	h.o.JoinQueue(ctx, "b")

	// a accepted a room b never heard back about; the cancel closed it.
	assert.Equal(t, []string{protocol.TypeQueueWaiting, protocol.TypeMatched, protocol.TypePartnerLeft}, h.rec.types("a"))
	assert.Equal(t, session.Idle, h.sessions.Get("a").State())
	assert.Equal(t, session.Queued, h.sessions.Get("b").State())
	assert.Zero(t, h.rooms.Len())

	// a can queue again and meets b.
	h.o.JoinQueue(ctx, "a")
	ma, ok := h.match(t, "a")
	require.True(t, ok)
	assert.Equal(t, "b", ma.PartnerConnID)
	assert.Equal(t, 1, h.rooms.Len())
}

func TestHandoff_RepeatedTimeoutsLeavePartnerQueued(t *testing.T) {
	h := newHarnessWithBus(t, testConfig(), &timeoutBus{Bus: messaging.NewLocalBus(), n: maxHandoffAttempts})
	ctx := context.Background()

	h.connect(t, "a", matching.Female, matching.PreferAny)
	h.connect(t, "b", matching.Male, matching.PreferAny)

	h.o.JoinQueue(ctx, "a")
	h.o.JoinQueue(ctx, "b")

	assert.Equal(t, msgInternal, h.rec.last("b")["message"])
	assert.Equal(t, session.Idle, h.sessions.Get("b").State())
	assert.Equal(t, session.Queued, h.sessions.Get("a").State())

	entries, _ := h.store.Entries(ctx)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ConnID)
	assert.Zero(t, h.rooms.Len())
}

func TestQueue_CoolingEntryEvictedNotifiesHolder(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	sidA := h.connect(t, "a", matching.Female, matching.PreferMale)
	h.connect(t, "b", matching.Male, matching.PreferFemale)

	h.o.JoinQueue(ctx, "a")
	require.NoError(t, h.store.SetCooldown(ctx, sidA, 30*time.Second))

	h.o.JoinQueue(ctx, "b")

	assert.Equal(t, []string{protocol.TypeQueueWaiting}, h.rec.types("b"))
	last := h.rec.last("a")
	require.NotNil(t, last)
	assert.Equal(t, protocol.TypeQueueCooldown, last["type"])
	assert.InDelta(t, 30, last["remaining"], 1)
	assert.Equal(t, session.Idle, h.sessions.Get("a").State())
	assert.Equal(t, session.Queued, h.sessions.Get("b").State())
}

func TestQueue_SecondConnectionReplacesEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	sid := h.connect(t, "a", matching.Male, matching.PreferAny)
	require.NoError(t, h.o.Open(ctx, "a2", sid))

	h.o.JoinQueue(ctx, "a")
	h.o.JoinQueue(ctx, "a2")

	last := h.rec.last("a")
	require.NotNil(t, last)
	assert.Equal(t, protocol.TypeQueueError, last["type"])
	assert.Equal(t, msgQueuedElsewhere, last["message"])
	assert.Equal(t, session.Idle, h.sessions.Get("a").State())
	assert.Equal(t, session.Queued, h.sessions.Get("a2").State())

	users, err := h.store.Bucket(ctx, matching.Bucket{Gender: matching.Male, Wants: matching.PreferAny})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "a2", users[0].ConnID)
}
