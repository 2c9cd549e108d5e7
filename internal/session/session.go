// Package session tracks per-connection state. Each WebSocket connection owns
// one Session record holding its state (idle, queued or matched) and, when
// matched, a handle on the active room. A Redis presence mirror lets other
// instances tell whether a connection still exists.
package session

import (
	"sync"
	"time"

	"github.com/ghosty/chat-app/internal/matching"
)

// State is the lifecycle state of a connection.
type State int

const (
	Idle State = iota
	Queued
	Matched
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Matched:
		return "matched"
	}
	return "unknown"
}

// ActiveMatch is this side's handle on a room.
type ActiveMatch struct {
	RoomID           string
	PartnerConnID    string
	PartnerSessionID string
}

// Session is the state owned by one connection. All methods are safe for
// concurrent use; every state change happens under the record's mutex.
type Session struct {
	ConnID    string
	SessionID string
	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	queued  *matching.QueuedUser
	match   *ActiveMatch
	joined  bool // client confirmed join-room for the active match
	closed  bool
	requeue *time.Timer
}

// New creates an idle session record.
func New(connID, sessionID string) *Session {
	return &Session{
		ConnID:    connID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the connection has gone away.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Match returns a copy of the active match, if any.
func (s *Session) Match() (ActiveMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil {
		return ActiveMatch{}, false
	}
	return *s.match, true
}

// InRoom reports whether roomID is this session's active room.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match != nil && s.match.RoomID == roomID
}

// InRoomWith reports whether the active room is roomID and its partner is
// the given connection.
func (s *Session) InRoomWith(roomID, partnerConnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match != nil && s.match.RoomID == roomID && s.match.PartnerConnID == partnerConnID
}

// Queued returns a copy of the entry this session is waiting with.
func (s *Session) Queued() (matching.QueuedUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Queued || s.queued == nil {
		return matching.QueuedUser{}, false
	}
	return *s.queued, true
}

// BeginQueue moves an idle session to Queued. It fails if the session is
// closed or already queued or matched.
func (s *Session) BeginQueue(u matching.QueuedUser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != Idle {
		return false
	}
	s.state = Queued
	s.queued = &u
	return true
}

// LeaveQueue moves a queued session back to Idle and reports whether it was
// queued.
func (s *Session) LeaveQueue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Queued {
		return false
	}
	s.state = Idle
	s.queued = nil
	return true
}

// AcceptMatch moves a queued session to Matched. It is the recipient side of
// a pairing and refuses when the session is no longer waiting.
func (s *Session) AcceptMatch(m ActiveMatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != Queued {
		return false
	}
	s.setMatchLocked(m)
	return true
}

// SetMatched moves the session to Matched after it claimed a partner
// itself. It fails only if the session closed meanwhile.
func (s *Session) SetMatched(m ActiveMatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == Matched {
		return false
	}
	s.setMatchLocked(m)
	return true
}

func (s *Session) setMatchLocked(m ActiveMatch) {
	s.state = Matched
	s.queued = nil
	s.joined = false
	s.match = &m
}

// TakeMatch clears the active match and returns it. Only the first caller
// gets the match; later callers get false, so teardown runs once however
// many triggers race for it.
func (s *Session) TakeMatch() (ActiveMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil {
		return ActiveMatch{}, false
	}
	m := *s.match
	s.match = nil
	s.joined = false
	s.state = Idle
	return m, true
}

// TakeMatchIn is TakeMatch restricted to a specific room and partner, so a
// late signal about an old room cannot tear down a newer one.
func (s *Session) TakeMatchIn(roomID, partnerConnID string) (ActiveMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil || s.match.RoomID != roomID || s.match.PartnerConnID != partnerConnID {
		return ActiveMatch{}, false
	}
	m := *s.match
	s.match = nil
	s.joined = false
	s.state = Idle
	return m, true
}

// JoinRoom records that the client entered roomID. It fails when roomID is
// not the active room.
func (s *Session) JoinRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil || s.match.RoomID != roomID {
		return false
	}
	s.joined = true
	return true
}

// Joined reports whether the client confirmed the active room.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// ScheduleRequeue arms fn to run after d, replacing any pending requeue.
func (s *Session) ScheduleRequeue(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.requeue != nil {
		s.requeue.Stop()
	}
	s.requeue = time.AfterFunc(d, fn)
}

// CancelRequeue stops a pending requeue, if any.
func (s *Session) CancelRequeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requeue != nil {
		s.requeue.Stop()
		s.requeue = nil
	}
}

// Close marks the connection gone and returns the state it was in. Only the
// first call returns true.
func (s *Session) Close() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state, false
	}
	s.closed = true
	if s.requeue != nil {
		s.requeue.Stop()
		s.requeue = nil
	}
	return s.state, true
}
