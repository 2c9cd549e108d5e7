package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghosty/chat-app/internal/matching"
	"github.com/google/uuid"
)

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	byDevice map[string]string
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		byDevice: make(map[string]string),
	}
}

func clone(p *Profile) *Profile {
	c := *p
	c.PriorPartners = append([]string(nil), p.PriorPartners...)
	return &c
}

func (m *MemoryStore) Upsert(_ context.Context, deviceID string) (*Profile, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("profile: device id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if id, ok := m.byDevice[deviceID]; ok {
		p := m.profiles[id]
		p.LastActive = now
		return clone(p), nil
	}
	p := &Profile{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Preference: matching.PreferAny,
		LastActive: now,
		CreatedAt:  now,
	}
	m.profiles[p.ID] = p
	m.byDevice[deviceID] = p.ID
	return clone(p), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Nickname = u.Nickname
	p.Bio = u.Bio
	p.Preference = matching.Preference(u.Preference)
	p.LastActive = time.Now()
	return nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, id string, gender matching.Gender, userHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Verified = true
	p.Gender = gender
	p.UserHash = userHash
	return nil
}

func (m *MemoryStore) RecordPartners(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, okA := m.profiles[a]
	pb, okB := m.profiles[b]
	if !okA || !okB {
		return ErrNotFound
	}
	pa.PriorPartners = appendUnique(pa.PriorPartners, b)
	pb.PriorPartners = appendUnique(pb.PriorPartners, a)
	return nil
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}
