// Package profile owns the durable participant record: device binding,
// verification state, matching preference, public nickname and bio, and the
// set of sessions the participant has already been paired with.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghosty/chat-app/internal/auth"
	"github.com/ghosty/chat-app/internal/matching"
)

var (
	ErrNotFound     = errors.New("profile: not found")
	ErrInvalidToken = errors.New("profile: invalid token")
)

// Profile is one durable session.
type Profile struct {
	ID            string              `json:"_id"`
	DeviceID      string              `json:"deviceId"`
	Verified      bool                `json:"isVerified"`
	Gender        matching.Gender     `json:"gender"`
	Preference    matching.Preference `json:"preference"`
	Nickname      string              `json:"nickname"`
	Bio           string              `json:"bio"`
	UserHash      string              `json:"userHash,omitempty"`
	PriorPartners []string            `json:"-"`
	LastActive    time.Time           `json:"lastActive"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// Update is the user-editable part of a profile.
type Update struct {
	Nickname   string `json:"nickname"`
	Bio        string `json:"bio"`
	Preference string `json:"preference"`
}

// Store persists profiles.
type Store interface {
	// Upsert returns the profile bound to deviceID, creating it on first
	// use, and refreshes its last-active time.
	Upsert(ctx context.Context, deviceID string) (*Profile, error)
	Get(ctx context.Context, id string) (*Profile, error)
	Update(ctx context.Context, id string, u Update) error
	MarkVerified(ctx context.Context, id string, gender matching.Gender, userHash string) error
	// RecordPartners adds each session to the other's prior-partner set.
	RecordPartners(ctx context.Context, a, b string) error
}

// Provider resolves identity tokens into profiles.
type Provider struct {
	store  Store
	tokens *auth.Manager
}

// NewProvider creates a Provider over a store and a token manager.
func NewProvider(store Store, tokens *auth.Manager) *Provider {
	return &Provider{store: store, tokens: tokens}
}

// Store returns the underlying store.
func (p *Provider) Store() Store {
	return p.store
}

// Authenticate verifies token and loads its profile.
func (p *Provider) Authenticate(ctx context.Context, token string) (*Profile, error) {
	claims, err := p.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	prof, err := p.store.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown session", ErrInvalidToken)
	}
	return prof, err
}

// Init binds a device to a profile and issues a fresh token for it.
func (p *Provider) Init(ctx context.Context, deviceID string) (*Profile, string, error) {
	prof, err := p.store.Upsert(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}
	token, err := p.tokens.Generate(prof.ID, prof.DeviceID)
	if err != nil {
		return nil, "", fmt.Errorf("profile: sign token: %w", err)
	}
	return prof, token, nil
}

// Get loads a profile by session id.
func (p *Provider) Get(ctx context.Context, id string) (*Profile, error) {
	return p.store.Get(ctx, id)
}

// RecordPartners records a completed pairing on both profiles.
func (p *Provider) RecordPartners(ctx context.Context, a, b string) error {
	return p.store.RecordPartners(ctx, a, b)
}

// Update validates and applies a profile edit. Empty preference means any.
func (p *Provider) Update(ctx context.Context, id string, u Update) (Update, error) {
	u, err := ValidateUpdate(u)
	if err != nil {
		return Update{}, err
	}
	if err := p.store.Update(ctx, id, u); err != nil {
		return Update{}, err
	}
	return u, nil
}
