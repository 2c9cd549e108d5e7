package messaging

import (
	"context"
	"fmt"
	"sync"
)

// LocalBus delivers signals in-process by calling the subscriber's handler
// on the publisher's goroutine.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]Handler)}
}

func (b *LocalBus) Subscribe(connID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[connID]; ok {
		return fmt.Errorf("messaging: %s already subscribed", connID)
	}
	b.subs[connID] = h
	return nil
}

func (b *LocalBus) Unsubscribe(connID string) error {
	b.mu.Lock()
	delete(b.subs, connID)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) handler(connID string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[connID]
}

// Publish delivers sig if connID is subscribed and silently drops it
// otherwise, matching NATS semantics.
func (b *LocalBus) Publish(ctx context.Context, connID string, sig Signal) error {
	if h := b.handler(connID); h != nil {
		h(ctx, sig)
	}
	return nil
}

func (b *LocalBus) Request(ctx context.Context, connID string, sig Signal) (bool, error) {
	h := b.handler(connID)
	if h == nil {
		return false, ErrNoSubscriber
	}
	return h(ctx, sig), nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]Handler)
	b.mu.Unlock()
	return nil
}
