package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectConn is the per-connection subject prefix: ghosty.conn.<conn_id>.
const SubjectConn = "ghosty.conn"

var (
	replyAck  = []byte("1")
	replyNack = []byte("0")
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration // used when the caller's context has no deadline
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "ghosty",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // infinite reconnects
		RequestTimeout: 3 * time.Second,
	}
}

// NATSBus is a Bus spanning every wsserver instance connected to the same
// NATS cluster.
type NATSBus struct {
	conn    *nats.Conn
	timeout time.Duration
	log     *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	log := logger.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("disconnected", "error", err)
			} else {
				log.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Infow("connected", "url", nc.ConnectedUrl())

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NATSBus{
		conn:    nc,
		timeout: timeout,
		log:     log,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

func connSubject(connID string) string {
	return SubjectConn + "." + connID
}

// Subscribe registers h for signals addressed to connID. Signals for one
// connection are handled in order on the subscription's goroutine.
func (b *NATSBus) Subscribe(connID string, h Handler) error {
	subject := connSubject(connID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var sig Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.log.Warnw("undecodable signal", "subject", msg.Subject, "error", err)
			return
		}
		ack := h(context.Background(), sig)
		if msg.Reply == "" {
			return
		}
		reply := replyNack
		if ack {
			reply = replyAck
		}
		if err := msg.Respond(reply); err != nil {
			b.log.Warnw("respond failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[connID] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection's subscription, if any.
func (b *NATSBus) Unsubscribe(connID string) error {
	b.mu.Lock()
	sub, ok := b.subs[connID]
	delete(b.subs, connID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", connID, err)
	}
	return nil
}

// Publish sends sig to the connection's subject.
func (b *NATSBus) Publish(_ context.Context, connID string, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("messaging: encode signal: %w", err)
	}
	return b.conn.Publish(connSubject(connID), data)
}

// Request sends sig and waits for the recipient's ack.
func (b *NATSBus) Request(ctx context.Context, connID string, sig Signal) (bool, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("messaging: encode signal: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(ctx, connSubject(connID), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return false, ErrNoSubscriber
	}
	if err != nil {
		return false, fmt.Errorf("nats request %s: %w", connID, err)
	}
	return string(msg.Data) == string(replyAck), nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for connID, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warnw("drain failed", "conn", connID, "error", err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	b.log.Info("bus closed")
	return nil
}
