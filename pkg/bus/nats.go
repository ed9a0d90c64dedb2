package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus carries messages over NATS. Topics map directly onto subjects, so
// subscription patterns use native NATS wildcards.
type NATSBus struct {
	nc    *nats.Conn
	owned bool
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]*nats.Subscription
	closed bool
}

// ConnectNATS dials a NATS server and returns a bus that owns the connection.
func ConnectNATS(url string, logger *slog.Logger, opts ...nats.Option) (*NATSBus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats: %w", err)
	}

	b := NewNATSBus(nc, logger)
	b.owned = true

	return b, nil
}

// NewNATSBus wraps an existing connection. Close does not close nc.
func NewNATSBus(nc *nats.Conn, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSBus{
		nc:   nc,
		log:  logger.With("component", "bus"),
		subs: make(map[*Subscription]*nats.Subscription),
	}
}

// Conn returns the underlying connection, for sharing with JetStream users.
func (b *NATSBus) Conn() *nats.Conn { return b.nc }

// Publish sends msg on the subject named by its type.
func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	if b.nc.IsClosed() {
		return transportErr(msg.Type, ErrClosed)
	}

	data, err := marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: publish %q: %w", msg.Type, err)
	}

	if err := b.nc.Publish(msg.Type, data); err != nil {
		return transportErr(msg.Type, err)
	}
	return nil
}

// Subscribe creates a NATS subscription on pattern.
func (b *NATSBus) Subscribe(pattern string, bufSize int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(pattern, bufSize)

	ns, err := b.nc.Subscribe(pattern, func(m *nats.Msg) {
		msg, err := unmarshal(m.Data)
		if err != nil {
			b.log.Warn("dropping malformed message", "subject", m.Subject, "error", err)
			return
		}
		sub.deliver(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %q: %w", pattern, err)
	}

	b.subs[sub] = ns

	return sub, nil
}

// Unsubscribe removes the NATS subscription and closes the channel.
func (b *NATSBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	ns, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := ns.Unsubscribe(); err != nil && !b.nc.IsClosed() {
		b.log.Warn("nats unsubscribe failed", "pattern", sub.pattern, "error", err)
	}
	sub.close()
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush(ctx context.Context) error {
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return transportErr("flush", err)
	}
	return nil
}

// Close unsubscribes everything and, when the bus owns it, drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]*nats.Subscription)
	b.mu.Unlock()

	for sub, ns := range subs {
		_ = ns.Unsubscribe()
		sub.close()
	}

	if b.owned {
		b.nc.Close()
	}
	return nil
}
