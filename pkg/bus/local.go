package bus

import (
	"context"
	"sync"
)

// LocalBus fans out messages to in-process subscribers. It is safe for
// concurrent use.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewLocalBus creates a LocalBus ready for use.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe creates a new subscription with the given channel buffer size.
// The caller should read from sub.C and eventually call Unsubscribe.
func (b *LocalBus) Subscribe(pattern string, bufSize int) (*Subscription, error) {
	sub := newSubscription(pattern, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}

	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *LocalBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.close()
	}
}

// Publish sends msg to every matching subscriber. If a subscriber's buffer is
// full the message is dropped for that subscriber so slow consumers cannot
// stall dispatch.
func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return transportErr(msg.Type, ErrClosed)
	}

	for sub := range b.subs {
		if Match(sub.pattern, msg.Type) {
			sub.deliver(msg)
		}
	}

	return nil
}

// Close closes every subscription. Later publishes fail with ErrClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		sub.close()
	}
	clear(b.subs)

	return nil
}

// Len returns the number of active subscriptions.
func (b *LocalBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}
