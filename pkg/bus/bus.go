package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when using a bus after Close.
var ErrClosed = errors.New("bus: closed")

// Bus publishes messages and fans them out to pattern subscriptions.
type Bus interface {
	// Publish sends msg. Transport failures are reported as
	// *dispatch.TransportError.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers interest in topics matching pattern. Messages that
	// arrive while the subscription buffer is full are dropped.
	Subscribe(pattern string, bufSize int) (*Subscription, error)
	// Unsubscribe removes sub and closes its channel.
	Unsubscribe(sub *Subscription)
	// Close releases the transport. Open subscriptions are closed.
	Close() error
}

// Subscription receives messages matching its pattern.
type Subscription struct {
	C <-chan Message

	ch      chan Message
	pattern string
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

func newSubscription(pattern string, bufSize int) *Subscription {
	if bufSize < 0 {
		bufSize = 0
	}
	ch := make(chan Message, bufSize)
	return &Subscription{C: ch, ch: ch, pattern: pattern}
}

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Dropped returns how many messages were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if pattern == topic || pattern == ">" {
		return true
	}
	if pattern == "*" {
		return !strings.Contains(topic, ".")
	}

	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")

	for i, p := range ps {
		if p == ">" && i == len(ps)-1 {
			return len(ts) > i
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}

	return len(ps) == len(ts)
}
