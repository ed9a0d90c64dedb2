package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSOptions configures a WSBus.
type WSOptions struct {
	// URL of the messagebus, e.g. ws://127.0.0.1:8181/core. http(s) schemes
	// are rewritten to ws(s).
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	// ReadLimit caps a single frame in bytes (default 1 MiB).
	ReadLimit int64
	// ReconnectMin and ReconnectMax bound the exponential reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *slog.Logger
}

// WSBus is a client of an OVOS-style websocket messagebus. The server echoes
// every message to all clients, so local subscribers see published messages
// when they come back from the server. The connection is re-established in
// the background after failures; publishes made while disconnected fail with
// a transport error.
type WSBus struct {
	opts WSOptions
	log  *slog.Logger

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	connMu sync.RWMutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWS connects to the messagebus. The first dial is synchronous so
// configuration errors surface immediately.
func DialWS(ctx context.Context, opts WSOptions) (*WSBus, error) {
	if opts.URL == "" {
		return nil, errors.New("bus: websocket: url is required")
	}
	opts.URL = wsURL(opts.URL)
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 100 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	b := &WSBus{
		opts: opts,
		log:  opts.Logger.With("component", "bus", "url", opts.URL),
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	conn, err := b.dial(ctx)
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.setConn(conn)

	go b.loop(conn)

	return b, nil
}

func (b *WSBus) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, b.opts.URL, &websocket.DialOptions{
		HTTPClient: b.opts.HTTPClient,
		HTTPHeader: b.opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: dial websocket: %w", err)
	}
	conn.SetReadLimit(b.opts.ReadLimit)
	return conn, nil
}

func (b *WSBus) loop(conn *websocket.Conn) {
	defer close(b.done)

	for {
		err := b.read(conn)
		b.setConn(nil)
		if b.ctx.Err() != nil {
			return
		}
		b.log.Warn("websocket disconnected", "error", err)

		conn = b.reconnect()
		if conn == nil {
			return
		}
		b.log.Info("websocket reconnected")
		b.setConn(conn)
	}
}

func (b *WSBus) read(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(b.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := unmarshal(data)
		if err != nil {
			b.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		b.fanout(msg)
	}
}

func (b *WSBus) reconnect() *websocket.Conn {
	delay := b.opts.ReconnectMin
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := b.dial(b.ctx)
		if err == nil {
			return conn
		}
		b.log.Debug("websocket reconnect failed", "error", err, "retry_in", delay)

		delay *= 2
		if delay > b.opts.ReconnectMax {
			delay = b.opts.ReconnectMax
		}
	}
}

func (b *WSBus) fanout(msg Message) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for sub := range b.subs {
		if Match(sub.pattern, msg.Type) {
			sub.deliver(msg)
		}
	}
}

func (b *WSBus) setConn(conn *websocket.Conn) {
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
}

// Connected reports whether a connection is currently established.
func (b *WSBus) Connected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()

	return b.conn != nil
}

// Publish writes msg to the server.
func (b *WSBus) Publish(ctx context.Context, msg Message) error {
	if b.ctx.Err() != nil {
		return transportErr(msg.Type, ErrClosed)
	}

	data, err := marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: publish %q: %w", msg.Type, err)
	}

	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()

	if conn == nil {
		return transportErr(msg.Type, errors.New("not connected"))
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return transportErr(msg.Type, err)
	}
	return nil
}

// Subscribe registers a local subscription for messages arriving from the server.
func (b *WSBus) Subscribe(pattern string, bufSize int) (*Subscription, error) {
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}

	sub := newSubscription(pattern, bufSize)

	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *WSBus) Unsubscribe(sub *Subscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.close()
	}
}

// Close stops reconnecting, closes the connection and all subscriptions.
func (b *WSBus) Close() error {
	if b.ctx.Err() != nil {
		return nil
	}
	b.cancel()

	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}

	<-b.done

	b.subsMu.Lock()
	for sub := range b.subs {
		sub.close()
	}
	clear(b.subs)
	b.subsMu.Unlock()

	return nil
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
