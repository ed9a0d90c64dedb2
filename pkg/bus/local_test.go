package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderjer/ovos-core/pkg/dispatch"
)

func TestLocalBus_SubscribePublish(t *testing.T) {
	b := NewLocalBus()
	sub, err := b.Subscribe("speak", 8)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	require.NoError(t, b.Publish(context.Background(), NewMessage("speak", map[string]any{"utterance": "hi"})))

	select {
	case got := <-sub.C:
		assert.Equal(t, "speak", got.Type)
		assert.Equal(t, "hi", got.DataString("utterance"))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLocalBus_FiltersByPattern(t *testing.T) {
	b := NewLocalBus()
	sub, err := b.Subscribe("skill.*", 8)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NewMessage("speak", nil)))
	require.NoError(t, b.Publish(ctx, NewMessage("skill.register", nil)))

	got := <-sub.C
	assert.Equal(t, "skill.register", got.Type)

	select {
	case m := <-sub.C:
		t.Fatalf("unexpected message %q", m.Type)
	default:
	}
}

func TestLocalBus_FanOut(t *testing.T) {
	b := NewLocalBus()
	sub1, _ := b.Subscribe(">", 4)
	sub2, _ := b.Subscribe(">", 4)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	require.NoError(t, b.Publish(context.Background(), NewMessage("x", nil)))

	for _, s := range []*Subscription{sub1, sub2} {
		select {
		case <-s.C:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}
}

func TestLocalBus_NonBlockingDrop(t *testing.T) {
	b := NewLocalBus()
	sub, _ := b.Subscribe(">", 1)
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NewMessage("first", nil)))
	require.NoError(t, b.Publish(ctx, NewMessage("second", nil)))

	got := <-sub.C
	assert.Equal(t, "first", got.Type)
	assert.Equal(t, int64(1), sub.Dropped())

	select {
	case <-sub.C:
		t.Fatal("expected channel to be empty after drop")
	default:
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	b := NewLocalBus()
	sub, _ := b.Subscribe(">", 4)

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Len())

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestLocalBus_Close(t *testing.T) {
	b := NewLocalBus()
	sub, _ := b.Subscribe(">", 4)

	require.NoError(t, b.Close())

	_, ok := <-sub.C
	assert.False(t, ok)

	err := b.Publish(context.Background(), NewMessage("speak", nil))
	assert.ErrorIs(t, err, dispatch.ErrTransport)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe(">", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequest(t *testing.T) {
	b := NewLocalBus()
	reqs, _ := b.Subscribe("ping", 4)
	defer b.Unsubscribe(reqs)

	go func() {
		for m := range reqs.C {
			// A stray reply with another id must be ignored.
			stray := m.Response(map[string]any{"n": 0})
			stray.Context[CtxRequestID] = "other"
			_ = b.Publish(context.Background(), stray)
			_ = b.Publish(context.Background(), m.Response(map[string]any{"n": 1}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := Request(ctx, b, NewMessage("ping", nil), "ping.response")
	require.NoError(t, err)
	assert.Equal(t, "1", reply.DataString("n"))
	assert.NotEmpty(t, reply.RequestID())
}

func TestRequestTimeout(t *testing.T) {
	b := NewLocalBus()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Request(ctx, b, NewMessage("ping", nil), "ping.response")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Len(), "reply subscription must be released")
}

func TestRequestConcurrentRepliesAreNotDropped(t *testing.T) {
	b := NewLocalBus()
	t.Cleanup(func() { _ = b.Close() })

	const n = 48
	for i := range n {
		reqs, err := b.Subscribe(fmt.Sprintf("ping.%d", i), 4)
		require.NoError(t, err)
		go func() {
			for m := range reqs.C {
				_ = b.Publish(context.Background(), m.Response(map[string]any{"n": i}))
			}
		}()
	}

	for range 10 {
		var (
			wg     sync.WaitGroup
			failed atomic.Int32
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				reply, err := Request(ctx, b, NewMessage(fmt.Sprintf("ping.%d", i), nil), "ping.response")
				if err != nil || reply.DataString("n") != fmt.Sprint(i) {
					failed.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Zero(t, failed.Load(), "every request must receive its own reply")
	}
}
