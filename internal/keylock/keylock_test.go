package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	var m Map

	unlock, err := m.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	unlock()
	assert.Equal(t, 0, m.Len())

	// Double unlock is a no-op.
	unlock()
	assert.Equal(t, 0, m.Len())
}

func TestLockTimeout(t *testing.T) {
	var m Map

	unlock, err := m.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer unlock()

	_, err = m.Lock(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLockContextCancelled(t *testing.T) {
	var m Map

	unlock, err := m.Lock(context.Background(), "a", 0)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Lock(ctx, "a", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndependentKeys(t *testing.T) {
	var m Map

	unlockA, err := m.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := m.Lock(context.Background(), "b", 10*time.Millisecond)
	require.NoError(t, err)
	unlockB()
}

func TestTryLock(t *testing.T) {
	var m Map

	unlock, ok := m.TryLock("a")
	require.True(t, ok)

	_, ok = m.TryLock("a")
	assert.False(t, ok)

	unlock()

	unlock, ok = m.TryLock("a")
	require.True(t, ok)
	unlock()
}

func TestMutualExclusion(t *testing.T) {
	var (
		m       Map
		wg      sync.WaitGroup
		counter int
	)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "k", 5*time.Second)
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len())
}
