package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SameKeyIsExclusive(t *testing.T) {
	kl := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := kl.Lock(ctx, "2024-06-01")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := New()
	ctx := context.Background()

	release, err := kl.Lock(ctx, "a")
	require.NoError(t, err)
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	releaseB, err := kl.Lock(ctx2, "b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyLock_ContextCancel(t *testing.T) {
	kl := New()
	release, err := kl.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = kl.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // 二重解放は無視される
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLock_LockAll(t *testing.T) {
	kl := New()
	ctx := context.Background()

	release, err := kl.LockAll(ctx, "b", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, kl.Len())

	done := make(chan struct{})
	go func() {
		r, err := kl.LockAll(ctx, "a", "b")
		if err == nil {
			r()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ロック保持中に取得できてしまった")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-done
	assert.Equal(t, 0, kl.Len())
}
