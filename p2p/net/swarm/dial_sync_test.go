package swarm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/peer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDialSyncCoalesces 测试并发调用方共享同一次拨号
func TestDialSyncCoalesces(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	want := &Conn{}
	ds := newDialSync(context.Background(), func(ctx context.Context, p peer.ID) (*Conn, error) {
		calls.Add(1)
		<-release
		return want, nil
	})

	p := peer.ID("target")
	var wg sync.WaitGroup
	results := make([]*Conn, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := ds.Dial(context.Background(), p)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}

	require.Eventually(t, func() bool {
		ds.mutex.Lock()
		defer ds.mutex.Unlock()
		ad, ok := ds.dials[p]
		return ok && ad.refCnt == len(results)
	}, time.Second, time.Millisecond)
	assert.True(t, ds.pending(p))
	assert.Equal(t, 1, ds.count())
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, c := range results {
		assert.Same(t, want, c)
	}
	assert.False(t, ds.pending(p))
	assert.Empty(t, ds.dials)
}

// TestDialSyncSharedError 测试所有调用方得到同一个错误
func TestDialSyncSharedError(t *testing.T) {
	boom := errors.New("boom")
	ds := newDialSync(context.Background(), func(ctx context.Context, p peer.ID) (*Conn, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, boom
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ds.Dial(context.Background(), "p")
			assert.ErrorIs(t, err, boom)
		}()
	}
	wg.Wait()
}

// TestDialSyncCallerCancel 测试调用方取消只影响自己,最后一个调用方离开时取消拨号
func TestDialSyncCallerCancel(t *testing.T) {
	dialCtx := make(chan context.Context, 1)
	ds := newDialSync(context.Background(), func(ctx context.Context, p peer.ID) (*Conn, error) {
		dialCtx <- ctx
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ds.Dial(ctx, "p")
		done <- err
	}()

	dctx := <-dialCtx
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-dctx.Done():
		assert.ErrorIs(t, context.Cause(dctx), errAllCallersLeft)
	case <-time.After(time.Second):
		t.Fatal("拨号上下文应该被取消")
	}
}
