package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/peer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLimiterPerPeer 测试单个节点的拨号数量限制
func TestLimiterPerPeer(t *testing.T) {
	dl := newDialLimiterWithParams(10, 2)
	p := peer.ID("peer-a")

	r1, err := dl.acquire(context.Background(), p)
	require.NoError(t, err)
	r2, err := dl.acquire(context.Background(), p)
	require.NoError(t, err)

	// 其他节点不受影响
	r3, err := dl.acquire(context.Background(), peer.ID("peer-b"))
	require.NoError(t, err)
	r3()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dl.acquire(ctx, p)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r4, err := dl.acquire(context.Background(), p)
	require.NoError(t, err)
	r2()
	r4()
	// 重复归还不会多释放令牌
	r4()

	assert.Empty(t, dl.perPeer)
	assert.Equal(t, 0, len(dl.fd))
}

// TestLimiterFd 测试全局文件描述符限制
func TestLimiterFd(t *testing.T) {
	dl := newDialLimiterWithParams(1, 4)

	r1, err := dl.acquire(context.Background(), peer.ID("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dl.acquire(ctx, peer.ID("b"))
	require.Error(t, err)
	assert.NotContains(t, dl.perPeer, peer.ID("b"))

	r1()
	r2, err := dl.acquire(context.Background(), peer.ID("b"))
	require.NoError(t, err)
	r2()
}
