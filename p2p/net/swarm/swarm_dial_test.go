package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/protocol/identify"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCrossingDial 测试两端同时互相拨号后双方只保留同一个活动连接
func TestCrossingDial(t *testing.T) {
	for round := 0; round < 5; round++ {
		a := newListeningSwarm(t)
		b := newListeningSwarm(t)
		_, err := a.RegisterAddr(p2pAddr(t, b))
		require.NoError(t, err)
		_, err = b.RegisterAddr(p2pAddr(t, a))
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			start      = make(chan struct{})
			errA, errB error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, errA = a.ConnectPeer(context.Background(), b.LocalPeer())
		}()
		go func() {
			defer wg.Done()
			<-start
			_, errB = b.ConnectPeer(context.Background(), a.LocalPeer())
		}()
		close(start)
		wg.Wait()
		require.NoError(t, errA)
		require.NoError(t, errB)

		require.Eventually(t, func() bool {
			ca, cb := a.ConnsToPeer(b.LocalPeer()), b.ConnsToPeer(a.LocalPeer())
			if len(ca) != 1 || len(cb) != 1 {
				return false
			}
			return ca[0].LocalMultiaddr().Equal(cb[0].RemoteMultiaddr()) &&
				ca[0].RemoteMultiaddr().Equal(cb[0].LocalMultiaddr())
		}, 5*time.Second, 10*time.Millisecond, "第 %d 轮没有收敛到同一个连接", round)

		ca, cb := a.ConnsToPeer(b.LocalPeer())[0], b.ConnsToPeer(a.LocalPeer())[0]
		assert.False(t, ca.IsClosed())
		assert.False(t, cb.IsClosed())
		assert.NotEqual(t, ca.Direction(), cb.Direction())
		assert.Equal(t, 1, a.ConnCount())
		assert.Equal(t, 1, b.ConnCount())

		// 保留的是 ID 较小一方发起的连接
		lowDialed := a.LocalPeer() < b.LocalPeer()
		assert.Equal(t, lowDialed, ca.Direction() == network.DirOutbound)

		// 收敛后的连接可以正常使用
		rtt, err := a.Ping(context.Background(), b.LocalPeer())
		require.NoError(t, err)
		assert.Positive(t, rtt)

		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
	}
}

// TestIdentifyBoundedByDialTimeout 测试对端 identify 不响应时拨号在超时后失败
func TestIdentifyBoundedByDialTimeout(t *testing.T) {
	a := newListeningSwarm(t, WithDialTimeout(time.Second))
	b := newListeningSwarm(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.AddProtocol(identify.ID, func(st network.Stream) {
		select {
		case <-release:
		case <-time.After(time.Minute):
		}
		st.Reset()
	})

	start := time.Now()
	_, err := a.Connect(context.Background(), p2pAddr(t, b))
	require.ErrorIs(t, err, ErrDialTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, OutcomeRecoverable, Classify(err))
	assert.False(t, a.IsConnected(b.LocalPeer()))
	assert.False(t, a.HasPendingConnection(b.LocalPeer()))
}

// TestSelfAddrsExcluded 测试通配监听后本地的具体地址不会作为候选地址
func TestSelfAddrsExcluded(t *testing.T) {
	s := newTestSwarm(t, WithInterfaceAddrs(func() ([]ma.Multiaddr, error) {
		return []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1")}, nil
	}))
	require.NoError(t, s.Start())
	ours, err := s.Listen(ma.StringCast("/ip4/0.0.0.0/tcp/0"))
	require.NoError(t, err)
	require.Len(t, ours, 1)

	other := newTestSwarm(t)
	id := other.LocalPeer()
	elsewhere := ma.StringCast("/ip4/127.0.0.1/tcp/1")

	got := s.filterKnownUndialables(id, []ma.Multiaddr{ours[0], elsewhere, elsewhere})
	require.Len(t, got, 1)
	want, err := peer.WithPeerID(elsewhere, id)
	require.NoError(t, err)
	assert.True(t, got[0].Equal(want))

	// 只有本地地址时没有可拨号的地址
	_, err = s.RegisterPeer(peer.Info{ID: id, Addrs: []ma.Multiaddr{ours[0]}})
	require.NoError(t, err)
	_, err = s.ConnectPeer(context.Background(), id)
	require.ErrorIs(t, err, ErrNoReachableAddress)
}

// TestDialRaceReachableWins 测试一个地址不响应时通过可达地址快速建立连接
func TestDialRaceReachableWins(t *testing.T) {
	a := newListeningSwarm(t, WithTransport(blackholeTransport{}), WithDialTimeout(10*time.Second))
	b := newListeningSwarm(t)

	reachable := b.ListenAddresses()[0]
	_, err := a.RegisterPeer(peer.Info{
		ID:    b.LocalPeer(),
		Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.1/udp/1"), reachable},
	})
	require.NoError(t, err)

	start := time.Now()
	c, err := a.ConnectPeer(context.Background(), b.LocalPeer())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, c.RemoteMultiaddr().Equal(reachable))
	assert.False(t, a.HasPendingConnection(b.LocalPeer()))
}

// TestDuplicateInboundRejected 测试同一远程地址正在协商时新的入站连接被拒绝
func TestDuplicateInboundRejected(t *testing.T) {
	s := newTestSwarm(t)
	key := string(ma.StringCast("/ip4/10.0.0.1/tcp/4001").Bytes())

	require.True(t, s.beginInbound(key))
	assert.False(t, s.beginInbound(key))
	assert.True(t, s.beginInbound(string(ma.StringCast("/ip4/10.0.0.1/tcp/4002").Bytes())))

	// 协商结束后同一地址可以再次连接
	s.endInbound(key)
	assert.True(t, s.beginInbound(key))
}
