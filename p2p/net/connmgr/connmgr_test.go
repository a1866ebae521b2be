package connmgr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ic "github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 是测试使用的连接
type fakeConn struct {
	local  peer.ID
	remote peer.ID
	addr   ma.Multiaddr
	dir    network.Direction

	closeOnce sync.Once
	closes    atomic.Int32
	done      chan struct{}
}

func newFakeConn(p peer.ID, addr string) *fakeConn {
	return newDirConn("", p, addr, network.DirOutbound)
}

func newDirConn(local, remote peer.ID, addr string, dir network.Direction) *fakeConn {
	return &fakeConn{
		local:  local,
		remote: remote,
		addr:   ma.StringCast(addr),
		dir:    dir,
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) LocalPeer() peer.ID            { return c.local }
func (c *fakeConn) RemotePeer() peer.ID           { return c.remote }
func (c *fakeConn) RemoteMultiaddr() ma.Multiaddr { return c.addr }
func (c *fakeConn) Direction() network.Direction  { return c.dir }
func (c *fakeConn) Done() <-chan struct{}         { return c.done }

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// peerMap 是测试使用的节点查找表
type peerMap map[peer.ID]*peer.Peer

func (m peerMap) Peer(id peer.ID) *peer.Peer { return m[id] }

func randomPeer(t *testing.T, peers peerMap) peer.ID {
	t.Helper()
	_, pub, err := ic.GenerateKeyPair(ic.Ed25519)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	peers[id] = peer.NewPeer(peer.Info{ID: id})
	return id
}

func newTestManager(t *testing.T) (*ConnManager, peerMap, event.Subscription) {
	t.Helper()
	bus := eventbus.NewBus()
	sub, err := bus.Subscribe(new(event.EvtPeerDisconnected))
	require.NoError(t, err)
	peers := make(peerMap)
	cm, err := NewConnManager(peers, bus)
	require.NoError(t, err)
	t.Cleanup(func() {
		cm.Close()
		sub.Close()
	})
	return cm, peers, sub
}

func expectDisconnected(t *testing.T, sub event.Subscription, p peer.ID) {
	t.Helper()
	select {
	case e := <-sub.Out():
		assert.Equal(t, p, e.(event.EvtPeerDisconnected).Peer)
	case <-time.After(5 * time.Second):
		t.Fatal("等待断开事件超时")
	}
}

func expectNoDisconnected(t *testing.T, sub event.Subscription) {
	t.Helper()
	select {
	case e := <-sub.Out():
		t.Fatalf("不应该收到事件 %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestAddSetsConnectedAddr 测试接纳连接后更新节点的连接地址
func TestAddSetsConnectedAddr(t *testing.T) {
	cm, peers, _ := newTestManager(t)
	p := randomPeer(t, peers)

	c := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
	assert.Same(t, c, cm.Add(c))
	assert.True(t, cm.IsConnected(p))
	assert.True(t, peers[p].ConnectedAddr().Equal(c.addr))
	assert.Equal(t, 1, cm.Len())
}

// TestAddSingleWinner 测试重复接纳时新连接被关闭
func TestAddSingleWinner(t *testing.T) {
	cm, peers, _ := newTestManager(t)
	p := randomPeer(t, peers)

	first := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
	second := newFakeConn(p, "/ip4/1.2.3.4/tcp/2")
	cm.Add(first)
	assert.Same(t, first, cm.Add(second))
	assert.True(t, second.IsClosed())
	assert.False(t, first.IsClosed())
	assert.True(t, peers[p].ConnectedAddr().Equal(first.addr))
}

// TestConcurrentAdd 测试并发接纳同一节点的连接只留下一个
func TestConcurrentAdd(t *testing.T) {
	cm, peers, _ := newTestManager(t)
	p := randomPeer(t, peers)

	conns := make([]*fakeConn, 50)
	winners := make([]Conn, len(conns))
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i] = cm.Add(conns[i])
		}(i)
	}
	wg.Wait()

	open := 0
	for _, c := range conns {
		if !c.IsClosed() {
			open++
		}
	}
	assert.Equal(t, 1, open)
	for _, w := range winners {
		assert.Same(t, winners[0], w)
	}
	assert.Equal(t, 1, cm.Len())
}

// TestRemove 测试移除最后一个连接会发出断开事件
func TestRemove(t *testing.T) {
	cm, peers, sub := newTestManager(t)
	p := randomPeer(t, peers)

	c := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
	cm.Add(c)
	assert.True(t, cm.Remove(c))
	assert.True(t, c.IsClosed())
	assert.False(t, cm.IsConnected(p))
	assert.Nil(t, peers[p].ConnectedAddr())
	expectDisconnected(t, sub, p)

	// 重复移除是空操作
	assert.False(t, cm.Remove(c))
	assert.False(t, cm.RemovePeer(p))
	expectNoDisconnected(t, sub)
}

// TestRemoveWithRemaining 测试移除后仍有连接时只更新地址
func TestRemoveWithRemaining(t *testing.T) {
	cm, peers, sub := newTestManager(t)
	p := randomPeer(t, peers)

	c1 := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
	c2 := newFakeConn(p, "/ip4/1.2.3.4/tcp/2")
	cm.Add(c1)

	// 直接写入第二个连接以模拟存储中的多个条目
	s := cm.segments.get(p)
	s.Lock()
	s.conns[p] = append(s.conns[p], c2)
	s.Unlock()

	assert.True(t, cm.Remove(c1))
	assert.True(t, cm.IsConnected(p))
	assert.True(t, peers[p].ConnectedAddr().Equal(c2.addr))
	expectNoDisconnected(t, sub)
}

// TestCloseTriggersRemoval 测试连接关闭后自动移除
func TestCloseTriggersRemoval(t *testing.T) {
	cm, peers, sub := newTestManager(t)
	p := randomPeer(t, peers)

	c := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
	cm.Add(c)
	require.NoError(t, c.Close())

	expectDisconnected(t, sub, p)
	assert.False(t, cm.IsConnected(p))
	assert.Nil(t, peers[p].ConnectedAddr())
}

// TestClear 测试清空所有连接
func TestClear(t *testing.T) {
	cm, peers, _ := newTestManager(t)

	var conns []*fakeConn
	for i := 0; i < 5; i++ {
		c := newFakeConn(randomPeer(t, peers), "/ip4/1.2.3.4/tcp/1")
		conns = append(conns, c)
		cm.Add(c)
	}
	assert.Equal(t, 5, cm.Len())

	require.NoError(t, cm.Clear())
	assert.Equal(t, 0, cm.Len())
	for _, c := range conns {
		assert.True(t, c.IsClosed())
		assert.Nil(t, peers[c.remote].ConnectedAddr())
	}
}

// orderedPeers 返回两个节点,第一个 ID 较小
func orderedPeers(t *testing.T, peers peerMap) (peer.ID, peer.ID) {
	t.Helper()
	a, b := randomPeer(t, peers), randomPeer(t, peers)
	if b < a {
		a, b = b, a
	}
	return a, b
}

// TestCrossingDialKeepsLowerDialer 测试两端同时互相拨号时双方保留同一个连接
func TestCrossingDialKeepsLowerDialer(t *testing.T) {
	type step struct {
		// byLow 表示连接由 ID 较小的节点发起
		byLow bool
	}
	cases := []struct {
		name    string
		atLow   bool
		order   []step
		closed  []bool
		winnerI int
	}{
		{name: "低端先出站", atLow: true, order: []step{{true}, {false}}, closed: []bool{false, false}, winnerI: 0},
		{name: "低端先入站", atLow: true, order: []step{{false}, {true}}, closed: []bool{false, false}, winnerI: 1},
		{name: "高端先出站", atLow: false, order: []step{{false}, {true}}, closed: []bool{true, false}, winnerI: 1},
		{name: "高端先入站", atLow: false, order: []step{{true}, {false}}, closed: []bool{false, true}, winnerI: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cm, peers, sub := newTestManager(t)
			low, high := orderedPeers(t, peers)
			local, remote := high, low
			if tc.atLow {
				local, remote = low, high
			}

			conns := make([]*fakeConn, len(tc.order))
			var active Conn
			for i, st := range tc.order {
				dir := network.DirInbound
				if st.byLow == tc.atLow {
					dir = network.DirOutbound
				}
				conns[i] = newDirConn(local, remote, "/ip4/1.2.3.4/tcp/"+string(rune('1'+i)), dir)
				active = cm.Add(conns[i])
			}

			winner := conns[tc.winnerI]
			assert.Same(t, winner, active)
			for i, c := range conns {
				assert.Equal(t, tc.closed[i], c.IsClosed(), "连接 %d", i)
			}
			got, ok := cm.Get(remote)
			require.True(t, ok)
			assert.Same(t, winner, got)
			assert.Equal(t, 1, cm.Len())
			assert.True(t, peers[remote].ConnectedAddr().Equal(winner.addr))

			// 落选连接由发起方关闭后仍保持连接
			for _, c := range conns {
				if c != winner {
					require.NoError(t, c.Close())
				}
			}
			expectNoDisconnected(t, sub)
			got, ok = cm.Get(remote)
			require.True(t, ok)
			assert.Same(t, winner, got)
		})
	}
}

// TestStandbyTakesOver 测试活动连接关闭后备用连接接替
func TestStandbyTakesOver(t *testing.T) {
	cm, peers, sub := newTestManager(t)
	low, high := orderedPeers(t, peers)

	out := newDirConn(low, high, "/ip4/1.2.3.4/tcp/1", network.DirOutbound)
	in := newDirConn(low, high, "/ip4/1.2.3.4/tcp/2", network.DirInbound)
	cm.Add(out)
	assert.Same(t, out, cm.Add(in))
	require.False(t, in.IsClosed())

	// 已有备用连接时新的入站连接被关闭
	extra := newDirConn(low, high, "/ip4/1.2.3.4/tcp/3", network.DirInbound)
	assert.Same(t, out, cm.Add(extra))
	assert.True(t, extra.IsClosed())

	require.NoError(t, out.Close())
	require.Eventually(t, func() bool {
		c, ok := cm.Get(high)
		return ok && c == Conn(in)
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, peers[high].ConnectedAddr().Equal(in.addr))
	expectNoDisconnected(t, sub)

	require.NoError(t, in.Close())
	expectDisconnected(t, sub, high)
}

// TestConnectedAddrFollowsActiveConn 测试移除与接纳交错时连接地址始终指向活动连接
func TestConnectedAddrFollowsActiveConn(t *testing.T) {
	peers := make(peerMap)
	cm, err := NewConnManager(peers, eventbus.NewBus())
	require.NoError(t, err)
	defer cm.Close()
	p := randomPeer(t, peers)

	for i := 0; i < 200; i++ {
		c1 := newFakeConn(p, "/ip4/1.2.3.4/tcp/1")
		c2 := newFakeConn(p, "/ip4/1.2.3.4/tcp/2")
		cm.Add(c1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cm.Remove(c1)
		}()
		go func() {
			defer wg.Done()
			cm.Add(c2)
		}()
		wg.Wait()

		active, ok := cm.Get(p)
		if ok {
			require.NotNil(t, peers[p].ConnectedAddr())
			require.True(t, peers[p].ConnectedAddr().Equal(active.RemoteMultiaddr()))
		} else {
			require.Nil(t, peers[p].ConnectedAddr())
		}
		cm.RemovePeer(p)
	}
}
