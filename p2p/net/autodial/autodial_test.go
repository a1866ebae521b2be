package autodial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"
	"github.com/dep2p/swarmnet/p2p/net/conngater"
	"github.com/dep2p/swarmnet/p2p/net/swarm"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	mu      sync.Mutex
	running bool
	conns   int
	peers   []*peer.Peer
	pending map[peer.ID]bool
	dials   []peer.ID
	release chan struct{}
	// inflight 是 swarm 中进行中的拨号,包括其他组件发起的
	inflight int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{running: true, pending: make(map[peer.ID]bool)}
}

func (n *fakeNetwork) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *fakeNetwork) ConnCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns
}

func (n *fakeNetwork) PendingDials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inflight
}

func (n *fakeNetwork) setInflight(v int) {
	n.mu.Lock()
	n.inflight = v
	n.mu.Unlock()
}

func (n *fakeNetwork) KnownPeers() []*peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*peer.Peer(nil), n.peers...)
}

func (n *fakeNetwork) HasPendingConnection(id peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending[id]
}

func (n *fakeNetwork) ConnectPeer(ctx context.Context, id peer.ID) (*swarm.Conn, error) {
	n.mu.Lock()
	n.dials = append(n.dials, id)
	n.inflight++
	release := n.release
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.inflight--
		n.mu.Unlock()
	}()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.New("拨号失败")
}

func (n *fakeNetwork) dialed() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peer.ID(nil), n.dials...)
}

func (n *fakeNetwork) addPeer(t *testing.T) *peer.Peer {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	p := peer.NewPeer(peer.Info{ID: id, Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.1.1.1/tcp/4001")}})
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
	return p
}

type harness struct {
	d     *AutoDialer
	net   *fakeNetwork
	gater *conngater.BasicConnectionGater
	disc  event.Emitter
	disco event.Emitter
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	bus := eventbus.NewBus()
	gater, err := conngater.NewBasicConnectionGater(nil)
	require.NoError(t, err)
	h := &harness{net: newFakeNetwork(), gater: gater}
	h.d, err = New(h.net, gater, bus, opts...)
	require.NoError(t, err)
	require.NoError(t, h.d.Start())
	t.Cleanup(func() { h.d.Close() })

	h.disc, err = bus.Emitter(new(event.EvtPeerDiscovered))
	require.NoError(t, err)
	t.Cleanup(func() { h.disc.Close() })
	h.disco, err = bus.Emitter(new(event.EvtPeerDisconnected))
	require.NoError(t, err)
	t.Cleanup(func() { h.disco.Close() })
	return h
}

// TestDialDiscovered 测试连接不足时拨号新发现的节点
func TestDialDiscovered(t *testing.T) {
	h := newHarness(t, WithMinConnections(2))
	p := h.net.addPeer(t)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	require.Eventually(t, func() bool { return len(h.net.dialed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, p.ID, h.net.dialed()[0])
}

// TestEnoughConnections 测试连接数量达到下限时不拨号
func TestEnoughConnections(t *testing.T) {
	h := newHarness(t, WithMinConnections(2))
	h.net.conns = 2
	p := h.net.addPeer(t)
	other := h.net.addPeer(t)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	require.NoError(t, h.disco.Emit(event.EvtPeerDisconnected{Peer: other.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.net.dialed())
}

// TestReplaceDisconnected 测试断开后只挑选符合条件的节点
func TestReplaceDisconnected(t *testing.T) {
	h := newHarness(t, WithMinConnections(4))

	gone := h.net.addPeer(t)
	connected := h.net.addPeer(t)
	connected.SetConnectedAddr(ma.StringCast("/ip4/10.1.1.1/tcp/4001"))
	denied := h.net.addPeer(t)
	require.NoError(t, h.gater.DenyPeer(denied.ID))
	pending := h.net.addPeer(t)
	h.net.pending[pending.ID] = true
	eligible := h.net.addPeer(t)

	require.NoError(t, h.disco.Emit(event.EvtPeerDisconnected{Peer: gone.ID}))
	require.Eventually(t, func() bool { return len(h.net.dialed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, eligible.ID, h.net.dialed()[0])
}

// TestNoCandidates 测试没有符合条件的节点时什么也不做
func TestNoCandidates(t *testing.T) {
	h := newHarness(t, WithMinConnections(4))
	gone := h.net.addPeer(t)

	assert.Empty(t, h.d.candidates(gone.ID))
	require.NoError(t, h.disco.Emit(event.EvtPeerDisconnected{Peer: gone.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.net.dialed())
}

// TestPendingCounts 测试进行中的拨号计入连接数量
func TestPendingCounts(t *testing.T) {
	h := newHarness(t, WithMinConnections(1))
	h.net.release = make(chan struct{})
	p1 := h.net.addPeer(t)
	p2 := h.net.addPeer(t)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p1.ID}))
	require.Eventually(t, func() bool { return h.d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p2.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []peer.ID{p1.ID}, h.net.dialed())

	close(h.net.release)
	require.Eventually(t, func() bool { return h.d.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

// TestSwarmPendingDialsCount 测试其他组件发起的拨号也计入连接数量
func TestSwarmPendingDialsCount(t *testing.T) {
	h := newHarness(t, WithMinConnections(2))
	h.net.mu.Lock()
	h.net.conns = 1
	h.net.mu.Unlock()
	h.net.setInflight(1)
	p := h.net.addPeer(t)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.net.dialed())
	assert.False(t, h.d.belowMin())

	h.net.setInflight(0)
	assert.True(t, h.d.belowMin())
	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	require.Eventually(t, func() bool { return len(h.net.dialed()) == 1 }, time.Second, 5*time.Millisecond)
}

// TestDisabled 测试最少连接数量为 0 时不拨号
func TestDisabled(t *testing.T) {
	h := newHarness(t, WithMinConnections(0))
	p := h.net.addPeer(t)

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.net.dialed())
	assert.Zero(t, h.d.MinConnections())
}

// TestNotRunning 测试 swarm 未运行时不拨号
func TestNotRunning(t *testing.T) {
	h := newHarness(t)
	h.net.running = false
	p := h.net.addPeer(t)
	assert.False(t, h.d.belowMin())

	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.net.dialed())
}

// TestCloseIdempotent 测试关闭可以重复调用并会取消进行中的拨号
func TestCloseIdempotent(t *testing.T) {
	h := newHarness(t, WithMinConnections(1))
	h.net.release = make(chan struct{})
	p := h.net.addPeer(t)
	require.NoError(t, h.disc.Emit(event.EvtPeerDiscovered{Peer: p.ID}))
	require.Eventually(t, func() bool { return h.d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.Close())
	assert.Zero(t, h.d.Pending())
	require.NoError(t, h.d.Close())
	require.Error(t, h.d.Start())
}
