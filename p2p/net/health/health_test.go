package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"
	"github.com/dep2p/swarmnet/p2p/net/conngater"
	"github.com/dep2p/swarmnet/p2p/net/swarm"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("无法连接")

// fakeNetwork 记录重连和注销调用
type fakeNetwork struct {
	mu           sync.Mutex
	dials        []peer.ID
	deregistered []peer.ID

	// err 非空时 ConnectPeer 返回它
	err error
	// block 非空时 ConnectPeer 阻塞直到它被关闭
	block    chan struct{}
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (n *fakeNetwork) ConnectPeer(ctx context.Context, id peer.ID) (*swarm.Conn, error) {
	cur := n.inflight.Add(1)
	defer n.inflight.Add(-1)
	for {
		prev := n.maxSeen.Load()
		if cur <= prev || n.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	n.mu.Lock()
	n.dials = append(n.dials, id)
	block, err := n.block, n.err
	n.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, errUnreachable
}

func (n *fakeNetwork) DeregisterPeer(id peer.ID) {
	n.mu.Lock()
	n.deregistered = append(n.deregistered, id)
	n.mu.Unlock()
}

func (n *fakeNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dials)
}

func randomPeer(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

type harness struct {
	m     *Manager
	net   *fakeNetwork
	gater *conngater.BasicConnectionGater
	clk   *clock.Mock
	bus   event.Bus
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	gater, err := conngater.NewBasicConnectionGater(nil)
	require.NoError(t, err)
	h := &harness{
		net:   &fakeNetwork{},
		gater: gater,
		clk:   clock.NewMock(),
		bus:   eventbus.NewBus(),
	}
	h.m, err = NewManager(h.net, gater, h.bus, append([]Option{WithClock(h.clk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { h.m.Close() })
	return h
}

func (h *harness) record(t *testing.T, id peer.ID) DeadPeer {
	t.Helper()
	for _, d := range h.m.DeadPeers() {
		if d.Peer == id {
			return d
		}
	}
	t.Fatalf("没有节点 %s 的记录", id)
	return DeadPeer{}
}

// TestBackoffDoubling 测试退避时间翻倍直到超过上限
func TestBackoffDoubling(t *testing.T) {
	h := newHarness(t)
	id := randomPeer(t)

	want := DefaultInitialBackoff
	for want <= DefaultMaxBackoff {
		h.m.SetNotReachable(id)
		d := h.record(t, id)
		assert.Equal(t, want, d.Backoff)
		assert.Equal(t, h.clk.Now().Add(want), d.NextAttempt)
		assert.False(t, d.Permanent())
		assert.False(t, h.gater.InterceptPeerDial(id), "退避期间节点应被拒绝")
		want *= 2
	}
	assert.Empty(t, h.net.deregistered)

	// 第八次失败时退避超过 64 分钟
	h.m.SetNotReachable(id)
	d := h.record(t, id)
	assert.True(t, d.Permanent())
	assert.Equal(t, 128*time.Minute, d.Backoff)
	assert.Equal(t, []peer.ID{id}, h.net.deregistered)
	assert.True(t, h.gater.InterceptPeerDial(id))
}

// TestSetReachable 测试连接建立后记录和拒绝规则被清除
func TestSetReachable(t *testing.T) {
	h := newHarness(t)
	id := randomPeer(t)

	h.m.SetNotReachable(id)
	h.m.SetNotReachable(id)
	require.Len(t, h.m.DeadPeers(), 1)

	h.m.SetReachable(id)
	assert.Empty(t, h.m.DeadPeers())
	assert.True(t, h.gater.InterceptPeerDial(id))

	// 重新不可达时从初始退避开始
	h.m.SetNotReachable(id)
	assert.Equal(t, DefaultInitialBackoff, h.record(t, id).Backoff)
}

// TestSetReachableKeepsForeignRules 测试没有记录的节点的拒绝规则不受影响
func TestSetReachableKeepsForeignRules(t *testing.T) {
	h := newHarness(t)
	id := randomPeer(t)
	require.NoError(t, h.gater.DenyPeer(id))

	h.m.SetReachable(id)
	assert.False(t, h.gater.InterceptPeerDial(id))
}

// TestEvents 测试管理器响应事件总线上的事件
func TestEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start())
	id := randomPeer(t)

	notReachable, err := h.bus.Emitter(new(event.EvtPeerNotReachable))
	require.NoError(t, err)
	defer notReachable.Close()
	established, err := h.bus.Emitter(new(event.EvtConnectionEstablished))
	require.NoError(t, err)
	defer established.Close()

	require.NoError(t, notReachable.Emit(event.EvtPeerNotReachable{Peer: id, Error: errUnreachable}))
	require.Eventually(t, func() bool { return len(h.m.DeadPeers()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, established.Emit(event.EvtConnectionEstablished{Peer: id}))
	require.Eventually(t, func() bool { return len(h.m.DeadPeers()) == 0 }, time.Second, 5*time.Millisecond)
}

// TestSweep 测试到期的节点被移除拒绝规则并重连
func TestSweep(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start())

	due := randomPeer(t)
	later := randomPeer(t)
	h.m.SetNotReachable(due)
	h.m.SetNotReachable(later)
	h.m.SetNotReachable(later)

	h.clk.Add(DefaultInitialBackoff)

	require.Eventually(t, func() bool { return h.net.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	h.net.mu.Lock()
	assert.Equal(t, []peer.ID{due}, h.net.dials)
	h.net.mu.Unlock()
	assert.True(t, h.gater.InterceptPeerDial(due))
	assert.False(t, h.gater.InterceptPeerDial(later))
}

// TestSweepSkipsPermanent 测试永久失效的节点不会被重连
func TestSweepSkipsPermanent(t *testing.T) {
	h := newHarness(t, WithInitialBackoff(time.Minute), WithMaxBackoff(time.Minute))
	id := randomPeer(t)
	h.m.SetNotReachable(id)
	h.m.SetNotReachable(id)
	require.True(t, h.record(t, id).Permanent())

	h.m.sweep(context.Background())
	assert.Zero(t, h.net.dialCount())
}

// TestSweepFailureBeforeRace 测试竞速之前失败的重连继续退避,竞速失败交给不可达事件处理
func TestSweepFailureBeforeRace(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		backoff time.Duration
	}{
		{"没有地址", fmt.Errorf("%w: 节点没有已知地址", swarm.ErrNoReachableAddress), 2 * DefaultInitialBackoff},
		{"竞速失败", &swarm.DialError{Cause: swarm.ErrNoReachableAddress}, DefaultInitialBackoff},
		{"其他错误", errUnreachable, DefaultInitialBackoff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.net.err = tc.err
			id := randomPeer(t)
			h.m.SetNotReachable(id)
			h.clk.Add(DefaultInitialBackoff)

			h.m.sweep(context.Background())
			require.Equal(t, 1, h.net.dialCount())
			d := h.record(t, id)
			assert.Equal(t, tc.backoff, d.Backoff)
			if tc.backoff > DefaultInitialBackoff {
				assert.Equal(t, h.clk.Now().Add(tc.backoff), d.NextAttempt)
				assert.False(t, h.gater.InterceptPeerDial(id))
			}
		})
	}
}

// TestSweepConcurrencyLimit 测试一次清扫中同时进行的重连数量有上限
func TestSweepConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	h.net.block = make(chan struct{})
	for i := 0; i < 3*DefaultMaxConcurrentRevivals; i++ {
		h.m.SetNotReachable(randomPeer(t))
	}
	h.clk.Add(DefaultInitialBackoff)

	done := make(chan struct{})
	go func() {
		h.m.sweep(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.net.inflight.Load() == DefaultMaxConcurrentRevivals
	}, time.Second, 5*time.Millisecond)
	close(h.net.block)
	<-done

	assert.Equal(t, int32(DefaultMaxConcurrentRevivals), h.net.maxSeen.Load())
	assert.Equal(t, 3*DefaultMaxConcurrentRevivals, h.net.dialCount())
}

// TestOptions 测试配置校验
func TestOptions(t *testing.T) {
	gater, err := conngater.NewBasicConnectionGater(nil)
	require.NoError(t, err)
	bus := eventbus.NewBus()

	m, err := NewManager(&fakeNetwork{}, gater, bus, WithSweepInterval(time.Second))
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialBackoff, m.sweepInterval, "清扫间隔不能短于初始退避时间")
	require.NoError(t, m.Close())
	require.Error(t, m.Start())

	_, err = NewManager(&fakeNetwork{}, gater, bus, WithInitialBackoff(time.Hour), WithMaxBackoff(time.Minute))
	require.Error(t, err)
	_, err = NewManager(&fakeNetwork{}, gater, bus, WithMaxConcurrentRevivals(0))
	require.Error(t, err)
	_, err = NewManager(nil, gater, bus)
	require.Error(t, err)
}
