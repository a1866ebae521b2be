// Package autodial 维持最少的连接数量
//
// 发现新节点或节点断开时,如果活动连接加上进行中的拨号少于下限,
// 自动拨号器会拨号新发现的节点,或者从未连接的已知节点中随机挑选一个
package autodial

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"
	"github.com/dep2p/swarmnet/p2p/net/swarm"

	logging "github.com/dep2p/log"
)

var log = logging.Logger("net-autodial")

// DefaultMinConnections 是默认的最少连接数量
const DefaultMinConnections = 16

// Network 是自动拨号器使用的 swarm 能力,*swarm.Swarm 实现了它
type Network interface {
	IsRunning() bool
	ConnCount() int
	PendingDials() int
	KnownPeers() []*peer.Peer
	HasPendingConnection(id peer.ID) bool
	ConnectPeer(ctx context.Context, id peer.ID) (*swarm.Conn, error)
}

// Policy 判断节点是否允许被拨号,*conngater.BasicConnectionGater 实现了它
type Policy interface {
	IsAllowedPeer(p *peer.Peer) bool
}

// Option 是自动拨号器的配置选项
type Option func(*AutoDialer) error

// WithMinConnections 设置最少连接数量,0 表示禁用自动拨号
func WithMinConnections(n int) Option {
	return func(d *AutoDialer) error {
		if n < 0 {
			return fmt.Errorf("最少连接数量不能为负数: %d", n)
		}
		d.minConns = n
		return nil
	}
}

// AutoDialer 是自动拨号器
type AutoDialer struct {
	net    Network
	policy Policy
	bus    event.Bus

	minConns int
	pending  atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	refCount sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// New 创建自动拨号器
// 参数:
//   - net: Network 用于拨号和查询连接
//   - policy: Policy 过滤被拒绝的节点
//   - bus: event.Bus 订阅节点发现和断开事件
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *AutoDialer: 自动拨号器,调用 Start 后开始工作
//   - error: 配置错误时返回错误
func New(net Network, policy Policy, bus event.Bus, opts ...Option) (*AutoDialer, error) {
	if net == nil || policy == nil || bus == nil {
		return nil, errors.New("自动拨号器需要网络、策略和事件总线")
	}
	d := &AutoDialer{
		net:      net,
		policy:   policy,
		bus:      bus,
		minConns: DefaultMinConnections,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			log.Errorf("应用配置选项失败: %v", err)
			return nil, err
		}
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// MinConnections 返回最少连接数量
func (d *AutoDialer) MinConnections() int {
	return d.minConns
}

// Pending 返回自动拨号器发起的进行中拨号数量
func (d *AutoDialer) Pending() int {
	return int(d.pending.Load())
}

// Start 订阅事件,最少连接数量为 0 时什么也不做
func (d *AutoDialer) Start() error {
	if d.closed.Load() {
		return errors.New("自动拨号器已关闭")
	}
	if d.minConns == 0 {
		log.Debugf("最少连接数量为 0, 自动拨号已禁用")
		return nil
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	sub, err := d.bus.Subscribe([]interface{}{
		new(event.EvtPeerDiscovered),
		new(event.EvtPeerDisconnected),
	}, eventbus.Name("net-autodial"))
	if err != nil {
		log.Errorf("订阅事件失败, 自动拨号器未启动: %s", err)
		return err
	}
	d.refCount.Add(1)
	go d.background(sub)
	return nil
}

func (d *AutoDialer) background(sub event.Subscription) {
	defer d.refCount.Done()
	defer sub.Close()

	for {
		select {
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case event.EvtPeerDiscovered:
				d.onPeerDiscovered(evt.Peer)
			case event.EvtPeerDisconnected:
				d.onPeerDisconnected(evt.Peer)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// belowMin 判断活动连接加进行中的拨号是否少于下限
// 进行中的拨号包括调用方和健康管理器通过 swarm 发起的拨号,
// 自动拨号器自己的拨号在进入 swarm 之前也要计入
func (d *AutoDialer) belowMin() bool {
	if !d.net.IsRunning() {
		return false
	}
	pending := max(d.net.PendingDials(), d.Pending())
	return d.net.ConnCount()+pending < d.minConns
}

func (d *AutoDialer) onPeerDiscovered(id peer.ID) {
	if !d.belowMin() {
		return
	}
	log.Debugf("拨号新发现的节点 %s", id)
	d.dial(id)
}

func (d *AutoDialer) onPeerDisconnected(gone peer.ID) {
	if !d.belowMin() {
		return
	}
	candidates := d.candidates(gone)
	if len(candidates) == 0 {
		log.Debugf("没有可以替换 %s 的节点", gone)
		return
	}
	id := candidates[rand.Intn(len(candidates))]
	log.Debugf("拨号 %s 以替换断开的 %s", id, gone)
	d.dial(id)
}

// candidates 返回未连接、不是 exclude、被策略允许并且没有进行中拨号的已知节点
func (d *AutoDialer) candidates(exclude peer.ID) []peer.ID {
	var out []peer.ID
	for _, p := range d.net.KnownPeers() {
		switch {
		case p.ID == exclude:
		case p.ConnectedAddr() != nil:
		case !d.policy.IsAllowedPeer(p):
		case d.net.HasPendingConnection(p.ID):
		default:
			out = append(out, p.ID)
		}
	}
	return out
}

// dial 在后台拨号,失败只记录日志
func (d *AutoDialer) dial(id peer.ID) {
	d.pending.Add(1)
	d.refCount.Add(1)
	go func() {
		defer d.refCount.Done()
		defer d.pending.Add(-1)
		if _, err := d.net.ConnectPeer(d.ctx, id); err != nil {
			log.Warnf("自动拨号 %s 失败: %s", id, err)
		}
	}()
}

// Close 停止自动拨号器并等待进行中的拨号结束,可以重复调用
func (d *AutoDialer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.refCount.Wait()
	return nil
}
