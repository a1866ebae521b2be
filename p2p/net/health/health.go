// Package health 跟踪无法到达的节点
//
// 节点每次连续不可达时退避时间翻倍,退避期间节点地址被拒绝;
// 退避超过上限的节点被视为永久失效并从注册表中注销。
// 后台定期尝试重新连接已到期的节点
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"
	"github.com/dep2p/swarmnet/p2p/net/swarm"

	"github.com/benbjohnson/clock"
	logging "github.com/dep2p/log"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("net-health")

const (
	// DefaultInitialBackoff 是第一次不可达后的退避时间
	DefaultInitialBackoff = time.Minute
	// DefaultMaxBackoff 是退避时间的上限,超过后节点被视为永久失效
	DefaultMaxBackoff = 64 * time.Minute
	// DefaultMaxConcurrentRevivals 是一次清扫中同时进行的重连数量上限
	DefaultMaxConcurrentRevivals = 10
)

// Never 是永久失效节点的 NextAttempt
var Never = time.Time{}

// DeadPeer 是一个不可达节点的记录
type DeadPeer struct {
	Peer        peer.ID
	Backoff     time.Duration
	NextAttempt time.Time
}

// Permanent 判断节点是否已被视为永久失效
func (d DeadPeer) Permanent() bool {
	return d.NextAttempt.Equal(Never)
}

// Network 是健康管理器使用的 swarm 能力,*swarm.Swarm 实现了它
type Network interface {
	ConnectPeer(ctx context.Context, id peer.ID) (*swarm.Conn, error)
	DeregisterPeer(id peer.ID)
}

// Gater 是健康管理器修改的拒绝列表,*conngater.BasicConnectionGater 实现了它
type Gater interface {
	DenyPeer(p peer.ID) error
	UndenyPeer(p peer.ID) error
}

// Option 是健康管理器的配置选项
type Option func(*Manager) error

// WithInitialBackoff 设置第一次不可达后的退避时间
func WithInitialBackoff(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("初始退避时间必须为正数: %s", d)
		}
		m.initialBackoff = d
		return nil
	}
}

// WithMaxBackoff 设置退避时间上限
func WithMaxBackoff(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("退避时间上限必须为正数: %s", d)
		}
		m.maxBackoff = d
		return nil
	}
}

// WithSweepInterval 设置清扫间隔,短于初始退避时间时使用初始退避时间
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) error {
		m.sweepInterval = d
		return nil
	}
}

// WithMaxConcurrentRevivals 设置一次清扫中同时进行的重连数量上限
func WithMaxConcurrentRevivals(n int) Option {
	return func(m *Manager) error {
		if n <= 0 {
			return fmt.Errorf("并发重连数量必须为正数: %d", n)
		}
		m.maxRevivals = n
		return nil
	}
}

// WithClock 设置时钟,测试中使用模拟时钟
func WithClock(c clock.Clock) Option {
	return func(m *Manager) error {
		m.clock = c
		return nil
	}
}

// Manager 是节点健康管理器
type Manager struct {
	net   Network
	gater Gater
	bus   event.Bus
	clock clock.Clock

	initialBackoff time.Duration
	maxBackoff     time.Duration
	sweepInterval  time.Duration
	maxRevivals    int

	mu   sync.Mutex
	dead map[peer.ID]*DeadPeer

	sweeping atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	refCount sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// NewManager 创建健康管理器
// 参数:
//   - net: Network 用于重连和注销节点
//   - gater: Gater 退避期间拒绝节点的策略
//   - bus: event.Bus 订阅不可达和连接建立事件
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *Manager: 健康管理器,调用 Start 后开始工作
//   - error: 配置错误时返回错误
func NewManager(net Network, gater Gater, bus event.Bus, opts ...Option) (*Manager, error) {
	if net == nil || gater == nil || bus == nil {
		return nil, errors.New("健康管理器需要网络、策略和事件总线")
	}
	m := &Manager{
		net:            net,
		gater:          gater,
		bus:            bus,
		clock:          clock.New(),
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		maxRevivals:    DefaultMaxConcurrentRevivals,
		dead:           make(map[peer.ID]*DeadPeer),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			log.Errorf("应用配置选项失败: %v", err)
			return nil, err
		}
	}
	if m.maxBackoff < m.initialBackoff {
		return nil, fmt.Errorf("退避时间上限 %s 小于初始退避时间 %s", m.maxBackoff, m.initialBackoff)
	}
	if m.sweepInterval < m.initialBackoff {
		m.sweepInterval = m.initialBackoff
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Start 订阅事件并启动后台清扫
func (m *Manager) Start() error {
	if m.closed.Load() {
		return errors.New("健康管理器已关闭")
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	sub, err := m.bus.Subscribe([]interface{}{
		new(event.EvtPeerNotReachable),
		new(event.EvtConnectionEstablished),
	}, eventbus.Name("net-health"))
	if err != nil {
		log.Errorf("订阅事件失败, 健康管理器未启动: %s", err)
		return err
	}
	ticker := m.clock.Ticker(m.sweepInterval)

	m.refCount.Add(1)
	go m.background(sub, ticker)
	log.Debugf("健康管理器已启动, 清扫间隔 %s", m.sweepInterval)
	return nil
}

func (m *Manager) background(sub event.Subscription, ticker *clock.Ticker) {
	defer m.refCount.Done()
	defer sub.Close()
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case event.EvtPeerNotReachable:
				m.SetNotReachable(evt.Peer)
			case event.EvtConnectionEstablished:
				m.SetReachable(evt.Peer)
			}
		case <-ticker.C:
			// 上一次清扫还没结束时跳过
			if !m.sweeping.CompareAndSwap(false, true) {
				continue
			}
			m.refCount.Add(1)
			go func() {
				defer m.refCount.Done()
				defer m.sweeping.Store(false)
				m.sweep(m.ctx)
			}()
		case <-m.ctx.Done():
			return
		}
	}
}

// SetNotReachable 记录一次不可达
// 退避时间第一次为初始值,之后每次翻倍;未超过上限时拒绝节点直到下次尝试,
// 超过上限时节点被标记为永久失效并从注册表中注销
func (m *Manager) SetNotReachable(id peer.ID) {
	m.mu.Lock()
	d, ok := m.dead[id]
	if !ok {
		d = &DeadPeer{Peer: id, Backoff: m.initialBackoff}
		m.dead[id] = d
	} else {
		d.Backoff *= 2
	}
	permanent := d.Backoff > m.maxBackoff
	if permanent {
		d.NextAttempt = Never
	} else {
		d.NextAttempt = m.clock.Now().Add(d.Backoff)
	}
	backoff := d.Backoff
	m.mu.Unlock()

	if permanent {
		if err := m.gater.UndenyPeer(id); err != nil {
			log.Debugf("移除节点 %s 的拒绝规则失败: %s", id, err)
		}
		m.net.DeregisterPeer(id)
		log.Infof("节点 %s 永久失效, 已注销", id)
		return
	}
	if err := m.gater.DenyPeer(id); err != nil {
		log.Warnf("拒绝节点 %s 失败: %s", id, err)
	}
	log.Debugf("节点 %s 不可达, 退避 %s", id, backoff)
}

// SetReachable 清除节点的不可达记录并移除拒绝规则
func (m *Manager) SetReachable(id peer.ID) {
	m.mu.Lock()
	_, ok := m.dead[id]
	delete(m.dead, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.gater.UndenyPeer(id); err != nil {
		log.Debugf("移除节点 %s 的拒绝规则失败: %s", id, err)
	}
	log.Debugf("节点 %s 恢复可达", id)
}

// DeadPeers 返回当前的不可达节点记录,按节点 ID 排序
func (m *Manager) DeadPeers() []DeadPeer {
	m.mu.Lock()
	out := make([]DeadPeer, 0, len(m.dead))
	for _, d := range m.dead {
		out = append(out, *d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// due 返回下次尝试时间已到的节点
func (m *Manager) due(now time.Time) []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []peer.ID
	for id, d := range m.dead {
		if d.Permanent() || now.Before(d.NextAttempt) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// sweep 对所有到期的节点移除拒绝规则并尝试重连
// 拨号竞速失败时 swarm 发出的不可达事件会让节点重新进入退避,
// 竞速之前就失败的重连在这里直接记录一次不可达
func (m *Manager) sweep(ctx context.Context) {
	peers := m.due(m.clock.Now())
	if len(peers) == 0 {
		return
	}
	log.Debugf("尝试重连 %d 个节点", len(peers))

	var g errgroup.Group
	g.SetLimit(m.maxRevivals)
	for _, id := range peers {
		g.Go(func() error {
			if err := m.gater.UndenyPeer(id); err != nil {
				log.Debugf("移除节点 %s 的拒绝规则失败: %s", id, err)
			}
			if _, err := m.net.ConnectPeer(ctx, id); err != nil {
				log.Debugf("重连节点 %s 失败: %s", id, err)
				if failedBeforeRace(err) {
					m.SetNotReachable(id)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// failedBeforeRace 判断拨号是否在地址竞速之前失败,这种失败 swarm 不会发出不可达事件
func failedBeforeRace(err error) bool {
	if swarm.Classify(err) != swarm.OutcomeRecoverable {
		return false
	}
	var dialErr *swarm.DialError
	return errors.Is(err, swarm.ErrNoReachableAddress) && !errors.As(err, &dialErr)
}

// Close 停止后台任务并清空记录,可以重复调用
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.refCount.Wait()

	m.mu.Lock()
	m.dead = make(map[peer.ID]*DeadPeer)
	m.mu.Unlock()
	log.Debugf("健康管理器已关闭")
	return nil
}
