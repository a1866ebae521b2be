// Package swarm 实现节点的连接编排
//
// Swarm 负责拨号、接受入站连接、升级连接(私有网络、安全、多路复用、identify),
// 并把升级完成的连接交给连接管理器。每个节点最多保持一个活动连接
package swarm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/routing"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/core/transport"
	"github.com/dep2p/swarmnet/p2p/host/peerstore"
	"github.com/dep2p/swarmnet/p2p/muxer/yamux"
	"github.com/dep2p/swarmnet/p2p/net/conngater"
	"github.com/dep2p/swarmnet/p2p/net/connmgr"
	"github.com/dep2p/swarmnet/p2p/net/upgrader"
	"github.com/dep2p/swarmnet/p2p/protocol/identify"
	"github.com/dep2p/swarmnet/p2p/protocol/ping"
	"github.com/dep2p/swarmnet/p2p/security/noise"

	logging "github.com/dep2p/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/multierr"
)

const (
	// DefaultDialTimeout 是一次完整拨号(竞速和升级)的默认超时时间
	DefaultDialTimeout = 30 * time.Second

	// defaultNewStreamTimeout 是在新流上协商协议的默认超时时间
	defaultNewStreamTimeout = 15 * time.Second

	resolveCacheSize = 256
	resolveCacheTTL  = time.Minute
)

var log = logging.Logger("net-swarm")

// AddressPolicy 是 swarm 在拨号和接受连接时咨询的地址策略
type AddressPolicy interface {
	// InterceptPeerDial 判断是否允许拨号到节点
	InterceptPeerDial(p peer.ID) bool
	// InterceptAddrDial 判断是否允许拨号到节点的某个地址
	InterceptAddrDial(p peer.ID, a ma.Multiaddr) bool
	// InterceptAccept 判断是否接受来自远程地址的连接
	InterceptAccept(remote ma.Multiaddr) bool
}

// Option 是 swarm 的配置选项
type Option func(*Swarm) error

// WithTransport 注册传输层
func WithTransport(tpts ...transport.Transport) Option {
	return func(s *Swarm) error {
		for _, t := range tpts {
			if err := s.AddTransport(t); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithUpgrader 设置连接升级器,默认使用 noise 和 yamux
func WithUpgrader(u *upgrader.Upgrader) Option {
	return func(s *Swarm) error {
		s.upgrader = u
		return nil
	}
}

// WithAddressPolicy 设置地址策略
func WithAddressPolicy(p AddressPolicy) Option {
	return func(s *Swarm) error {
		if p == nil {
			return errors.New("地址策略不能为空")
		}
		s.policy = p
		return nil
	}
}

// WithRouting 设置节点路由,用于查找没有已知地址的节点
func WithRouting(r routing.PeerRouting) Option {
	return func(s *Swarm) error {
		s.router = r
		return nil
	}
}

// WithResolver 设置多地址 DNS 解析器
func WithResolver(r transport.Resolver) Option {
	return func(s *Swarm) error {
		s.resolver = r
		return nil
	}
}

// WithDialTimeout 设置拨号超时时间
func WithDialTimeout(t time.Duration) Option {
	return func(s *Swarm) error {
		if t <= 0 {
			return fmt.Errorf("拨号超时必须为正数: %s", t)
		}
		s.dialTimeout = t
		return nil
	}
}

// WithMetricsTracer 设置指标追踪器
func WithMetricsTracer(t MetricsTracer) Option {
	return func(s *Swarm) error {
		s.metricsTracer = t
		return nil
	}
}

// WithInterfaceAddrs 设置展开通配地址时使用的本机地址来源
func WithInterfaceAddrs(f func() ([]ma.Multiaddr, error)) Option {
	return func(s *Swarm) error {
		s.interfaceAddrs = f
		return nil
	}
}

// WithIdentifyOptions 设置 identify 服务的选项
func WithIdentifyOptions(opts ...identify.Option) Option {
	return func(s *Swarm) error {
		s.identifyOpts = append(s.identifyOpts, opts...)
		return nil
	}
}

// Swarm 是连接编排器
type Swarm struct {
	nextConnID   atomic.Uint64
	nextStreamID atomic.Uint64

	// refs 记录监听协程、入站协商和连接的接收流协程
	refs sync.WaitGroup

	key   crypto.PrivKey
	local peer.ID
	self  *peer.Peer

	running atomic.Bool
	// admitMu 保证关闭后不会再有连接被接纳
	admitMu sync.RWMutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	registry *peerstore.Registry
	conns    *connmgr.ConnManager
	upgrader *upgrader.Upgrader
	policy   AddressPolicy
	router   routing.PeerRouting
	ids      *identify.IDService

	resolver     transport.Resolver
	resolveCache *expirable.LRU[string, []ma.Multiaddr]

	dialTimeout    time.Duration
	interfaceAddrs func() ([]ma.Multiaddr, error)
	identifyOpts   []identify.Option
	metricsTracer  MetricsTracer

	transports struct {
		sync.RWMutex
		m map[int]transport.Transport
	}

	listeners struct {
		sync.Mutex
		m map[string]*listener
	}

	// inbound 记录正在协商的入站连接的远程地址
	inbound struct {
		sync.Mutex
		m map[string]struct{}
	}

	protoMu   sync.Mutex
	protocols atomic.Pointer[protocolSet]

	dsync   *dialSync
	limiter *dialLimiter

	emitListener     event.Emitter
	emitConnected    event.Emitter
	emitNotReachable event.Emitter
}

// NewSwarm 创建 swarm
// 参数:
//   - key: crypto.PrivKey 本地节点私钥
//   - bus: event.Bus 事件总线
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *Swarm: 新的 swarm,需要调用 Start 之后才能拨号和监听
//   - error: 配置错误时返回错误
func NewSwarm(key crypto.PrivKey, bus event.Bus, opts ...Option) (*Swarm, error) {
	local, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		key:            key,
		local:          local,
		self:           peer.NewPeer(peer.Info{ID: local, PublicKey: key.GetPublic()}),
		ctx:            ctx,
		ctxCancel:      cancel,
		dialTimeout:    DefaultDialTimeout,
		resolver:       madns.DefaultResolver,
		resolveCache:   expirable.NewLRU[string, []ma.Multiaddr](resolveCacheSize, nil, resolveCacheTTL),
		interfaceAddrs: interfaceMultiaddrs,
		limiter:        newDialLimiter(),
	}
	s.transports.m = make(map[int]transport.Transport)
	s.listeners.m = make(map[string]*listener)
	s.inbound.m = make(map[string]struct{})
	s.protocols.Store(newProtocolSet(nil))

	var closers []interface{ Close() error }
	fail := func(err error) (*Swarm, error) {
		cancel()
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	if s.registry, err = peerstore.NewRegistry(local, bus); err != nil {
		return fail(err)
	}
	closers = append(closers, s.registry)
	if s.conns, err = connmgr.NewConnManager(s.registry, bus); err != nil {
		return fail(err)
	}
	closers = append(closers, s.conns)
	if s.emitListener, err = bus.Emitter(new(event.EvtListenerEstablished)); err != nil {
		return fail(err)
	}
	closers = append(closers, s.emitListener)
	if s.emitConnected, err = bus.Emitter(new(event.EvtConnectionEstablished)); err != nil {
		return fail(err)
	}
	closers = append(closers, s.emitConnected)
	if s.emitNotReachable, err = bus.Emitter(new(event.EvtPeerNotReachable)); err != nil {
		return fail(err)
	}
	closers = append(closers, s.emitNotReachable)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			log.Debugf("应用配置选项失败: %v", err)
			return fail(err)
		}
	}

	if s.policy == nil {
		gater, err := conngater.NewBasicConnectionGater(nil)
		if err != nil {
			return fail(err)
		}
		s.policy = gater
	}
	if s.upgrader == nil {
		st, err := noise.New(noise.ID, key)
		if err != nil {
			return fail(err)
		}
		u, err := upgrader.New(
			[]sec.SecureTransport{st},
			[]upgrader.StreamMuxer{{ID: yamux.ID, Muxer: yamux.DefaultTransport}},
			nil,
		)
		if err != nil {
			return fail(err)
		}
		s.upgrader = u
	}

	s.ids = identify.NewIDService(key.GetPublic(), s, s.identifyOpts...)
	s.AddProtocol(identify.ID, s.ids.HandleIdentifyRequest)
	s.AddProtocol(ping.ID, ping.PingHandler)

	s.dsync = newDialSync(s.ctx, s.dialPeer)
	return s, nil
}

// Start 启动 swarm,之后可以拨号和监听
func (s *Swarm) Start() error {
	select {
	case <-s.ctx.Done():
		return ErrSwarmNotRunning
	default:
	}
	if s.running.CompareAndSwap(false, true) {
		log.Infof("swarm 已启动, 本地节点 %s", s.local)
	}
	return nil
}

// IsRunning 判断 swarm 是否正在运行
func (s *Swarm) IsRunning() bool {
	return s.running.Load()
}

// Close 停止 swarm
// 关闭所有监听器和连接,取消进行中的拨号,并清空本地节点的地址,可以重复调用
func (s *Swarm) Close() error {
	s.closeOnce.Do(s.close)
	return s.closeErr
}

func (s *Swarm) close() {
	s.running.Store(false)
	s.ctxCancel()

	// 等待正在进行的接纳结束
	s.admitMu.Lock()
	s.admitMu.Unlock()

	s.listeners.Lock()
	listeners := s.listeners.m
	s.listeners.m = make(map[string]*listener)
	s.listeners.Unlock()

	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, l.close())
	}
	errs = multierr.Append(errs, s.conns.Clear())

	s.refs.Wait()

	errs = multierr.Combine(
		errs,
		s.conns.Close(),
		s.registry.Close(),
		s.emitListener.Close(),
		s.emitConnected.Close(),
		s.emitNotReachable.Close(),
	)
	s.self.SetAddrs(nil)
	s.closeErr = errs
	log.Infof("swarm 已关闭")
}

// LocalPeer 返回本地节点 ID
func (s *Swarm) LocalPeer() peer.ID {
	return s.local
}

// Self 返回本地节点记录,地址为当前的监听地址
func (s *Swarm) Self() *peer.Peer {
	return s.self
}

// Upgrader 返回连接升级器,可用于运行时修改安全协议和多路复用器
func (s *Swarm) Upgrader() *upgrader.Upgrader {
	return s.upgrader
}

// Policy 返回 swarm 使用的地址策略
func (s *Swarm) Policy() AddressPolicy {
	return s.policy
}

// RegisterAddr 从 /p2p/<id> 结尾的地址注册节点
func (s *Swarm) RegisterAddr(addr ma.Multiaddr) (*peer.Peer, error) {
	return s.registry.RegisterAddr(addr)
}

// RegisterPeer 注册节点或将信息合并到已知节点
func (s *Swarm) RegisterPeer(info peer.Info) (*peer.Peer, error) {
	return s.registry.RegisterPeer(info)
}

// DeregisterPeer 断开节点连接并从注册表中移除,未知节点什么也不做
func (s *Swarm) DeregisterPeer(id peer.ID) {
	if id.Validate() != nil {
		return
	}
	s.conns.RemovePeer(id)
	s.registry.DeregisterPeer(id)
}

// Peer 返回已知节点的记录,未知时返回 nil
func (s *Swarm) Peer(id peer.ID) *peer.Peer {
	return s.registry.Peer(id)
}

// KnownPeers 返回所有已知节点
func (s *Swarm) KnownPeers() []*peer.Peer {
	return s.registry.Peers()
}

// IsConnected 判断是否有到节点的活动连接
func (s *Swarm) IsConnected(id peer.ID) bool {
	return s.conns.IsConnected(id)
}

// HasPendingConnection 判断是否有到节点的进行中拨号
func (s *Swarm) HasPendingConnection(id peer.ID) bool {
	return s.dsync.pending(id)
}

// PendingDials 返回进行中的拨号数量
func (s *Swarm) PendingDials() int {
	return s.dsync.count()
}

// Conns 返回所有活动连接
func (s *Swarm) Conns() []*Conn {
	cs := s.conns.Conns()
	out := make([]*Conn, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.(*Conn))
	}
	return out
}

// ConnsToPeer 返回到节点的活动连接
func (s *Swarm) ConnsToPeer(id peer.ID) []*Conn {
	c, ok := s.conns.Get(id)
	if !ok {
		return nil
	}
	return []*Conn{c.(*Conn)}
}

// ConnCount 返回活动连接数量
func (s *Swarm) ConnCount() int {
	return s.conns.Len()
}

// ListenAddresses 返回本地节点当前的具体监听地址
func (s *Swarm) ListenAddresses() []ma.Multiaddr {
	return s.self.Addrs()
}

// Ping 测量到节点的往返时延并记录为节点的延迟
func (s *Swarm) Ping(ctx context.Context, id peer.ID) (time.Duration, error) {
	st, err := s.OpenStream(ctx, id, ping.ID)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	rtt, err := ping.PingOnce(ctx, st)
	if err != nil {
		st.Reset()
		return 0, err
	}
	s.registry.RecordLatency(id, rtt)
	return rtt, nil
}

// admit 把升级完成的连接交给连接管理器
// 返回值:
//   - *Conn: 节点的活动连接,可能是已经存在的另一个连接
//   - error: swarm 已关闭时返回 ErrSwarmNotRunning
func (s *Swarm) admit(c *Conn) (*Conn, error) {
	s.admitMu.RLock()
	defer s.admitMu.RUnlock()
	if !s.IsRunning() {
		c.Close()
		return nil, ErrSwarmNotRunning
	}

	winner := s.conns.Add(c).(*Conn)
	if winner != c {
		if c.IsClosed() {
			log.Debugf("到 %s 已有活动连接, 关闭新连接 %s", c.RemotePeer(), c.ID())
		} else {
			log.Debugf("到 %s 已有活动连接, 新连接 %s 作为备用", c.RemotePeer(), c.ID())
		}
		return winner, nil
	}
	if !c.setState(network.StateActive) {
		return nil, ErrConnClosed
	}
	if s.metricsTracer != nil {
		s.metricsTracer.OpenedConnection(c.stat.Direction, c.RemotePublicKey(), c.ConnState(), c.LocalMultiaddr())
	}
	s.emitConnected.Emit(event.EvtConnectionEstablished{
		Peer:       c.RemotePeer(),
		RemoteAddr: c.RemoteMultiaddr(),
		Direction:  c.stat.Direction,
	})
	log.Debugf("连接已建立: %s", c)
	return c, nil
}

func (s *Swarm) emitPeerNotReachable(id peer.ID, err error) {
	if errors.Is(err, context.Canceled) || !s.IsRunning() {
		return
	}
	s.emitNotReachable.Emit(event.EvtPeerNotReachable{Peer: id, Error: err})
}

// protocolSet 是已挂载协议的不可变快照
type protocolSet struct {
	handlers map[protocol.ID]network.StreamHandler
	ids      []protocol.ID
	mux      *mss.MultistreamMuxer[protocol.ID]
}

func newProtocolSet(handlers map[protocol.ID]network.StreamHandler) *protocolSet {
	ps := &protocolSet{
		handlers: handlers,
		ids:      make([]protocol.ID, 0, len(handlers)),
		mux:      mss.NewMultistreamMuxer[protocol.ID](),
	}
	for id := range handlers {
		ps.ids = append(ps.ids, id)
		ps.mux.AddHandler(id, nil)
	}
	slices.Sort(ps.ids)
	return ps
}

// AddProtocol 挂载协议处理函数,替换同名协议
// 新的处理函数只对之后开始协商的流生效
func (s *Swarm) AddProtocol(id protocol.ID, h network.StreamHandler) {
	s.protoMu.Lock()
	defer s.protoMu.Unlock()
	cur := s.protocols.Load().handlers
	next := make(map[protocol.ID]network.StreamHandler, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[id] = h
	s.protocols.Store(newProtocolSet(next))
}

// RemoveProtocol 卸载协议
func (s *Swarm) RemoveProtocol(id protocol.ID) {
	s.protoMu.Lock()
	defer s.protoMu.Unlock()
	cur := s.protocols.Load().handlers
	next := make(map[protocol.ID]network.StreamHandler, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	s.protocols.Store(newProtocolSet(next))
}

// Protocols 返回当前挂载的协议
func (s *Swarm) Protocols() []protocol.ID {
	return append([]protocol.ID(nil), s.protocols.Load().ids...)
}
