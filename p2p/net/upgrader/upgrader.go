// Package upgrader 将原始传输连接升级为经过认证的多路复用连接
//
// 升级分为三步:私有网络保护、安全协议协商、多路复用协议协商
// 每一步由调用方单独驱动,以便调用方维护连接的状态机
package upgrader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	ipnet "github.com/dep2p/swarmnet/core/pnet"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/p2p/net/pnet"

	logging "github.com/dep2p/log"
	manet "github.com/multiformats/go-multiaddr/net"
	mss "github.com/multiformats/go-multistream"
)

var log = logging.Logger("net-upgrader")

var (
	// ErrNilPeer 表示出站连接没有指定远程节点
	ErrNilPeer = errors.New("空对等点")
	// ErrProtocolNotSupported 表示双方没有共同支持的协议
	ErrProtocolNotSupported = errors.New("没有共同支持的协议")
)

// AcceptQueueLength 是同时进行的入站握手数量上限
var AcceptQueueLength = 16

const defaultNegotiateTimeout = 60 * time.Second

// StreamMuxer 将多路复用器与它的协议 ID 绑定在一起
type StreamMuxer struct {
	ID    protocol.ID
	Muxer network.Multiplexer
}

// Option 是升级器的配置选项
type Option func(*Upgrader) error

// WithNegotiateTimeout 设置单次多路复用协商的超时时间
func WithNegotiateTimeout(t time.Duration) Option {
	return func(u *Upgrader) error {
		if t <= 0 {
			return fmt.Errorf("协商超时必须为正数: %s", t)
		}
		u.negotiateTimeout = t
		return nil
	}
}

// securitySet 是安全协议集合的不可变快照
type securitySet struct {
	transports []sec.SecureTransport
	ids        []protocol.ID
	muxer      *mss.MultistreamMuxer[protocol.ID]
}

func newSecuritySet(transports []sec.SecureTransport) *securitySet {
	s := &securitySet{
		transports: transports,
		ids:        make([]protocol.ID, 0, len(transports)),
		muxer:      mss.NewMultistreamMuxer[protocol.ID](),
	}
	for _, t := range transports {
		s.ids = append(s.ids, t.ID())
		s.muxer.AddHandler(t.ID(), nil)
	}
	return s
}

func (s *securitySet) get(id protocol.ID) sec.SecureTransport {
	for _, t := range s.transports {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// muxerSet 是多路复用器集合的不可变快照
type muxerSet struct {
	muxers []StreamMuxer
	ids    []protocol.ID
	muxer  *mss.MultistreamMuxer[protocol.ID]
}

func newMuxerSet(muxers []StreamMuxer) *muxerSet {
	s := &muxerSet{
		muxers: muxers,
		ids:    make([]protocol.ID, 0, len(muxers)),
		muxer:  mss.NewMultistreamMuxer[protocol.ID](),
	}
	for _, m := range muxers {
		s.ids = append(s.ids, m.ID)
		s.muxer.AddHandler(m.ID, nil)
	}
	return s
}

func (s *muxerSet) get(id protocol.ID) *StreamMuxer {
	for i := range s.muxers {
		if s.muxers[i].ID == id {
			return &s.muxers[i]
		}
	}
	return nil
}

// Upgrader 保存升级连接所需的协议集合
//
// 安全协议和多路复用器集合是写时复制的快照,修改只影响之后开始协商的连接
type Upgrader struct {
	protector *pnet.Protector

	writeMu  sync.Mutex
	security atomic.Pointer[securitySet]
	muxers   atomic.Pointer[muxerSet]

	threshold        *threshold
	negotiateTimeout time.Duration
}

// New 创建升级器
// 参数:
//   - security: []sec.SecureTransport 按优先级排列的安全协议
//   - muxers: []StreamMuxer 按优先级排列的多路复用器
//   - psk: ipnet.PSK 私有网络密钥,为 nil 表示公共网络
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *Upgrader: 升级器
//   - error: 配置错误时返回错误
func New(security []sec.SecureTransport, muxers []StreamMuxer, psk ipnet.PSK, opts ...Option) (*Upgrader, error) {
	u := &Upgrader{
		threshold:        newThreshold(AcceptQueueLength),
		negotiateTimeout: defaultNegotiateTimeout,
	}
	for _, opt := range opts {
		if err := opt(u); err != nil {
			log.Errorf("配置升级器失败: %v", err)
			return nil, err
		}
	}

	if psk != nil {
		p, err := pnet.NewProtector(psk)
		if err != nil {
			return nil, err
		}
		u.protector = p
	} else if ipnet.ForcePrivateNetwork {
		log.Errorf("环境要求使用私有网络,但没有配置 PSK")
		return nil, ipnet.ErrNotInPrivateNetwork
	}

	u.security.Store(newSecuritySet(append([]sec.SecureTransport(nil), security...)))
	u.muxers.Store(newMuxerSet(append([]StreamMuxer(nil), muxers...)))
	return u, nil
}

// AddSecurity 添加或替换一个安全协议,新协议优先级最低
func (u *Upgrader) AddSecurity(st sec.SecureTransport) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	cur := u.security.Load().transports
	next := make([]sec.SecureTransport, 0, len(cur)+1)
	for _, t := range cur {
		if t.ID() != st.ID() {
			next = append(next, t)
		}
	}
	u.security.Store(newSecuritySet(append(next, st)))
}

// RemoveSecurity 移除一个安全协议
func (u *Upgrader) RemoveSecurity(id protocol.ID) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	cur := u.security.Load().transports
	next := make([]sec.SecureTransport, 0, len(cur))
	for _, t := range cur {
		if t.ID() != id {
			next = append(next, t)
		}
	}
	u.security.Store(newSecuritySet(next))
}

// AddMuxer 添加或替换一个多路复用器,新多路复用器优先级最低
func (u *Upgrader) AddMuxer(m StreamMuxer) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	cur := u.muxers.Load().muxers
	next := make([]StreamMuxer, 0, len(cur)+1)
	for _, x := range cur {
		if x.ID != m.ID {
			next = append(next, x)
		}
	}
	u.muxers.Store(newMuxerSet(append(next, m)))
}

// RemoveMuxer 移除一个多路复用器
func (u *Upgrader) RemoveMuxer(id protocol.ID) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	cur := u.muxers.Load().muxers
	next := make([]StreamMuxer, 0, len(cur))
	for _, x := range cur {
		if x.ID != id {
			next = append(next, x)
		}
	}
	u.muxers.Store(newMuxerSet(next))
}

// SecurityProtocols 返回当前的安全协议 ID
func (u *Upgrader) SecurityProtocols() []protocol.ID {
	return append([]protocol.ID(nil), u.security.Load().ids...)
}

// MuxerProtocols 返回当前的多路复用器协议 ID
func (u *Upgrader) MuxerProtocols() []protocol.ID {
	return append([]protocol.ID(nil), u.muxers.Load().ids...)
}

// IsPrivate 判断是否启用了私有网络
func (u *Upgrader) IsPrivate() bool {
	return u.protector != nil
}

// Protect 用私有网络密钥包装原始连接,公共网络直接返回原连接
func (u *Upgrader) Protect(c manet.Conn) (manet.Conn, error) {
	if u.protector == nil {
		return c, nil
	}
	pc, err := u.protector.Protect(c)
	if err != nil {
		return nil, fmt.Errorf("设置私有网络保护失败: %w", err)
	}
	return pc, nil
}

// InboundSlot 阻塞直到入站握手数量低于 AcceptQueueLength
// 返回值:
//   - func(): 握手结束后调用以归还名额
func (u *Upgrader) InboundSlot() func() {
	u.threshold.acquire()
	var once sync.Once
	return func() { once.Do(u.threshold.release) }
}

// SecureOutbound 在出站连接上协商并执行安全握手
// 参数:
//   - ctx: context.Context 控制握手的上下文
//   - conn: net.Conn 原始连接
//   - p: peer.ID 期望的远程节点,不能为空
//
// 返回值:
//   - sec.SecureConn: 安全连接
//   - protocol.ID: 选定的安全协议
//   - error: 失败时返回错误,调用方负责关闭 conn
func (u *Upgrader) SecureOutbound(ctx context.Context, conn net.Conn, p peer.ID) (sec.SecureConn, protocol.ID, error) {
	if p == "" {
		return nil, "", ErrNilPeer
	}
	return u.secure(ctx, conn, p, false)
}

// SecureInbound 在入站连接上协商并执行安全握手,远程节点由握手确定
func (u *Upgrader) SecureInbound(ctx context.Context, conn net.Conn) (sec.SecureConn, protocol.ID, error) {
	return u.secure(ctx, conn, "", true)
}

func (u *Upgrader) secure(ctx context.Context, conn net.Conn, p peer.ID, isServer bool) (sec.SecureConn, protocol.ID, error) {
	set := u.security.Load()
	proto, err := negotiate(ctx, conn, set.ids, set.muxer, isServer)
	if err != nil {
		return nil, "", fmt.Errorf("协商安全协议失败: %w", err)
	}
	st := set.get(proto)
	if st == nil {
		return nil, "", fmt.Errorf("选择了未知的安全协议: %s", proto)
	}

	var sconn sec.SecureConn
	if isServer {
		sconn, err = st.SecureInbound(ctx, conn, p)
	} else {
		sconn, err = st.SecureOutbound(ctx, conn, p)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s 握手失败: %w", proto, err)
	}
	return sconn, proto, nil
}

// Multiplex 在安全连接上协商多路复用器并创建多路复用连接
// 参数:
//   - ctx: context.Context 控制协商的上下文
//   - sconn: sec.SecureConn 安全连接
//   - isServer: bool 本端是否为入站一方
//
// 返回值:
//   - protocol.ID: 选定的多路复用器
//   - network.MuxedConn: 多路复用连接
//   - error: 失败时返回错误,调用方负责关闭 sconn
func (u *Upgrader) Multiplex(ctx context.Context, sconn sec.SecureConn, isServer bool) (protocol.ID, network.MuxedConn, error) {
	set := u.muxers.Load()

	ctx, cancel := context.WithTimeout(ctx, u.negotiateTimeout)
	defer cancel()
	proto, err := negotiate(ctx, sconn, set.ids, set.muxer, isServer)
	if err != nil {
		return "", nil, fmt.Errorf("协商流多路复用器失败: %w", err)
	}
	m := set.get(proto)
	if m == nil {
		return "", nil, fmt.Errorf("选择了未知的多路复用器: %s", proto)
	}
	mc, err := m.Muxer.NewConn(sconn, isServer)
	if err != nil {
		return "", nil, fmt.Errorf("创建多路复用连接失败: %w", err)
	}
	return proto, mc, nil
}

// negotiate 运行 multistream-select 协商
// 服务端从 muxer 中选择,客户端按优先级依次提议 ids
// 上下文取消时关闭连接以打断阻塞的读写
func negotiate(ctx context.Context, conn net.Conn, ids []protocol.ID, muxer *mss.MultistreamMuxer[protocol.ID], isServer bool) (protocol.ID, error) {
	if len(ids) == 0 {
		return "", ErrProtocolNotSupported
	}

	type result struct {
		proto protocol.ID
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if isServer {
			r.proto, _, r.err = muxer.Negotiate(conn)
		} else {
			r.proto, r.err = mss.SelectOneOf(ids, conn)
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var ns mss.ErrNotSupported[protocol.ID]
			if errors.As(r.err, &ns) || errors.Is(r.err, mss.ErrNoProtocols) {
				return "", fmt.Errorf("%w: %w", ErrProtocolNotSupported, r.err)
			}
			return "", r.err
		}
		return r.proto, nil
	case <-ctx.Done():
		conn.Close()
		<-done
		return "", ctx.Err()
	}
}
