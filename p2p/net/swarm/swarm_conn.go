package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/p2p/metricshelper"
	"github.com/dep2p/swarmnet/p2p/net/connmgr"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Conn 是 swarm 管理的连接
//
// 连接按 Created -> SecurityNegotiating -> SecurityEstablished -> MuxerNegotiating ->
// MuxerEstablished -> Active 推进,任何失败都直接进入 Closed
// 连接通过 Done 通道通知关闭,不持有连接管理器的引用
type Conn struct {
	id    uint64
	swarm *Swarm

	raw   manet.Conn
	local peer.ID
	laddr ma.Multiaddr
	raddr ma.Multiaddr
	stat  network.Stats

	state atomic.Int32

	mu        sync.Mutex
	remote    peer.ID
	remoteKey crypto.PubKey
	sconn     sec.SecureConn
	mconn     network.MuxedConn
	connState network.ConnectionState
	closing   bool

	secOnce sync.Once
	secDone chan struct{}
	secErr  error

	muxOnce sync.Once
	muxDone chan struct{}
	muxErr  error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	streams struct {
		sync.Mutex
		m map[*Stream]struct{}
	}
}

var _ connmgr.Conn = (*Conn)(nil)

// newConn 包装原始连接,出站连接的 remote 是期望的节点,入站连接在安全握手后才知道
func (s *Swarm) newConn(raw manet.Conn, dir network.Direction, remote peer.ID) *Conn {
	c := &Conn{
		id:      s.nextConnID.Add(1),
		swarm:   s,
		raw:     raw,
		local:   s.local,
		laddr:   raw.LocalMultiaddr(),
		raddr:   raw.RemoteMultiaddr(),
		stat:    network.Stats{Direction: dir, Opened: time.Now()},
		remote:  remote,
		secDone: make(chan struct{}),
		muxDone: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	c.connState.Transport = metricshelper.GetTransport(c.raddr)
	c.streams.m = make(map[*Stream]struct{})
	return c
}

// ID 返回连接的标识 "<远程节点>-<序号>"
func (c *Conn) ID() string {
	return fmt.Sprintf("%s-%d", c.RemotePeer().ShortString(), c.id)
}

func (c *Conn) String() string {
	return fmt.Sprintf("<swarm.Conn[%s] %s (%s) <-> %s (%s)>",
		c.connState.Transport, c.laddr, c.local, c.raddr, c.RemotePeer())
}

// LocalPeer 返回本地节点 ID
func (c *Conn) LocalPeer() peer.ID {
	return c.local
}

// RemotePeer 返回远程节点 ID,入站连接在安全握手完成前为空
func (c *Conn) RemotePeer() peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// RemotePublicKey 返回安全握手认证的远程公钥
func (c *Conn) RemotePublicKey() crypto.PubKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteKey
}

// LocalMultiaddr 返回本地地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr {
	return c.laddr
}

// RemoteMultiaddr 返回远程地址
func (c *Conn) RemoteMultiaddr() ma.Multiaddr {
	return c.raddr
}

// Stat 返回连接的方向和建立时间
func (c *Conn) Stat() network.Stats {
	return c.stat
}

// Direction 返回连接由哪一方发起
func (c *Conn) Direction() network.Direction {
	return c.stat.Direction
}

// ConnState 返回协商得到的协议
func (c *Conn) ConnState() network.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// State 返回连接在状态机中的位置
func (c *Conn) State() network.ConnState {
	return network.ConnState(c.state.Load())
}

// setState 推进状态,连接已关闭时返回 false
func (c *Conn) setState(next network.ConnState) bool {
	for {
		cur := c.state.Load()
		if network.ConnState(cur) == network.StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// SecurityDone 返回安全协商结束时关闭的通道
func (c *Conn) SecurityDone() <-chan struct{} {
	return c.secDone
}

// SecurityErr 返回安全协商的结果,应在 SecurityDone 关闭后读取
func (c *Conn) SecurityErr() error {
	<-c.secDone
	return c.secErr
}

// MuxerDone 返回多路复用协商结束时关闭的通道
func (c *Conn) MuxerDone() <-chan struct{} {
	return c.muxDone
}

// MuxerErr 返回多路复用协商的结果,应在 MuxerDone 关闭后读取
func (c *Conn) MuxerErr() error {
	<-c.muxDone
	return c.muxErr
}

func (c *Conn) settleSecurity(err error) {
	c.secOnce.Do(func() {
		c.secErr = err
		close(c.secDone)
	})
}

func (c *Conn) settleMuxer(err error) {
	c.muxOnce.Do(func() {
		c.muxErr = err
		close(c.muxDone)
	})
}

// upgrade 依次完成私有网络保护、安全握手和多路复用协商
// 上下文结束时关闭原始连接以打断阻塞的握手
func (c *Conn) upgrade(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.raw.Close() })
	defer stop()

	u := c.swarm.upgrader
	start := time.Now()

	c.setState(network.StateSecurityNegotiating)
	pc, err := u.Protect(c.raw)
	if err != nil {
		c.settleSecurity(err)
		return err
	}
	var (
		sconn sec.SecureConn
		proto protocol.ID
	)
	if c.stat.Direction == network.DirOutbound {
		sconn, proto, err = u.SecureOutbound(ctx, pc, c.RemotePeer())
	} else {
		sconn, proto, err = u.SecureInbound(ctx, pc)
	}
	c.settleSecurity(err)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		sconn.Close()
		return ErrConnClosed
	}
	c.sconn = sconn
	c.remote = sconn.RemotePeer()
	c.remoteKey = sconn.RemotePublicKey()
	c.connState.Security = proto
	c.mu.Unlock()
	c.setState(network.StateSecurityEstablished)

	c.setState(network.StateMuxerNegotiating)
	mproto, mconn, err := u.Multiplex(ctx, sconn, c.stat.Direction == network.DirInbound)
	c.settleMuxer(err)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		mconn.Close()
		return ErrConnClosed
	}
	c.mconn = mconn
	c.connState.StreamMultiplexer = mproto
	c.mu.Unlock()
	if !c.setState(network.StateMuxerEstablished) {
		return ErrConnClosed
	}

	if c.swarm.metricsTracer != nil {
		c.swarm.metricsTracer.CompletedHandshake(time.Since(start), c.ConnState(), c.laddr)
	}
	return nil
}

// start 在多路复用连接上接收远程打开的流
// 多路复用会话结束时关闭连接
func (c *Conn) start() {
	c.swarm.refs.Add(1)
	go func() {
		defer c.swarm.refs.Done()
		defer c.Close()
		mconn := c.muxed()
		if mconn == nil {
			return
		}
		for {
			ms, err := mconn.AcceptStream()
			if err != nil {
				return
			}
			st, err := c.addStream(ms, network.DirInbound)
			if err != nil {
				return
			}
			go c.swarm.handleStream(st)
		}
	}()
}

func (c *Conn) muxed() network.MuxedConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mconn
}

// NewStream 在连接上打开新的流
// 参数:
//   - ctx: context.Context 控制打开流的上下文
//
// 返回值:
//   - *Stream: 尚未协商协议的流
//   - error: 连接不可用时返回 ErrConnClosed
func (c *Conn) NewStream(ctx context.Context) (*Stream, error) {
	switch c.State() {
	case network.StateMuxerEstablished, network.StateActive:
	default:
		return nil, ErrConnClosed
	}
	mconn := c.muxed()
	if mconn == nil {
		return nil, ErrConnClosed
	}
	ms, err := mconn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return c.addStream(ms, network.DirOutbound)
}

func (c *Conn) addStream(ms network.MuxedStream, dir network.Direction) (*Stream, error) {
	c.streams.Lock()
	defer c.streams.Unlock()
	if c.streams.m == nil {
		ms.Reset()
		return nil, ErrConnClosed
	}
	s := &Stream{
		id:     c.swarm.nextStreamID.Add(1),
		stream: ms,
		conn:   c,
		stat:   network.Stats{Direction: dir, Opened: time.Now()},
	}
	c.streams.m[s] = struct{}{}
	return s, nil
}

func (c *Conn) removeStream(s *Stream) {
	c.streams.Lock()
	delete(c.streams.m, s)
	c.streams.Unlock()
}

// NumStreams 返回连接上打开的流数量
func (c *Conn) NumStreams() int {
	c.streams.Lock()
	defer c.streams.Unlock()
	return len(c.streams.m)
}

// Done 返回连接关闭时关闭的通道
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// IsClosed 判断连接是否已关闭
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close 关闭连接和其上的所有流,可以重复调用
func (c *Conn) Close() error {
	c.closeOnce.Do(c.doClose)
	return c.closeErr
}

func (c *Conn) doClose() {
	prev := network.ConnState(c.state.Swap(int32(network.StateClosed)))

	c.mu.Lock()
	c.closing = true
	mconn, sconn := c.mconn, c.sconn
	c.mu.Unlock()

	c.streams.Lock()
	streams := c.streams.m
	c.streams.m = nil
	c.streams.Unlock()
	for s := range streams {
		s.Reset()
	}

	switch {
	case mconn != nil:
		c.closeErr = mconn.Close()
	case sconn != nil:
		c.closeErr = sconn.Close()
	default:
		c.closeErr = c.raw.Close()
	}

	c.settleSecurity(ErrConnClosed)
	c.settleMuxer(ErrConnClosed)
	close(c.closed)

	if prev == network.StateActive && c.swarm.metricsTracer != nil {
		c.swarm.metricsTracer.ClosedConnection(c.stat.Direction, time.Since(c.stat.Opened), c.ConnState(), c.laddr)
	}
	log.Debugf("连接已关闭: %s", c)
}
