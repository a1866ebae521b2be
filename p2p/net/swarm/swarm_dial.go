package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/p2p/protocol/identify"

	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Connect 连接到 /p2p/<id> 结尾的地址
// 地址先注册到注册表,然后按 ConnectPeer 拨号
// 参数:
//   - ctx: context.Context 控制本次等待的上下文
//   - addr: ma.Multiaddr 带有节点 ID 的地址
//
// 返回值:
//   - *Conn: 到节点的活动连接
//   - error: 失败时返回错误
func (s *Swarm) Connect(ctx context.Context, addr ma.Multiaddr) (*Conn, error) {
	if !s.IsRunning() {
		return nil, ErrSwarmNotRunning
	}
	p, err := s.registry.RegisterAddr(addr)
	if err != nil {
		return nil, err
	}
	return s.ConnectPeer(ctx, p.ID)
}

// ConnectPeer 返回到节点的活动连接,没有时发起拨号
// 同一节点的并发调用共享同一次拨号
// 参数:
//   - ctx: context.Context 控制本次等待的上下文
//   - id: peer.ID 目标节点
//
// 返回值:
//   - *Conn: 到节点的活动连接
//   - error: 失败时返回错误,竞速全部失败时为 *DialError
func (s *Swarm) ConnectPeer(ctx context.Context, id peer.ID) (*Conn, error) {
	if !s.IsRunning() {
		return nil, ErrSwarmNotRunning
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if id == s.local {
		return nil, ErrDialToSelf
	}
	if c, ok := s.conns.Get(id); ok {
		return c.(*Conn), nil
	}
	if !s.policy.InterceptPeerDial(id) {
		log.Debugf("地址策略拒绝拨号节点 %s", id)
		return nil, fmt.Errorf("%w: 节点 %s 被地址策略拒绝", ErrNoReachableAddress, id)
	}
	c, err := s.dsync.Dial(ctx, id)
	if err == nil && c.IsClosed() {
		if active, ok := s.conns.Get(id); ok {
			return active.(*Conn), nil
		}
		return nil, ErrConnClosed
	}
	return c, err
}

// Disconnect 关闭到地址所属节点的活动连接,没有连接时什么也不做
// 参数:
//   - ctx: context.Context 已取消时直接返回
//   - addr: ma.Multiaddr 以 /p2p/<id> 结尾的地址
//
// 返回值:
//   - error: 地址无效或上下文已取消时返回错误
func (s *Swarm) Disconnect(ctx context.Context, addr ma.Multiaddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := peer.IDFromP2PAddr(addr)
	if err != nil {
		return err
	}
	s.DisconnectPeer(id)
	return nil
}

// DisconnectPeer 关闭到节点的活动连接,节点仍保留在注册表中
func (s *Swarm) DisconnectPeer(id peer.ID) bool {
	if id.Validate() != nil {
		return false
	}
	if s.conns.RemovePeer(id) {
		log.Debugf("已断开节点 %s", id)
		return true
	}
	return false
}

// dialPeer 是 dialSync 对每个节点只运行一次的拨号过程
func (s *Swarm) dialPeer(ctx context.Context, id peer.ID) (*Conn, error) {
	// 排队期间可能已经接纳了入站连接
	if c, ok := s.conns.Get(id); ok {
		return c.(*Conn), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	addrs, err := s.candidateAddrs(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var c *Conn
	raw, err := s.dialRace(ctx, id, addrs)
	if err == nil {
		c, err = s.upgradeAndAdmit(ctx, s.newConn(raw, network.DirOutbound, id))
	}
	if s.metricsTracer != nil {
		s.metricsTracer.DialCompleted(err == nil, len(addrs), time.Since(start))
	}
	if err != nil || c.IsClosed() {
		// 交叉拨号时本次连接可能落选,对方发起的连接已经接纳
		if active, ok := s.conns.Get(id); ok {
			return active.(*Conn), nil
		}
	}
	if err == nil && c.IsClosed() {
		err = ErrConnClosed
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDialTimeout) {
			err = fmt.Errorf("%w: %w", ErrDialTimeout, err)
		}
		log.Debugf("拨号 %s 失败: %s", id, err)
		s.emitPeerNotReachable(id, err)
		return nil, err
	}
	return c, nil
}

// candidateAddrs 计算节点的候选拨号地址
// 没有已知地址时通过路由查找,然后解析 DNS 地址并过滤
func (s *Swarm) candidateAddrs(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	var addrs []ma.Multiaddr
	if p := s.registry.Peer(id); p != nil {
		addrs = p.Addrs()
	}
	if len(addrs) == 0 && s.router != nil {
		info, err := s.router.FindPeer(ctx, id)
		switch {
		case err != nil:
			log.Debugf("路由查找节点 %s 失败: %s", id, err)
		case info.ID != id:
			log.Warnf("路由返回了错误的节点: 期望 %s, 实际 %s", id, info.ID)
		default:
			p, err := s.registry.RegisterPeer(info)
			if err != nil {
				log.Warnf("路由返回的节点 %s 无法注册: %s", id, err)
				break
			}
			addrs = p.Addrs()
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: 节点 %s 没有已知地址", ErrNoReachableAddress, id)
	}

	good := s.filterKnownUndialables(id, s.resolveAddrs(ctx, id, addrs))
	if len(good) == 0 {
		return nil, fmt.Errorf("%w: 节点 %s 的 %d 个地址都不可拨号", ErrNoReachableAddress, id, len(addrs))
	}
	return good, nil
}

// resolveAddrs 解析地址中的 DNS 组件,结果按地址缓存
func (s *Swarm) resolveAddrs(ctx context.Context, id peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		ta := peer.WithoutPeerID(a)
		if ta == nil {
			continue
		}
		if !madns.Matches(ta) {
			out = append(out, ta)
			continue
		}
		out = append(out, s.resolve(ctx, id, ta)...)
	}
	return out
}

func (s *Swarm) resolve(ctx context.Context, id peer.ID, a ma.Multiaddr) []ma.Multiaddr {
	key := string(a.Bytes())
	if cached, ok := s.resolveCache.Get(key); ok {
		return cached
	}
	if s.resolver == nil {
		return nil
	}
	resolved, err := s.resolver.Resolve(ctx, a)
	if err != nil {
		log.Debugf("解析地址 %s 失败: %s", a, err)
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(resolved))
	for _, r := range resolved {
		ta, rid := peer.SplitAddr(r)
		if ta == nil || (rid != "" && rid != id) {
			continue
		}
		out = append(out, ta)
	}
	s.resolveCache.Add(key, out)
	return out
}

// filterKnownUndialables 去掉重复地址、本地监听地址、没有传输层支持以及被地址策略拒绝的地址
// 返回的地址都以 /p2p/<id> 结尾
func (s *Swarm) filterKnownUndialables(id peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr {
	ours := s.ListenAddresses()
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range ma.Unique(addrs) {
		if ma.Contains(ours, a) {
			continue
		}
		full, err := peer.WithPeerID(a, id)
		if err != nil {
			continue
		}
		if s.TransportForDialing(full) == nil {
			continue
		}
		if !s.policy.InterceptAddrDial(id, full) {
			log.Debugf("地址策略拒绝拨号 %s", full)
			continue
		}
		out = append(out, full)
	}
	return out
}

type dialResult struct {
	addr ma.Multiaddr
	conn manet.Conn
	err  error
}

// dialRace 并行拨号所有候选地址,第一个成功的连接胜出
// 其余拨号被取消,晚到的成功连接被关闭
// 参数:
//   - ctx: context.Context 所有拨号共享的上下文
//   - id: peer.ID 目标节点
//   - addrs: []ma.Multiaddr 候选地址
//
// 返回值:
//   - manet.Conn: 胜出的原始连接
//   - error: 全部失败时返回 *DialError
func (s *Swarm) dialRace(ctx context.Context, id peer.ID, addrs []ma.Multiaddr) (manet.Conn, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	results := make(chan dialResult, len(addrs))
	for _, a := range addrs {
		go func(a ma.Multiaddr) {
			c, err := s.dialAddr(ctx, id, a)
			results <- dialResult{addr: a, conn: c, err: err}
		}(a)
	}

	derr := &DialError{Peer: id}
	for i := 0; i < len(addrs); i++ {
		r := <-results
		if r.err != nil {
			derr.recordErr(r.addr, r.err)
			continue
		}

		cancel(errConcurrentDialSuccessful)
		remaining := len(addrs) - i - 1
		if remaining > 0 {
			go func() {
				for j := 0; j < remaining; j++ {
					if late := <-results; late.conn != nil {
						late.conn.Close()
					}
				}
			}()
		}
		log.Debugf("拨号 %s 成功: %s", id, r.addr)
		return r.conn, nil
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		derr.Cause = fmt.Errorf("%w: %w", ErrDialTimeout, ctx.Err())
	} else if cerr := context.Cause(ctx); cerr != nil {
		derr.Cause = cerr
	}
	cancel(nil)
	return nil, derr
}

// dialAddr 通过传输层拨号单个地址
func (s *Swarm) dialAddr(ctx context.Context, id peer.ID, addr ma.Multiaddr) (manet.Conn, error) {
	tpt := s.TransportForDialing(addr)
	if tpt == nil {
		return nil, ErrUnsupportedTransport
	}

	release, err := s.limiter.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	raw := peer.WithoutPeerID(addr)
	c, err := tpt.Dial(ctx, raw)
	if err != nil {
		if s.metricsTracer != nil {
			s.metricsTracer.FailedDialing(raw, err, context.Cause(ctx))
		}
		return nil, err
	}
	return c, nil
}

// upgradeAndAdmit 升级连接、运行 identify 并交给连接管理器
// 失败时连接已被关闭
func (s *Swarm) upgradeAndAdmit(ctx context.Context, c *Conn) (*Conn, error) {
	if err := c.upgrade(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.start()

	info, err := s.identifyConn(ctx, c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("identify %s 失败: %w", c.RemotePeer(), err)
	}
	if _, err := s.registry.RegisterPeer(info); err != nil {
		c.Close()
		return nil, err
	}
	return s.admit(c)
}

// identifyConn 在连接上打开 identify 流并读取远程节点的信息
// 上下文结束时重置流,读取不会超出拨号的时间预算
func (s *Swarm) identifyConn(ctx context.Context, c *Conn) (peer.Info, error) {
	st, err := c.NewStream(ctx)
	if err != nil {
		return peer.Info{}, err
	}
	stop := context.AfterFunc(ctx, func() { st.Reset() })
	defer stop()

	if err := st.selectProtocol(ctx, identify.ID); err != nil {
		return peer.Info{}, ctxErr(ctx, err)
	}
	info, _, err := s.ids.ReadIdentifyResponse(st)
	if err != nil {
		return peer.Info{}, ctxErr(ctx, err)
	}
	return info, nil
}

// ctxErr 在上下文已经结束时把上下文的错误包装进 err
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}
