// Package connmgr 管理每个远程节点唯一的活动连接
package connmgr

import (
	"context"
	"sync"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"

	logging "github.com/dep2p/log"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

var log = logging.Logger("net-connmgr")

// Conn 是连接管理器需要的连接能力
type Conn interface {
	// LocalPeer 返回本地节点 ID
	LocalPeer() peer.ID
	// RemotePeer 返回远程节点 ID
	RemotePeer() peer.ID
	// RemoteMultiaddr 返回远程地址
	RemoteMultiaddr() ma.Multiaddr
	// Direction 返回连接由哪一方发起
	Direction() network.Direction
	// IsClosed 判断连接是否已关闭
	IsClosed() bool
	// Close 关闭连接,可以重复调用
	Close() error
	// Done 返回连接关闭时关闭的通道
	Done() <-chan struct{}
}

// preferred 判断连接是否由 ID 较小的一方发起
// 交叉拨号时双方据此保留同一个连接
func preferred(c Conn) bool {
	if c.Direction() == network.DirOutbound {
		return c.LocalPeer() < c.RemotePeer()
	}
	return c.RemotePeer() < c.LocalPeer()
}

// PeerLookup 用于查找节点记录以维护 ConnectedAddr
type PeerLookup interface {
	Peer(id peer.ID) *peer.Peer
}

// segment 保存一部分节点的连接
type segment struct {
	sync.Mutex
	conns map[peer.ID][]Conn
}

// segments 按节点 ID 的最后一个字节分段以减少锁竞争
type segments [256]*segment

func (ss *segments) get(p peer.ID) *segment {
	return ss[p[len(p)-1]]
}

// ConnManager 保存所有已接纳的连接
//
// 每个节点最多有一个活动连接:Add 在分段锁内原子地决定胜者
// 两端同时互相拨号时保留 ID 较小一方发起的连接,另一个由它的发起方关闭,
// 在此之前作为备用连接保存,活动连接关闭后备用连接接替
// 连接关闭时通过 Done 通道自动移除,连接本身不持有管理器的引用
type ConnManager struct {
	segments segments
	peers    PeerLookup

	emitDisconnected event.Emitter

	refCount sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewConnManager 创建连接管理器
// 参数:
//   - peers: PeerLookup 用于更新节点记录的 ConnectedAddr
//   - bus: event.Bus 用于发出 EvtPeerDisconnected
//
// 返回值:
//   - *ConnManager: 连接管理器
//   - error: 创建发射器失败时返回错误
func NewConnManager(peers PeerLookup, bus event.Bus) (*ConnManager, error) {
	em, err := bus.Emitter(new(event.EvtPeerDisconnected))
	if err != nil {
		return nil, err
	}
	cm := &ConnManager{
		peers:            peers,
		emitDisconnected: em,
	}
	for i := range cm.segments {
		cm.segments[i] = &segment{conns: make(map[peer.ID][]Conn)}
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm, nil
}

// IsConnected 判断是否存在到节点的活动连接
func (cm *ConnManager) IsConnected(p peer.ID) bool {
	_, ok := cm.Get(p)
	return ok
}

// Get 返回到节点的活动连接
// 已关闭但尚未移除的连接会在这里被清理
// 返回值:
//   - Conn: 活动连接
//   - bool: 是否存在活动连接
func (cm *ConnManager) Get(p peer.ID) (Conn, bool) {
	if p == "" {
		return nil, false
	}
	s := cm.segments.get(p)
	s.Lock()
	active, changed, last := s.pruneLocked(p)
	if changed {
		cm.setConnectedAddrLocked(p, active)
	}
	s.Unlock()

	if changed && last {
		cm.emitDisconnect(p)
	}
	if active == nil {
		return nil, false
	}
	return active, true
}

// pruneLocked 移除已关闭的连接
// 返回值:
//   - Conn: 剩余的第一个活动连接
//   - bool: 是否移除了连接
//   - bool: 是否移除的是最后一个连接
func (s *segment) pruneLocked(p peer.ID) (Conn, bool, bool) {
	conns, ok := s.conns[p]
	if !ok {
		return nil, false, false
	}
	kept := conns[:0]
	for _, c := range conns {
		if !c.IsClosed() {
			kept = append(kept, c)
		}
	}
	changed := len(kept) != len(conns)
	if len(kept) == 0 {
		delete(s.conns, p)
		return nil, changed, true
	}
	s.conns[p] = kept
	return kept[0], changed, false
}

// Add 接纳一个连接
// 如果节点已有同方向的活动连接,新连接被关闭并返回已有连接
// 方向相反时保留 ID 较小一方发起的连接:新连接胜出时替换已有连接,
// 否则新连接被关闭,或者在由远程发起时作为备用连接保存
// 参数:
//   - c: Conn 协商完成的连接
//
// 返回值:
//   - Conn: 节点的活动连接
func (cm *ConnManager) Add(c Conn) Conn {
	p := c.RemotePeer()
	s := cm.segments.get(p)

	s.Lock()
	existing, changed, last := s.pruneLocked(p)
	if existing == nil {
		s.conns[p] = []Conn{c}
		cm.setConnectedAddrLocked(p, c)
		s.Unlock()

		if changed && last {
			log.Debugf("节点 %s 的旧连接已关闭,由新连接替换", p)
		}
		cm.refCount.Add(1)
		go cm.watch(c)
		return c
	}
	if changed {
		cm.setConnectedAddrLocked(p, existing)
	}

	if existing.Direction() == c.Direction() || !preferred(c) {
		// 远程发起的落选连接由远程关闭
		standby := c.Direction() == network.DirInbound && existing.Direction() == network.DirOutbound &&
			len(s.conns[p]) == 1
		if standby {
			s.conns[p] = append(s.conns[p], c)
		}
		s.Unlock()

		if standby {
			log.Debugf("节点 %s 已有活动连接,保存备用连接 %s", p, c.RemoteMultiaddr())
			cm.refCount.Add(1)
			go cm.watch(c)
			return existing
		}
		log.Debugf("节点 %s 已有活动连接,关闭冗余连接 %s", p, c.RemoteMultiaddr())
		if err := c.Close(); err != nil {
			log.Debugf("关闭冗余连接失败: %s", err)
		}
		return existing
	}

	// 新连接胜出,本地发起的旧连接被关闭,远程发起的保留为备用
	kept := []Conn{c}
	var drop []Conn
	for _, o := range s.conns[p] {
		if o.Direction() == network.DirInbound && len(kept) < 2 {
			kept = append(kept, o)
		} else {
			drop = append(drop, o)
		}
	}
	s.conns[p] = kept
	cm.setConnectedAddrLocked(p, c)
	s.Unlock()

	log.Debugf("节点 %s 的新连接 %s 替换了已有连接", p, c.RemoteMultiaddr())
	for _, o := range drop {
		if err := o.Close(); err != nil {
			log.Debugf("关闭被替换的连接失败: %s", err)
		}
	}
	cm.refCount.Add(1)
	go cm.watch(c)
	return c
}

// watch 在连接关闭后将其移除
func (cm *ConnManager) watch(c Conn) {
	defer cm.refCount.Done()
	select {
	case <-c.Done():
		cm.Remove(c)
	case <-cm.ctx.Done():
	}
}

// Remove 关闭并移除一个连接
// 返回值:
//   - bool: 连接是否由管理器持有
func (cm *ConnManager) Remove(c Conn) bool {
	p := c.RemotePeer()
	s := cm.segments.get(p)

	s.Lock()
	conns := s.conns[p]
	idx := -1
	for i, cc := range conns {
		if cc == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.Unlock()
		return false
	}
	conns = append(conns[:idx:idx], conns[idx+1:]...)
	var remaining Conn
	if len(conns) == 0 {
		delete(s.conns, p)
	} else {
		s.conns[p] = conns
		remaining = conns[0]
	}
	cm.setConnectedAddrLocked(p, remaining)
	s.Unlock()

	if err := c.Close(); err != nil {
		log.Debugf("关闭连接 %s 失败: %s", c.RemoteMultiaddr(), err)
	}
	if remaining == nil {
		cm.emitDisconnect(p)
	}
	return true
}

// RemovePeer 关闭并移除到节点的所有连接
// 返回值:
//   - bool: 是否存在连接
func (cm *ConnManager) RemovePeer(p peer.ID) bool {
	s := cm.segments.get(p)
	s.Lock()
	conns := s.conns[p]
	delete(s.conns, p)
	if len(conns) > 0 {
		cm.setConnectedAddrLocked(p, nil)
	}
	s.Unlock()

	if len(conns) == 0 {
		return false
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debugf("关闭连接 %s 失败: %s", c.RemoteMultiaddr(), err)
		}
	}
	cm.emitDisconnect(p)
	return true
}

// emitDisconnect 在释放锁之后发出断开事件
func (cm *ConnManager) emitDisconnect(p peer.ID) {
	log.Debugf("与节点 %s 断开连接", p)
	if err := cm.emitDisconnected.Emit(event.EvtPeerDisconnected{Peer: p}); err != nil {
		log.Debugf("发出断开事件失败: %s", err)
	}
}

// setConnectedAddrLocked 在持有分段锁时把节点的连接地址设为活动连接的远程地址
func (cm *ConnManager) setConnectedAddrLocked(p peer.ID, active Conn) {
	if cm.peers == nil {
		return
	}
	rec := cm.peers.Peer(p)
	if rec == nil {
		return
	}
	if active == nil {
		rec.SetConnectedAddr(nil)
		return
	}
	rec.SetConnectedAddr(active.RemoteMultiaddr())
}

// Conns 返回所有活动连接,备用连接不计入
func (cm *ConnManager) Conns() []Conn {
	var out []Conn
	for _, s := range cm.segments {
		s.Lock()
		for _, conns := range s.conns {
			for _, c := range conns {
				if !c.IsClosed() {
					out = append(out, c)
					break
				}
			}
		}
		s.Unlock()
	}
	return out
}

// Len 返回活动连接的数量
func (cm *ConnManager) Len() int {
	return len(cm.Conns())
}

// Clear 关闭并移除所有连接
func (cm *ConnManager) Clear() error {
	all := make(map[peer.ID][]Conn)
	for _, s := range cm.segments {
		s.Lock()
		for p, conns := range s.conns {
			all[p] = conns
			cm.setConnectedAddrLocked(p, nil)
		}
		s.conns = make(map[peer.ID][]Conn)
		s.Unlock()
	}

	var err error
	for p, conns := range all {
		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
		cm.emitDisconnect(p)
	}
	return err
}

// Close 关闭所有连接并停止后台协程
func (cm *ConnManager) Close() error {
	err := cm.Clear()
	cm.cancel()
	cm.refCount.Wait()
	return multierr.Append(err, cm.emitDisconnected.Close())
}
