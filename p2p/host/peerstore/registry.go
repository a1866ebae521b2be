// Package peerstore 维护本地已知节点的注册表
package peerstore

import (
	"errors"
	"sync"
	"time"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/peer"

	logging "github.com/dep2p/log"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

var log = logging.Logger("host-peerstore")

// ErrSelfRegistration 表示尝试把本地节点注册为远程节点
var ErrSelfRegistration = errors.New("不能注册本地节点")

// Registry 是已知远程节点的注册表
//
// 注册表以节点 ID 为键保存 peer.Peer 记录,同一 ID 只会有一条记录
// 首次注册发出 EvtPeerDiscovered,注销发出 EvtPeerRemoved,事件总是在释放锁之后发出
type Registry struct {
	local peer.ID

	mu    sync.RWMutex
	peers map[peer.ID]*peer.Peer

	latency *latencyTracker

	emitDiscovered event.Emitter
	emitRemoved    event.Emitter
}

// NewRegistry 创建新的注册表
// 参数:
//   - local: peer.ID 本地节点 ID,注册它会返回 ErrSelfRegistration
//   - bus: event.Bus 用于发出注册事件的事件总线
//
// 返回值:
//   - *Registry: 注册表
//   - error: 创建发射器失败时返回错误
func NewRegistry(local peer.ID, bus event.Bus) (*Registry, error) {
	discovered, err := bus.Emitter(new(event.EvtPeerDiscovered))
	if err != nil {
		return nil, err
	}
	removed, err := bus.Emitter(new(event.EvtPeerRemoved))
	if err != nil {
		discovered.Close()
		return nil, err
	}
	return &Registry{
		local:          local,
		peers:          make(map[peer.ID]*peer.Peer),
		latency:        newLatencyTracker(),
		emitDiscovered: discovered,
		emitRemoved:    removed,
	}, nil
}

// RegisterAddr 从 /p2p/<id> 结尾的地址注册节点
// 参数:
//   - addr: ma.Multiaddr 带有节点 ID 的地址
//
// 返回值:
//   - *peer.Peer: 已注册的节点记录
//   - error: 地址格式错误返回 peer.ErrInvalidAddr,注册本地节点返回 ErrSelfRegistration
func (r *Registry) RegisterAddr(addr ma.Multiaddr) (*peer.Peer, error) {
	info, err := peer.InfoFromP2pAddr(addr)
	if err != nil {
		return nil, err
	}
	return r.RegisterPeer(info)
}

// RegisterPeer 注册节点或将信息合并到已有记录
// 参数:
//   - info: peer.Info 节点信息
//
// 返回值:
//   - *peer.Peer: 注册表中的记录,已知节点返回原有记录
//   - error: ID 无效或公钥与 ID 不匹配时返回错误,注册本地节点返回 ErrSelfRegistration
func (r *Registry) RegisterPeer(info peer.Info) (*peer.Peer, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.ID == r.local {
		return nil, ErrSelfRegistration
	}

	r.mu.Lock()
	p, ok := r.peers[info.ID]
	if ok {
		p.Merge(info)
		r.mu.Unlock()
		return p, nil
	}
	p = peer.NewPeer(info)
	r.peers[info.ID] = p
	r.mu.Unlock()

	log.Debugf("发现新节点 %s", info.ID)
	if err := r.emitDiscovered.Emit(event.EvtPeerDiscovered{Peer: info.ID}); err != nil {
		log.Warnf("发出节点发现事件失败: %s", err)
	}
	return p, nil
}

// DeregisterPeer 从注册表中移除节点,未知节点直接忽略
// 返回值:
//   - bool: 节点是否存在并被移除
func (r *Registry) DeregisterPeer(id peer.ID) bool {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.latency.remove(id)
	log.Debugf("注销节点 %s", id)
	if err := r.emitRemoved.Emit(event.EvtPeerRemoved{Peer: id}); err != nil {
		log.Warnf("发出节点移除事件失败: %s", err)
	}
	return true
}

// Peer 返回节点记录,未知节点返回 nil
func (r *Registry) Peer(id peer.ID) *peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Peers 返回所有节点记录
func (r *Registry) Peers() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerIDs 返回所有已知节点的 ID
func (r *Registry) PeerIDs() peer.IDSlice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(peer.IDSlice, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// Len 返回已知节点的数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RecordLatency 记录一次往返时延测量
// 平均值按 EWMA 平滑后写入节点记录,未知节点被忽略
func (r *Registry) RecordLatency(id peer.ID, rtt time.Duration) {
	p := r.Peer(id)
	if p == nil {
		return
	}
	p.SetLatency(r.latency.record(id, rtt))
}

// Close 关闭注册表的事件发射器
func (r *Registry) Close() error {
	return multierr.Combine(r.emitDiscovered.Close(), r.emitRemoved.Close())
}
