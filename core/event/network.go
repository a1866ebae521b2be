package event

import (
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// EvtListenerEstablished 在一个监听请求成功绑定后发出
type EvtListenerEstablished struct {
	// ListenAddr 是调用方请求监听的地址
	ListenAddr ma.Multiaddr
	// Addrs 是展开后的具体监听地址
	Addrs []ma.Multiaddr
}

// EvtConnectionEstablished 在一个连接被连接管理器接纳为活动连接后发出
// 因竞争而被丢弃的冗余连接不会发出此事件
type EvtConnectionEstablished struct {
	// Peer 是远程节点
	Peer peer.ID
	// RemoteAddr 是连接的远程地址
	RemoteAddr ma.Multiaddr
	// Direction 是连接方向
	Direction network.Direction
}

// EvtPeerDiscovered 在注册表第一次记录某个节点时发出
// 重复注册同一节点不会再次发出
type EvtPeerDiscovered struct {
	// Peer 是新发现的节点
	Peer peer.ID
}

// EvtPeerDisconnected 在节点的最后一个活动连接被移除时发出
type EvtPeerDisconnected struct {
	// Peer 是断开连接的节点
	Peer peer.ID
}

// EvtPeerRemoved 在节点从注册表中注销时发出
type EvtPeerRemoved struct {
	// Peer 是被注销的节点
	Peer peer.ID
}

// EvtPeerNotReachable 在出站拨号或协商失败时发出
type EvtPeerNotReachable struct {
	// Peer 是无法到达的节点
	Peer peer.ID
	// Error 是导致失败的错误
	Error error
}
