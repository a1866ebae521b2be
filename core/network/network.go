// Package network 提供了 swarm 层使用的核心网络抽象
//
// 它定义连接方向、连接状态机、流与多路复用的接口,具体实现位于 p2p/net/swarm 与 p2p/muxer
package network

import (
	"time"

	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
)

// MessageSizeMax 是网络消息的软限制(建议)最大值
const MessageSizeMax = 1 << 22 // 4 MB

// Direction 表示在流中哪个节点发起了连接
type Direction int

const (
	// DirUnknown 是默认的方向
	DirUnknown Direction = iota
	// DirInbound 表示远程节点发起了连接
	DirInbound
	// DirOutbound 表示本地节点发起了连接
	DirOutbound
)

// unrecognized 表示未识别的枚举值
const unrecognized = "(unrecognized)"

// String 返回Direction的字符串表示
func (d Direction) String() string {
	str := [...]string{"Unknown", "Inbound", "Outbound"}
	if d < 0 || int(d) >= len(str) {
		return unrecognized
	}
	return str[d]
}

// ConnState 是单个连接在协商过程中所处的状态
//
// 状态只能前进: Created → SecurityNegotiating → SecurityEstablished →
// MuxerNegotiating → MuxerEstablished → Active → Closed,任何失败直接进入 Closed
type ConnState int32

const (
	// StateCreated 传输层连接刚刚建立
	StateCreated ConnState = iota
	// StateSecurityNegotiating 正在协商安全协议
	StateSecurityNegotiating
	// StateSecurityEstablished 安全通道已建立
	StateSecurityEstablished
	// StateMuxerNegotiating 正在协商多路复用协议
	StateMuxerNegotiating
	// StateMuxerEstablished 多路复用器已建立
	StateMuxerEstablished
	// StateActive 连接已被连接管理器接纳
	StateActive
	// StateClosed 连接已关闭
	StateClosed
)

// String 返回连接状态的名称
func (s ConnState) String() string {
	str := [...]string{
		"Created",
		"SecurityNegotiating",
		"SecurityEstablished",
		"MuxerNegotiating",
		"MuxerEstablished",
		"Active",
		"Closed",
	}
	if s < 0 || int(s) >= len(str) {
		return unrecognized
	}
	return str[s]
}

// ConnectionState 记录连接协商出的各层协议
type ConnectionState struct {
	// Security 是协商出的安全协议
	Security protocol.ID
	// StreamMultiplexer 是协商出的多路复用协议
	StreamMultiplexer protocol.ID
	// Transport 是传输层协议名,例如 "tcp"、"websocket"
	Transport string
}

// Stats 存储与给定连接相关的元数据
type Stats struct {
	// Direction 指定这是入站还是出站连接
	Direction Direction
	// Opened 是此连接打开的时间戳
	Opened time.Time
}

// Stream 是在连接上协商好协议的双向流
type Stream interface {
	MuxedStream

	// Protocol 返回流上协商的协议
	Protocol() protocol.ID

	// RemotePeer 返回流另一端的节点 ID
	RemotePeer() peer.ID

	// RemoteMultiaddr 返回流所在连接的远程地址
	RemoteMultiaddr() ma.Multiaddr
}

// StreamHandler 是用于处理远程端打开的流的函数类型
type StreamHandler func(Stream)
