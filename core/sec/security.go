// Package sec 提供安全连接和安全传输的接口
package sec

import (
	"context"
	"fmt"
	"net"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
)

// SecureConn 是经过认证和加密的连接
type SecureConn interface {
	net.Conn

	// LocalPeer 返回本地节点 ID
	LocalPeer() peer.ID

	// RemotePeer 返回握手中认证的远程节点 ID
	RemotePeer() peer.ID

	// RemotePublicKey 返回远程节点的公钥
	RemotePublicKey() crypto.PubKey
}

// SecureTransport 将不安全的连接升级为安全连接
type SecureTransport interface {
	// SecureInbound 保护入站连接
	// 如果 p 为空,则接受任何对等节点
	SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// SecureOutbound 保护出站连接,p 必须是期望的远程节点
	SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// ID 返回安全协议的协议 ID
	ID() protocol.ID
}

// ErrPeerIDMismatch 在远程节点的密钥与期望的 ID 不匹配时返回
type ErrPeerIDMismatch struct {
	Expected peer.ID
	Actual   peer.ID
}

func (e ErrPeerIDMismatch) Error() string {
	return fmt.Sprintf("对等节点ID不匹配: 期望 %s, 但远程密钥匹配 %s", e.Expected, e.Actual)
}

var _ error = (*ErrPeerIDMismatch)(nil)
