// Package transport 定义 swarm 使用的传输层接口
//
// 传输层只负责建立原始的多地址连接,安全和多路复用的协商由 swarm 完成
package transport

import (
	"context"
	"errors"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ErrListenerClosed 在监听器关闭后调用 Accept 时返回
var ErrListenerClosed = errors.New("监听器已关闭")

// Transport 表示可以连接到其他节点并接受其他节点连接的传输方式
type Transport interface {
	// Dial 拨号到远程地址,返回原始连接
	Dial(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error)

	// CanDial 如果此传输知道如何拨号给定的多地址,则返回 true
	CanDial(addr ma.Multiaddr) bool

	// Listen 在给定的多地址上监听,端口 0 会被替换为实际分配的端口
	Listen(laddr ma.Multiaddr) (manet.Listener, error)

	// Protocols 返回此传输处理的协议代码集合,地址的最后一个协议决定使用哪个传输
	Protocols() []int
}

// Resolver 将一个多地址展开为多个多地址
type Resolver interface {
	Resolve(ctx context.Context, maddr ma.Multiaddr) ([]ma.Multiaddr, error)
}
