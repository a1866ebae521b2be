package websocket

import (
	"fmt"
	"net"
	"net/url"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var wsComponent = ma.StringCast("/ws")

// toURL 将 /ip4/.../tcp/.../ws 转换为 ws:// URL
func toURL(maddr ma.Multiaddr) (*url.URL, error) {
	rest := maddr.Decapsulate(wsComponent)
	if rest == nil || rest.Equal(maddr) {
		return nil, fmt.Errorf("不是一个 websocket 多地址: %s", maddr)
	}
	network, host, err := manet.DialArgs(rest)
	if err != nil {
		return nil, err
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("不支持的 websocket 网络类型 %s", network)
	}
	return &url.URL{Scheme: "ws", Host: host}, nil
}

// fromNetAddr 将 TCP 地址转换为 websocket 多地址
func fromNetAddr(a net.Addr) (ma.Multiaddr, error) {
	tcpma, err := manet.FromNetAddr(a)
	if err != nil {
		return nil, err
	}
	return tcpma.Encapsulate(wsComponent), nil
}
