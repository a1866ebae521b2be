// Package websocket 实现基于 websocket 的传输层
package websocket

import (
	"context"
	"time"

	"github.com/dep2p/swarmnet/core/transport"

	logging "github.com/dep2p/log"
	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	mafmt "github.com/multiformats/go-multiaddr-fmt"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
)

var log = logging.Logger("websocket-tpt")

var stdLog = zap.NewStdLog(log.Desugar())

var dialMatcher = mafmt.And(mafmt.TCP, mafmt.Base(ma.P_WS))

// Option 是 websocket 传输的配置选项
type Option func(*WebsocketTransport) error

// WithHandshakeTimeout 设置 websocket 握手超时
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *WebsocketTransport) error {
		t.dialer.HandshakeTimeout = d
		return nil
	}
}

// WebsocketTransport 是 /ws 地址的传输
type WebsocketTransport struct {
	dialer ws.Dialer
}

var _ transport.Transport = (*WebsocketTransport)(nil)

// New 创建 websocket 传输
func New(opts ...Option) (*WebsocketTransport, error) {
	t := &WebsocketTransport{
		dialer: ws.Dialer{HandshakeTimeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// CanDial 判断地址是否为 /ip4|ip6/.../tcp/.../ws
func (t *WebsocketTransport) CanDial(a ma.Multiaddr) bool {
	return dialMatcher.Matches(a)
}

// Protocols 返回此传输处理的协议
func (t *WebsocketTransport) Protocols() []int {
	return []int{ma.P_WS}
}

// Dial 拨号到 websocket 地址
func (t *WebsocketTransport) Dial(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error) {
	u, err := toURL(raddr)
	if err != nil {
		return nil, err
	}
	wscon, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Debugf("websocket 拨号 %s 失败: %s", u, err)
		return nil, err
	}
	c, err := NewConn(wscon)
	if err != nil {
		wscon.Close()
		return nil, err
	}
	return c, nil
}

// Listen 在地址上监听 websocket 连接
func (t *WebsocketTransport) Listen(laddr ma.Multiaddr) (manet.Listener, error) {
	return newListener(laddr)
}

func (t *WebsocketTransport) String() string {
	return "WebSocket"
}
