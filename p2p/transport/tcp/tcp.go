// Package tcp 实现基于 TCP 的传输层
package tcp

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/dep2p/swarmnet/core/transport"

	logging "github.com/dep2p/log"
	ma "github.com/multiformats/go-multiaddr"
	mafmt "github.com/multiformats/go-multiaddr-fmt"
	manet "github.com/multiformats/go-multiaddr/net"
)

const defaultConnectTimeout = 5 * time.Second

var log = logging.Logger("tcp-tpt")

const keepAlivePeriod = 30 * time.Second

type canKeepAlive interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

var _ canKeepAlive = &net.TCPConn{}

func tryKeepAlive(conn net.Conn, keepAlive bool) {
	keepAliveConn, ok := conn.(canKeepAlive)
	if !ok {
		log.Errorf("无法设置 TCP keepalive")
		return
	}
	if err := keepAliveConn.SetKeepAlive(keepAlive); err != nil {
		// macOS 上对已被对端关闭的连接设置 keepalive 会返回 EINVAL
		if errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.EINVAL) {
			log.Debugf("启用 TCP keepalive 失败: %s", err)
		} else {
			log.Errorf("启用 TCP keepalive 失败: %s", err)
		}
		return
	}
	if runtime.GOOS != "openbsd" {
		if err := keepAliveConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			log.Errorf("设置 keepalive 周期失败: %s", err)
		}
	}
}

func tryLinger(conn net.Conn, sec int) {
	type canLinger interface {
		SetLinger(int) error
	}
	if lingerConn, ok := conn.(canLinger); ok {
		_ = lingerConn.SetLinger(sec)
	}
}

type tcpListener struct {
	manet.Listener
	sec int
}

func (ll *tcpListener) Accept() (manet.Conn, error) {
	c, err := ll.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tryLinger(c, ll.sec)
	tryKeepAlive(c, true)
	return c, nil
}

// Option 是 TCP 传输的配置选项
type Option func(*TcpTransport) error

// WithConnectionTimeout 设置单次拨号的超时时间,0 表示只受调用方上下文约束
func WithConnectionTimeout(d time.Duration) Option {
	return func(tr *TcpTransport) error {
		tr.connectTimeout = d
		return nil
	}
}

// WithLinger 设置关闭连接时的 SO_LINGER 秒数
func WithLinger(sec int) Option {
	return func(tr *TcpTransport) error {
		tr.linger = sec
		return nil
	}
}

// TcpTransport 是 TCP 传输
type TcpTransport struct {
	connectTimeout time.Duration
	linger         int
}

var _ transport.Transport = &TcpTransport{}

// NewTCPTransport 创建 TCP 传输
func NewTCPTransport(opts ...Option) (*TcpTransport, error) {
	tr := &TcpTransport{connectTimeout: defaultConnectTimeout}
	for _, o := range opts {
		if err := o(tr); err != nil {
			log.Errorf("应用配置选项时出错: %s", err)
			return nil, err
		}
	}
	return tr, nil
}

var dialMatcher = mafmt.And(mafmt.IP, mafmt.Base(ma.P_TCP))

// CanDial 判断地址是否为 /ip4|ip6/.../tcp/...
func (t *TcpTransport) CanDial(addr ma.Multiaddr) bool {
	return dialMatcher.Matches(addr)
}

// Dial 拨号到远程地址
func (t *TcpTransport) Dial(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error) {
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}
	var d manet.Dialer
	c, err := d.DialContext(ctx, raddr)
	if err != nil {
		return nil, err
	}
	tryLinger(c, t.linger)
	tryKeepAlive(c, true)
	return c, nil
}

// Listen 在地址上监听
func (t *TcpTransport) Listen(laddr ma.Multiaddr) (manet.Listener, error) {
	list, err := manet.Listen(laddr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{Listener: list, sec: t.linger}, nil
}

// Protocols 返回此传输处理的协议
func (t *TcpTransport) Protocols() []int {
	return []int{ma.P_TCP}
}

func (t *TcpTransport) String() string {
	return "TCP"
}
