package yamux

import (
	"context"

	"github.com/dep2p/swarmnet/core/network"

	"github.com/hashicorp/yamux"
)

// conn 实现 network.MuxedConn
type conn yamux.Session

var _ network.MuxedConn = &conn{}

func newMuxedConn(m *yamux.Session) network.MuxedConn {
	return (*conn)(m)
}

// Close 关闭会话及其所有流
func (c *conn) Close() error {
	return c.yamux().Close()
}

// IsClosed 判断会话是否已关闭
func (c *conn) IsClosed() bool {
	return c.yamux().IsClosed()
}

// OpenStream 打开新的流,ctx 取消时放弃等待
func (c *conn) OpenStream(ctx context.Context) (network.MuxedStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		s   *yamux.Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.yamux().OpenStream()
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			log.Debugf("创建多路复用流失败: %v", r.err)
			return nil, r.err
		}
		return (*stream)(r.s), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// AcceptStream 等待远程打开的流
func (c *conn) AcceptStream() (network.MuxedStream, error) {
	s, err := c.yamux().AcceptStream()
	if err != nil {
		return nil, err
	}
	return (*stream)(s), nil
}

func (c *conn) yamux() *yamux.Session {
	return (*yamux.Session)(c)
}
