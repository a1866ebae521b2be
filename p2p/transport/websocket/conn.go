package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// GracefulCloseTimeout 是发送关闭帧的最长等待时间
var GracefulCloseTimeout = 100 * time.Millisecond

// Conn 将 websocket 连接包装为字节流连接
// 每次 Write 发送一个二进制消息,Read 按顺序读取消息内容
type Conn struct {
	*ws.Conn
	reader io.Reader

	laddr ma.Multiaddr
	raddr ma.Multiaddr

	closeOnce sync.Once
	closeErr  error

	readLock, writeLock sync.Mutex
}

var _ manet.Conn = (*Conn)(nil)

// NewConn 包装一个已升级的 websocket 连接
func NewConn(raw *ws.Conn) (*Conn, error) {
	laddr, err := fromNetAddr(raw.LocalAddr())
	if err != nil {
		return nil, err
	}
	raddr, err := fromNetAddr(raw.RemoteAddr())
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: raw, laddr: laddr, raddr: raddr}, nil
}

func (c *Conn) LocalMultiaddr() ma.Multiaddr {
	return c.laddr
}

func (c *Conn) RemoteMultiaddr() ma.Multiaddr {
	return c.raddr
}

func (c *Conn) Read(b []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	if c.reader == nil {
		if err := c.prepNextReader(); err != nil {
			return 0, err
		}
	}
	for {
		n, err := c.reader.Read(b)
		if err != io.EOF {
			return n, err
		}
		c.reader = nil
		if n > 0 {
			return n, nil
		}
		if err := c.prepNextReader(); err != nil {
			return 0, err
		}
	}
}

func (c *Conn) prepNextReader() error {
	t, r, err := c.Conn.NextReader()
	if err != nil {
		var wserr *ws.CloseError
		if errors.As(err, &wserr) && (wserr.Code == ws.CloseNormalClosure || wserr.Code == ws.CloseNoStatusReceived) {
			return io.EOF
		}
		return err
	}
	if t == ws.CloseMessage {
		return io.EOF
	}
	c.reader = r
	return nil
}

func (c *Conn) Write(b []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.Conn.WriteMessage(ws.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close 发送关闭帧后关闭底层连接,可以重复调用
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err1 := c.Conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, "closed"),
			time.Now().Add(GracefulCloseTimeout),
		)
		err2 := c.Conn.Close()
		if err2 != nil {
			c.closeErr = err2
		} else if err1 != nil && !errors.Is(err1, ws.ErrCloseSent) {
			c.closeErr = err1
		}
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr {
	return c.Conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.Conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	// 不持有 readLock,否则会阻塞等待正在进行的 Read
	return c.Conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.Conn.SetWriteDeadline(t)
}
