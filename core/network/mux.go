package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrReset 在读取或写入已重置的流时返回
var ErrReset = errors.New("流已重置")

// MuxedStream 是多路复用连接上的一个逻辑流
type MuxedStream interface {
	io.Reader
	io.Writer
	io.Closer

	// Reset 中止流的双向传输
	Reset() error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// MuxedConn 表示可以承载多个流的连接
type MuxedConn interface {
	io.Closer

	// IsClosed 返回连接是否已完全关闭
	IsClosed() bool

	// OpenStream 创建一个新的流
	OpenStream(context.Context) (MuxedStream, error)

	// AcceptStream 接受远程端打开的流
	AcceptStream() (MuxedStream, error)
}

// Multiplexer 在安全连接之上构建多路复用连接
type Multiplexer interface {
	// NewConn 包装连接,isServer 表示本端是否是监听方
	NewConn(c net.Conn, isServer bool) (MuxedConn, error)
}
