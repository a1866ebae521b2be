package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"
)

// Stream 是 swarm 连接上的流
type Stream struct {
	id     uint64
	stream network.MuxedStream
	conn   *Conn

	closeOnce sync.Once
	protocol  atomic.Pointer[protocol.ID]

	stat network.Stats
}

var _ network.Stream = (*Stream)(nil)

// ID 返回流的标识
func (s *Stream) ID() string {
	return fmt.Sprintf("%s-%d", s.conn.ID(), s.id)
}

func (s *Stream) String() string {
	return fmt.Sprintf("<swarm.Stream[%s] %s (%s) <-> %s (%s)>",
		s.Protocol(), s.conn.LocalMultiaddr(), s.conn.LocalPeer(), s.conn.RemoteMultiaddr(), s.conn.RemotePeer())
}

// Conn 返回流所属的连接
func (s *Stream) Conn() *Conn {
	return s.conn
}

// RemotePeer 返回远程节点 ID
func (s *Stream) RemotePeer() peer.ID {
	return s.conn.RemotePeer()
}

// RemoteMultiaddr 返回远程地址
func (s *Stream) RemoteMultiaddr() ma.Multiaddr {
	return s.conn.RemoteMultiaddr()
}

// Protocol 返回流上协商的协议,协商完成前为空
func (s *Stream) Protocol() protocol.ID {
	p := s.protocol.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (s *Stream) setProtocol(p protocol.ID) {
	s.protocol.Store(&p)
}

// Stat 返回流的方向和打开时间
func (s *Stream) Stat() network.Stats {
	return s.stat
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close 关闭流
func (s *Stream) Close() error {
	err := s.stream.Close()
	s.closeAndRemoveStream()
	return err
}

// Reset 中止流
func (s *Stream) Reset() error {
	err := s.stream.Reset()
	s.closeAndRemoveStream()
	return err
}

func (s *Stream) closeAndRemoveStream() {
	s.closeOnce.Do(func() {
		s.conn.removeStream(s)
	})
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

// selectProtocol 在出站流上选择单个协议
// 对方不支持时重置流并返回 ErrProtocolNotSupported
func (s *Stream) selectProtocol(ctx context.Context, proto protocol.ID) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultNewStreamTimeout)
	}
	if err := s.SetDeadline(deadline); err != nil {
		s.Reset()
		return err
	}

	if err := mss.SelectProtoOrFail(proto, s); err != nil {
		s.Reset()
		var ns mss.ErrNotSupported[protocol.ID]
		if errors.As(err, &ns) {
			return fmt.Errorf("%w: %s", ErrProtocolNotSupported, proto)
		}
		return fmt.Errorf("协商协议 %s 失败: %w", proto, err)
	}
	s.SetDeadline(time.Time{})
	s.setProtocol(proto)
	return nil
}

// OpenStream 打开到节点的流并选择协议
// 没有活动连接时先按 ConnectPeer 拨号
// 参数:
//   - ctx: context.Context 控制拨号和协商的上下文
//   - id: peer.ID 目标节点
//   - proto: protocol.ID 要使用的协议
//
// 返回值:
//   - *Stream: 已协商协议的流
//   - error: 对方不支持协议时返回 ErrProtocolNotSupported
func (s *Swarm) OpenStream(ctx context.Context, id peer.ID, proto protocol.ID) (*Stream, error) {
	c, err := s.ConnectPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := c.NewStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.selectProtocol(ctx, proto); err != nil {
		return nil, err
	}
	return st, nil
}

// handleStream 在入站流上协商协议并调用处理函数
// 使用协商开始时的协议快照
func (s *Swarm) handleStream(st *Stream) {
	set := s.protocols.Load()

	st.SetReadDeadline(time.Now().Add(defaultNewStreamTimeout))
	proto, _, err := set.mux.Negotiate(st)
	if err != nil {
		log.Debugf("在 %s 的入站流上协商协议失败: %s", st.RemotePeer(), err)
		st.Reset()
		return
	}
	st.SetReadDeadline(time.Time{})
	st.setProtocol(proto)

	h := set.handlers[proto]
	if h == nil {
		st.Reset()
		return
	}
	h(st)
}
