package yamux

import (
	"errors"
	"time"

	"github.com/dep2p/swarmnet/core/network"

	"github.com/hashicorp/yamux"
)

// stream 实现 network.MuxedStream
type stream yamux.Stream

var _ network.MuxedStream = &stream{}

func mapErr(err error) error {
	if errors.Is(err, yamux.ErrConnectionReset) {
		return network.ErrReset
	}
	return err
}

func (s *stream) Read(b []byte) (n int, err error) {
	n, err = s.yamux().Read(b)
	return n, mapErr(err)
}

func (s *stream) Write(b []byte) (n int, err error) {
	n, err = s.yamux().Write(b)
	return n, mapErr(err)
}

func (s *stream) Close() error {
	return s.yamux().Close()
}

// Reset 中止流,hashicorp/yamux 没有单独的重置帧,这里等同于关闭
func (s *stream) Reset() error {
	return s.yamux().Close()
}

func (s *stream) SetDeadline(t time.Time) error {
	return s.yamux().SetDeadline(t)
}

func (s *stream) SetReadDeadline(t time.Time) error {
	return s.yamux().SetReadDeadline(t)
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	return s.yamux().SetWriteDeadline(t)
}

func (s *stream) yamux() *yamux.Stream {
	return (*yamux.Stream)(s)
}
