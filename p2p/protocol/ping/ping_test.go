package ping

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeStream struct {
	net.Conn
}

func (s *pipeStream) Reset() error                  { return s.Conn.Close() }
func (s *pipeStream) Protocol() protocol.ID         { return ID }
func (s *pipeStream) RemotePeer() peer.ID           { return "" }
func (s *pipeStream) RemoteMultiaddr() ma.Multiaddr { return nil }

// TestPingOnce 测试一次往返
func TestPingOnce(t *testing.T) {
	a, b := net.Pipe()
	go PingHandler(&pipeStream{a})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := PingOnce(ctx, &pipeStream{b})
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

// TestPingLoop 测试连续 ping 直到取消
func TestPingLoop(t *testing.T) {
	a, b := net.Pipe()
	go PingHandler(&pipeStream{a})

	ctx, cancel := context.WithCancel(context.Background())
	results := Ping(ctx, &pipeStream{b})
	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.Error)
		case <-time.After(5 * time.Second):
			t.Fatal("等待 ping 结果超时")
		}
	}
	cancel()
	for range results {
	}
}

// TestPingWrongAck 测试对端返回错误数据
func TestPingWrongAck(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		buf := make([]byte, PingSize)
		io.ReadFull(a, buf)
		buf[0]++
		a.Write(buf)
	}()

	_, err := PingOnce(context.Background(), &pipeStream{b})
	require.ErrorIs(t, err, errWrongPingAck)
}
