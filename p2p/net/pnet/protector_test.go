package pnet

import (
	"bytes"
	"io"
	"testing"

	ipnet "github.com/dep2p/swarmnet/core/pnet"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair 返回一对相连的回环 TCP 连接
func tcpPair(t *testing.T) (manet.Conn, manet.Conn) {
	t.Helper()
	l, err := manet.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan manet.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := manet.Dial(l.Multiaddr())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func psk(b byte) ipnet.PSK {
	return bytes.Repeat([]byte{b}, 32)
}

// TestProtectRoundTrip 测试相同密钥的双方可以通信
func TestProtectRoundTrip(t *testing.T) {
	p, err := NewProtector(psk(1))
	require.NoError(t, err)

	a, b := tcpPair(t)
	pa, err := p.Protect(a)
	require.NoError(t, err)
	pb, err := p.Protect(b)
	require.NoError(t, err)

	msg := []byte("hello private network")
	go func() {
		pa.Write(msg)
	}()
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(pb, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	// 保护后的连接保留原来的地址
	assert.True(t, pa.RemoteMultiaddr().Equal(a.RemoteMultiaddr()))
}

// TestProtectMismatchedKeys 测试不同密钥的双方读到的是乱码
func TestProtectMismatchedKeys(t *testing.T) {
	p1, err := NewProtector(psk(1))
	require.NoError(t, err)
	p2, err := NewProtector(psk(2))
	require.NoError(t, err)
	assert.NotEqual(t, p1.Fingerprint(), p2.Fingerprint())

	a, b := tcpPair(t)
	pa, _ := p1.Protect(a)
	pb, _ := p2.Protect(b)

	msg := []byte("hello private network")
	go func() {
		pa.Write(msg)
	}()
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(pb, buf)
	require.NoError(t, err)
	assert.NotEqual(t, msg, buf)
}

// TestBadPSK 测试错误长度的密钥
func TestBadPSK(t *testing.T) {
	_, err := NewProtector(ipnet.PSK{1, 2, 3})
	require.ErrorIs(t, err, ErrBadPSKLength)

	p, err := NewProtector(psk(1))
	require.NoError(t, err)
	_, err = p.Protect(nil)
	require.Error(t, err)
	assert.True(t, ipnet.IsPNetError(err))
}
