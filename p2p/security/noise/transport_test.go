package noise

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/sec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, typ crypto.KeyType) *Transport {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(typ)
	require.NoError(t, err)
	tpt, err := New(ID, priv)
	require.NoError(t, err)
	return tpt
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func connect(t *testing.T, initTpt, respTpt *Transport, expected peer.ID) (sec.SecureConn, sec.SecureConn, error, error) {
	t.Helper()
	client, server := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type res struct {
		c   sec.SecureConn
		err error
	}
	done := make(chan res, 1)
	go func() {
		c, err := respTpt.SecureInbound(ctx, server, "")
		done <- res{c, err}
	}()
	initConn, initErr := initTpt.SecureOutbound(ctx, client, expected)
	r := <-done
	return initConn, r.c, initErr, r.err
}

// TestHandshake 测试双方握手后可以互相识别并收发数据
func TestHandshake(t *testing.T) {
	for _, typ := range crypto.KeyTypes {
		t.Run(typ.String(), func(t *testing.T) {
			initTpt := newTestTransport(t, crypto.Ed25519)
			respTpt := newTestTransport(t, typ)

			initConn, respConn, err1, err2 := connect(t, initTpt, respTpt, respTpt.localID)
			require.NoError(t, err1)
			require.NoError(t, err2)

			assert.Equal(t, respTpt.localID, initConn.RemotePeer())
			assert.Equal(t, initTpt.localID, respConn.RemotePeer())
			assert.True(t, crypto.KeyEqual(respTpt.privateKey.GetPublic(), initConn.RemotePublicKey()))

			msg := []byte("hello noise")
			go initConn.Write(msg)
			buf := make([]byte, len(msg))
			_, err := io.ReadFull(respConn, buf)
			require.NoError(t, err)
			assert.Equal(t, msg, buf)
		})
	}
}

// TestPeerIDMismatch 测试发起方期望的节点与实际不符时握手失败
func TestPeerIDMismatch(t *testing.T) {
	initTpt := newTestTransport(t, crypto.Ed25519)
	respTpt := newTestTransport(t, crypto.Ed25519)
	other := newTestTransport(t, crypto.Ed25519)

	_, _, err, _ := connect(t, initTpt, respTpt, other.localID)
	require.Error(t, err)
	var mismatch sec.ErrPeerIDMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, other.localID, mismatch.Expected)
	assert.Equal(t, respTpt.localID, mismatch.Actual)
}

// TestLargeMessage 测试超过单帧长度的数据被拆分传输
func TestLargeMessage(t *testing.T) {
	initTpt := newTestTransport(t, crypto.Ed25519)
	respTpt := newTestTransport(t, crypto.Ed25519)
	initConn, respConn, err1, err2 := connect(t, initTpt, respTpt, respTpt.localID)
	require.NoError(t, err1)
	require.NoError(t, err2)

	msg := make([]byte, MaxPlaintextLength*2+100)
	for i := range msg {
		msg[i] = byte(i)
	}
	go func() {
		n, err := initConn.Write(msg)
		assert.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}()

	// 小缓冲区读取会经过暂存路径
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 1000)
	for len(got) < len(msg) {
		n, err := respConn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, msg, got)
}
