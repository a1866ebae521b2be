package insecure

import (
	"context"
	"net"
	"testing"

	ci "github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransport(t *testing.T) *Transport {
	t.Helper()
	priv, _, err := ci.GenerateKeyPair(ci.Ed25519)
	require.NoError(t, err)
	tpt, err := NewWithIdentity(priv)
	require.NoError(t, err)
	return tpt
}

type result struct {
	conn sec.SecureConn
	err  error
}

// TestHandshake 测试双方交换身份
func TestHandshake(t *testing.T) {
	client, server := newTransport(t), newTransport(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan result, 1)
	go func() {
		conn, err := server.SecureInbound(context.Background(), c2, "")
		done <- result{conn, err}
	}()

	cconn, err := client.SecureOutbound(context.Background(), c1, server.LocalPeer())
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)

	assert.Equal(t, server.LocalPeer(), cconn.RemotePeer())
	assert.Equal(t, client.LocalPeer(), res.conn.RemotePeer())
	assert.True(t, client.LocalPeer().MatchesPublicKey(res.conn.RemotePublicKey()))

	// 握手完成后数据原样透传
	go func() { _, _ = cconn.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = res.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

// TestHandshakeWrongPeer 测试期望的节点与实际不符时失败
func TestHandshakeWrongPeer(t *testing.T) {
	client, server := newTransport(t), newTransport(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() { _, _ = server.SecureInbound(context.Background(), c2, "") }()

	other := newTransport(t).LocalPeer()
	_, err := client.SecureOutbound(context.Background(), c1, other)
	var mismatch sec.ErrPeerIDMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, other, mismatch.Expected)
	assert.Equal(t, server.LocalPeer(), mismatch.Actual)
	assert.NotEqual(t, peer.ID(""), mismatch.Actual)
}
