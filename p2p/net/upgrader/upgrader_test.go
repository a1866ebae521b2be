package upgrader

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/core/sec/insecure"
	"github.com/dep2p/swarmnet/p2p/muxer/yamux"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair 返回一对通过本地回环 TCP 相连的连接
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
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func newIdentity(t *testing.T) (crypto.PrivKey, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return priv, id
}

func newUpgrader(t *testing.T, priv crypto.PrivKey, psk []byte) *Upgrader {
	t.Helper()
	st, err := insecure.NewWithIdentity(priv)
	require.NoError(t, err)
	u, err := New(
		[]sec.SecureTransport{st},
		[]StreamMuxer{{ID: yamux.ID, Muxer: yamux.DefaultTransport}},
		psk,
	)
	require.NoError(t, err)
	return u
}

type secureResult struct {
	conn  sec.SecureConn
	proto protocol.ID
	err   error
}

// TestUpgradeFullPath 测试安全握手和多路复用协商的完整流程
func TestUpgradeFullPath(t *testing.T) {
	clientKey, clientID := newIdentity(t)
	serverKey, serverID := newIdentity(t)
	cu := newUpgrader(t, clientKey, nil)
	su := newUpgrader(t, serverKey, nil)
	craw, sraw := tcpPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srvCh := make(chan secureResult, 1)
	go func() {
		c, p, err := su.SecureInbound(ctx, sraw)
		srvCh <- secureResult{c, p, err}
	}()
	csec, proto, err := cu.SecureOutbound(ctx, craw, serverID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(insecure.ID), proto)
	assert.Equal(t, serverID, csec.RemotePeer())

	srv := <-srvCh
	require.NoError(t, srv.err)
	assert.Equal(t, clientID, srv.conn.RemotePeer())

	type muxResult struct {
		proto protocol.ID
		err   error
	}
	muxCh := make(chan muxResult, 1)
	accepted := make(chan []byte, 1)
	go func() {
		p, mc, err := su.Multiplex(ctx, srv.conn, true)
		muxCh <- muxResult{p, err}
		if err != nil {
			return
		}
		s, err := mc.AcceptStream()
		if err != nil {
			return
		}
		buf := make([]byte, 4)
		io.ReadFull(s, buf)
		accepted <- buf
	}()

	mproto, mc, err := cu.Multiplex(ctx, csec, false)
	require.NoError(t, err)
	defer mc.Close()
	assert.Equal(t, protocol.ID(yamux.ID), mproto)
	res := <-muxCh
	require.NoError(t, res.err)
	assert.Equal(t, protocol.ID(yamux.ID), res.proto)

	s, err := mc.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), <-accepted)
}

// TestSecureOutboundNilPeer 测试出站握手必须指定远程节点
func TestSecureOutboundNilPeer(t *testing.T) {
	key, _ := newIdentity(t)
	u := newUpgrader(t, key, nil)
	craw, _ := tcpPair(t)

	_, _, err := u.SecureOutbound(context.Background(), craw, "")
	require.ErrorIs(t, err, ErrNilPeer)
}

// TestNoCommonSecurity 测试没有共同安全协议时返回 ErrProtocolNotSupported
func TestNoCommonSecurity(t *testing.T) {
	clientKey, _ := newIdentity(t)
	serverKey, serverID := newIdentity(t)
	cu := newUpgrader(t, clientKey, nil)
	su := newUpgrader(t, serverKey, nil)
	su.RemoveSecurity(insecure.ID)
	assert.Empty(t, su.SecurityProtocols())

	craw, sraw := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		su.SecureInbound(ctx, sraw)
		sraw.Close()
	}()
	_, _, err := cu.SecureOutbound(ctx, craw, serverID)
	require.Error(t, err)
}

// TestCopyOnWriteSets 测试修改协议集合不影响已取得的快照
func TestCopyOnWriteSets(t *testing.T) {
	key, _ := newIdentity(t)
	u := newUpgrader(t, key, nil)

	before := u.MuxerProtocols()
	u.AddMuxer(StreamMuxer{ID: "/other/1.0.0", Muxer: yamux.DefaultTransport})
	assert.Equal(t, []protocol.ID{yamux.ID}, before)
	assert.Equal(t, []protocol.ID{yamux.ID, "/other/1.0.0"}, u.MuxerProtocols())

	// 重复添加同一个 ID 会替换旧条目并移到末尾
	u.AddMuxer(StreamMuxer{ID: yamux.ID, Muxer: yamux.DefaultTransport})
	assert.Equal(t, []protocol.ID{"/other/1.0.0", yamux.ID}, u.MuxerProtocols())

	u.RemoveMuxer("/other/1.0.0")
	assert.Equal(t, []protocol.ID{yamux.ID}, u.MuxerProtocols())
}

// TestPrivateNetwork 测试相同 PSK 的两端可以完成升级
func TestPrivateNetwork(t *testing.T) {
	psk := make([]byte, 32)
	for i := range psk {
		psk[i] = byte(i)
	}
	clientKey, _ := newIdentity(t)
	serverKey, serverID := newIdentity(t)
	cu := newUpgrader(t, clientKey, psk)
	su := newUpgrader(t, serverKey, psk)
	assert.True(t, cu.IsPrivate())

	craw, sraw := tcpPair(t)
	cp, err := cu.Protect(craw)
	require.NoError(t, err)
	sp, err := su.Protect(sraw)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srvCh := make(chan error, 1)
	go func() {
		_, _, err := su.SecureInbound(ctx, sp)
		srvCh <- err
	}()
	_, _, err = cu.SecureOutbound(ctx, cp, serverID)
	require.NoError(t, err)
	require.NoError(t, <-srvCh)
}

// TestBadPSK 测试错误长度的 PSK 被拒绝
func TestBadPSK(t *testing.T) {
	key, _ := newIdentity(t)
	st, err := insecure.NewWithIdentity(key)
	require.NoError(t, err)
	_, err = New([]sec.SecureTransport{st}, nil, []byte("short"))
	require.Error(t, err)
}

// TestInboundSlot 测试入站名额在达到上限时阻塞
func TestInboundSlot(t *testing.T) {
	key, _ := newIdentity(t)
	u := newUpgrader(t, key, nil)
	u.threshold = newThreshold(1)

	release := u.InboundSlot()
	acquired := make(chan struct{})
	go func() {
		r := u.InboundSlot()
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("名额已满时不应该获取成功")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	// 重复归还不会出错
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("归还后应该可以获取名额")
	}
}
