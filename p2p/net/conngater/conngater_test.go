package conngater

import (
	"testing"

	ic "github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := ic.GenerateKeyPair(ic.Ed25519)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// TestMatches 测试子集匹配
func TestMatches(t *testing.T) {
	target := ma.StringCast("/ip4/10.0.0.1/tcp/4001")

	assert.True(t, Matches(ma.StringCast("/ip4/10.0.0.1"), target))
	assert.True(t, Matches(ma.StringCast("/tcp/4001"), target))
	assert.True(t, Matches(target, target))
	assert.False(t, Matches(ma.StringCast("/ip4/10.0.0.2"), target))
	assert.False(t, Matches(ma.StringCast("/ip4/10.0.0.1/udp/4001"), target))
}

// TestEmptyPolicyAllowsAll 测试空策略允许所有地址
func TestEmptyPolicyAllowsAll(t *testing.T) {
	cg, err := NewBasicConnectionGater(nil)
	require.NoError(t, err)
	assert.True(t, cg.IsAllowed(ma.StringCast("/ip4/1.2.3.4/tcp/1")))
}

// TestDenyOverridesAllow 测试同时在两个列表中的地址被拒绝
func TestDenyOverridesAllow(t *testing.T) {
	cg, err := NewBasicConnectionGater(nil)
	require.NoError(t, err)

	a := ma.StringCast("/ip4/10.0.0.1/tcp/4001")
	require.NoError(t, cg.AllowAddr(a))
	require.NoError(t, cg.DenyAddr(a))
	assert.False(t, cg.IsAllowed(a))

	require.NoError(t, cg.UndenyAddr(a))
	assert.True(t, cg.IsAllowed(a))
}

// TestAllowList 测试允许列表非空时只允许匹配的地址
func TestAllowList(t *testing.T) {
	cg, err := NewBasicConnectionGater(nil)
	require.NoError(t, err)

	require.NoError(t, cg.AllowAddr(ma.StringCast("/ip4/10.0.0.1")))
	assert.True(t, cg.IsAllowed(ma.StringCast("/ip4/10.0.0.1/tcp/1")))
	assert.False(t, cg.IsAllowed(ma.StringCast("/ip4/10.0.0.2/tcp/1")))

	require.NoError(t, cg.UnallowAddr(ma.StringCast("/ip4/10.0.0.1")))
	assert.True(t, cg.IsAllowed(ma.StringCast("/ip4/10.0.0.2/tcp/1")))
}

// TestDenyPeer 测试拒绝节点后其所有地址都被拒绝
func TestDenyPeer(t *testing.T) {
	cg, err := NewBasicConnectionGater(nil)
	require.NoError(t, err)

	id := randomPeerID(t)
	p := peer.NewPeer(peer.Info{ID: id, Addrs: []ma.Multiaddr{
		ma.StringCast("/ip4/10.0.0.1/tcp/1"),
		ma.StringCast("/ip4/10.0.0.2/tcp/2"),
	}})
	assert.True(t, cg.IsAllowedPeer(p))

	require.NoError(t, cg.DenyPeer(id))
	assert.False(t, cg.InterceptPeerDial(id))
	assert.False(t, cg.InterceptAddrDial(id, ma.StringCast("/ip4/10.0.0.1/tcp/1")))
	assert.False(t, cg.IsAllowedPeer(p))

	// 其他节点不受影响
	assert.True(t, cg.InterceptPeerDial(randomPeerID(t)))

	require.NoError(t, cg.UndenyPeer(id))
	assert.True(t, cg.IsAllowedPeer(p))
}

// TestIsAllowedPeerPartial 测试只要有一个地址被拒绝节点就不被允许
func TestIsAllowedPeerPartial(t *testing.T) {
	cg, err := NewBasicConnectionGater(nil)
	require.NoError(t, err)

	id := randomPeerID(t)
	p := peer.NewPeer(peer.Info{ID: id, Addrs: []ma.Multiaddr{
		ma.StringCast("/ip4/10.0.0.1/tcp/1"),
		ma.StringCast("/ip4/10.0.0.2/tcp/2"),
	}})
	require.NoError(t, cg.DenyAddr(ma.StringCast("/ip4/10.0.0.2")))
	assert.False(t, cg.IsAllowedPeer(p))
}

// TestPersistence 测试规则在数据存储中持久化并重新加载
func TestPersistence(t *testing.T) {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())

	cg, err := NewBasicConnectionGater(ds)
	require.NoError(t, err)
	denied := ma.StringCast("/ip4/10.0.0.1")
	allowed := ma.StringCast("/ip4/10.0.0.0/tcp/80")
	require.NoError(t, cg.DenyAddr(denied))
	require.NoError(t, cg.AllowAddr(allowed))

	cg2, err := NewBasicConnectionGater(ds)
	require.NoError(t, err)
	require.Len(t, cg2.ListDenied(), 1)
	require.Len(t, cg2.ListAllowed(), 1)
	assert.True(t, cg2.ListDenied()[0].Equal(denied))
	assert.True(t, cg2.ListAllowed()[0].Equal(allowed))

	require.NoError(t, cg2.UndenyAddr(denied))
	cg3, err := NewBasicConnectionGater(ds)
	require.NoError(t, err)
	assert.Empty(t, cg3.ListDenied())
}
