package metricshelper

import (
	"testing"

	"github.com/dep2p/swarmnet/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// TestLabels 测试各个标签辅助函数
func TestLabels(t *testing.T) {
	assert.Equal(t, "tcp", GetTransport(ma.StringCast("/ip4/1.2.3.4/tcp/1")))
	assert.Equal(t, "ws", GetTransport(ma.StringCast("/ip4/1.2.3.4/tcp/1/ws")))
	assert.Equal(t, "other", GetTransport(nil))

	assert.Equal(t, "ip4", GetIPVersion(ma.StringCast("/ip4/1.2.3.4/tcp/1")))
	assert.Equal(t, "ip6", GetIPVersion(ma.StringCast("/ip6/::1/tcp/1")))

	assert.Equal(t, "inbound", GetDirection(network.DirInbound))
	assert.Equal(t, "outbound", GetDirection(network.DirOutbound))
}

// TestRegisterCollectorsTwice 测试重复注册不会 panic
func TestRegisterCollectorsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	assert.NotPanics(t, func() {
		RegisterCollectors(reg, c)
		RegisterCollectors(reg, c)
	})
}
