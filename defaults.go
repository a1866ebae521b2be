package dep2p

// 此文件包含所有默认配置选项

import (
	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/p2p/muxer/yamux"
	"github.com/dep2p/swarmnet/p2p/net/autodial"
	"github.com/dep2p/swarmnet/p2p/net/health"
	"github.com/dep2p/swarmnet/p2p/net/swarm"
	"github.com/dep2p/swarmnet/p2p/security/noise"
	"github.com/dep2p/swarmnet/p2p/transport/tcp"
	"github.com/dep2p/swarmnet/p2p/transport/websocket"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSecurity 是默认的安全传输配置
// 需要扩展而不是替换安全协议时使用
var DefaultSecurity = Security(noise.ID, noise.New)

// DefaultMuxers 配置使用 yamux 多路复用器
var DefaultMuxers = Muxer(yamux.ID, yamux.DefaultTransport)

// DefaultTransports 是默认的传输配置:TCP 和 websocket
var DefaultTransports = ChainOptions(
	Transport(tcp.NewTCPTransport),
	Transport(websocket.New),
)

// RandomIdentity 生成随机的 Ed25519 身份
var RandomIdentity = func(cfg *Config) error {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519)
	if err != nil {
		log.Errorf("生成密钥对失败: %s", err)
		return err
	}
	return cfg.Apply(Identity(priv))
}

// DefaultListenAddrs 监听所有 IPv4 和 IPv6 接口上的随机 TCP 端口
var DefaultListenAddrs = ListenAddrStrings(
	"/ip4/0.0.0.0/tcp/0",
	"/ip6/::/tcp/0",
)

// DefaultDialTimeout 设置默认的拨号超时
var DefaultDialTimeout = func(cfg *Config) error {
	return cfg.Apply(DialTimeout(swarm.DefaultDialTimeout))
}

// DefaultMinConnections 设置默认的最少连接数量
var DefaultMinConnections = func(cfg *Config) error {
	return cfg.Apply(MinConnections(autodial.DefaultMinConnections))
}

// DefaultHealthBackoff 设置默认的退避区间
var DefaultHealthBackoff = func(cfg *Config) error {
	return cfg.Apply(HealthBackoff(health.DefaultInitialBackoff, health.DefaultMaxBackoff))
}

// DefaultPrometheusRegisterer 使用 prometheus 的全局注册器
var DefaultPrometheusRegisterer = func(cfg *Config) error {
	return cfg.Apply(PrometheusRegisterer(prometheus.DefaultRegisterer))
}

// defaults 是默认选项的完整列表以及使用它们的条件
// 不要在别处指定默认值
var defaults = []struct {
	fallback func(cfg *Config) bool
	opt      Option
}{
	{
		fallback: func(cfg *Config) bool { return cfg.Transports == nil && cfg.ListenAddrs == nil },
		opt:      DefaultListenAddrs,
	},
	{
		fallback: func(cfg *Config) bool { return cfg.Transports == nil },
		opt:      DefaultTransports,
	},
	{
		fallback: func(cfg *Config) bool { return cfg.Muxers == nil },
		opt:      DefaultMuxers,
	},
	{
		fallback: func(cfg *Config) bool { return !cfg.Insecure && cfg.SecurityTransports == nil },
		opt:      DefaultSecurity,
	},
	{
		fallback: func(cfg *Config) bool { return cfg.PeerKey == nil },
		opt:      RandomIdentity,
	},
	{
		fallback: func(cfg *Config) bool { return cfg.DialTimeout == 0 },
		opt:      DefaultDialTimeout,
	},
	{
		fallback: func(cfg *Config) bool { return !cfg.DisableAutoDial && !cfg.CustomMinConnections },
		opt:      DefaultMinConnections,
	},
	{
		fallback: func(cfg *Config) bool { return cfg.HealthInitialBackoff == 0 && cfg.HealthMaxBackoff == 0 },
		opt:      DefaultHealthBackoff,
	},
	{
		fallback: func(cfg *Config) bool { return !cfg.DisableMetrics && cfg.PrometheusRegisterer == nil },
		opt:      DefaultPrometheusRegisterer,
	},
}

// Defaults 应用所有默认选项,可以与其他选项组合以扩展默认值
var Defaults Option = func(cfg *Config) error {
	for _, def := range defaults {
		if err := cfg.Apply(def.opt); err != nil {
			return err
		}
	}
	return nil
}

// FallbackDefaults 只在相关选项未被设置时应用默认值
// New 会把它附加到选项末尾
var FallbackDefaults Option = func(cfg *Config) error {
	for _, def := range defaults {
		if !def.fallback(cfg) {
			continue
		}
		if err := cfg.Apply(def.opt); err != nil {
			return err
		}
	}
	return nil
}
