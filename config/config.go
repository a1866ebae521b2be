package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/pnet"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/routing"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/core/sec/insecure"
	"github.com/dep2p/swarmnet/core/transport"
	"github.com/dep2p/swarmnet/p2p/host/eventbus"
	"github.com/dep2p/swarmnet/p2p/net/autodial"
	"github.com/dep2p/swarmnet/p2p/net/conngater"
	"github.com/dep2p/swarmnet/p2p/net/health"
	"github.com/dep2p/swarmnet/p2p/net/swarm"
	"github.com/dep2p/swarmnet/p2p/net/upgrader"
	"github.com/dep2p/swarmnet/p2p/protocol/identify"

	"github.com/ipfs/go-datastore"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
)

// Security 定义了一个安全传输的配置
type Security struct {
	// ID 是安全协议的标识
	ID protocol.ID
	// Constructor 是安全传输的构造函数,参数可以是 protocol.ID 和 crypto.PrivKey
	Constructor interface{}
}

// Config 描述了 swarm 节点的完整配置
type Config struct {
	// 身份
	UserAgent       string
	ProtocolVersion string
	PeerKey         crypto.PrivKey

	// 传输层、安全和多路复用
	Transports         []fx.Option
	Muxers             []upgrader.StreamMuxer
	SecurityTransports []Security
	Insecure           bool
	PSK                pnet.PSK

	// 拨号与监听
	DialTimeout       time.Duration
	ListenAddrs       []ma.Multiaddr
	MultiaddrResolver transport.Resolver
	Routing           routing.PeerRouting

	// AddressPolicyStore 持久化地址策略的规则,为 nil 时规则只保存在内存中
	AddressPolicyStore datastore.Datastore

	// 自动拨号,CustomMinConnections 表示 MinConnections 是显式设置的
	MinConnections       int
	CustomMinConnections bool
	DisableAutoDial      bool

	// 节点健康
	HealthInitialBackoff time.Duration
	HealthMaxBackoff     time.Duration
	SweepInterval        time.Duration
	DisableHealthManager bool

	// 指标
	DisableMetrics       bool
	PrometheusRegisterer prometheus.Registerer

	SwarmOpts     []swarm.Option
	UserFxOptions []fx.Option
}

// Option 是节点的配置选项
type Option func(cfg *Config) error

// Apply 按顺序应用配置选项,跳过 nil
// 参数:
//   - opts: ...Option 配置选项
//
// 返回值:
//   - error: 任一选项失败时返回它的错误
func (cfg *Config) Apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			log.Errorf("应用配置选项失败: %v", err)
			return err
		}
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.PeerKey == nil {
		return errors.New("未指定节点私钥")
	}
	if pnet.ForcePrivateNetwork && len(cfg.PSK) == 0 {
		log.Error("环境要求使用私有网络, 但没有配置预共享密钥")
		return pnet.ErrNotInPrivateNetwork
	}
	if len(cfg.Muxers) == 0 {
		return errors.New("至少需要一个多路复用器")
	}
	if !cfg.Insecure && len(cfg.SecurityTransports) == 0 {
		return errors.New("至少需要一个安全传输")
	}
	if cfg.MinConnections < 0 {
		return fmt.Errorf("最少连接数量不能为负数: %d", cfg.MinConnections)
	}
	return nil
}

// securityOptions 提供按配置顺序排列的安全传输,结果的名称为 security
func (cfg *Config) securityOptions() []fx.Option {
	if cfg.Insecure {
		return []fx.Option{fx.Provide(fx.Annotate(
			func(priv crypto.PrivKey) ([]sec.SecureTransport, error) {
				st, err := insecure.NewWithIdentity(priv)
				if err != nil {
					return nil, err
				}
				return []sec.SecureTransport{st}, nil
			},
			fx.ResultTags(`name:"security"`),
		))}
	}

	// fx 的组是无序的,先把每个安全传输放进无序组,再按配置顺序排列
	var opts []fx.Option
	for _, s := range cfg.SecurityTransports {
		fxName := fmt.Sprintf(`name:"security_%s"`, s.ID)
		opts = append(opts,
			fx.Supply(fx.Annotate(s.ID, fx.ResultTags(fxName))),
			fx.Provide(fx.Annotate(
				s.Constructor,
				fx.ParamTags(fxName),
				fx.As(new(sec.SecureTransport)),
				fx.ResultTags(`group:"security_unordered"`),
			)),
		)
	}
	opts = append(opts, fx.Provide(fx.Annotate(
		func(secs []sec.SecureTransport) ([]sec.SecureTransport, error) {
			if len(secs) != len(cfg.SecurityTransports) {
				return nil, errors.New("安全传输数量不一致")
			}
			ordered := make([]sec.SecureTransport, 0, len(secs))
			for _, s := range cfg.SecurityTransports {
				for _, st := range secs {
					if st.ID() == s.ID {
						ordered = append(ordered, st)
					}
				}
			}
			return ordered, nil
		},
		fx.ParamTags(`group:"security_unordered"`),
		fx.ResultTags(`name:"security"`),
	)))
	return opts
}

// swarmOptions 根据配置生成 swarm 选项
func (cfg *Config) swarmOptions(u *upgrader.Upgrader, gater *conngater.BasicConnectionGater, tpts []transport.Transport) []swarm.Option {
	opts := []swarm.Option{
		swarm.WithUpgrader(u),
		swarm.WithAddressPolicy(gater),
		swarm.WithTransport(tpts...),
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, swarm.WithDialTimeout(cfg.DialTimeout))
	}
	if cfg.MultiaddrResolver != nil {
		opts = append(opts, swarm.WithResolver(cfg.MultiaddrResolver))
	}
	if cfg.Routing != nil {
		opts = append(opts, swarm.WithRouting(cfg.Routing))
	}

	var idOpts []identify.Option
	if cfg.UserAgent != "" {
		idOpts = append(idOpts, identify.UserAgent(cfg.UserAgent))
	}
	if cfg.ProtocolVersion != "" {
		idOpts = append(idOpts, identify.ProtocolVersion(cfg.ProtocolVersion))
	}
	if !cfg.DisableMetrics {
		opts = append(opts, swarm.WithMetricsTracer(
			swarm.NewMetricsTracer(swarm.WithRegisterer(cfg.PrometheusRegisterer))))
		idOpts = append(idOpts, identify.WithMetricsTracer(
			identify.NewMetricsTracer(identify.WithRegisterer(cfg.PrometheusRegisterer))))
	}
	if len(idOpts) > 0 {
		opts = append(opts, swarm.WithIdentifyOptions(idOpts...))
	}
	return append(opts, cfg.SwarmOpts...)
}

// listenAll 在所有配置的地址上监听,只要有一个地址成功就返回 nil
func listenAll(sw *swarm.Swarm, addrs []ma.Multiaddr) error {
	var errs error
	listening := 0
	for _, a := range addrs {
		if _, err := sw.Listen(a); err != nil {
			log.Warnf("监听 %s 失败: %s", a, err)
			errs = multierr.Append(errs, err)
			continue
		}
		listening++
	}
	if listening == 0 && len(addrs) > 0 {
		return fmt.Errorf("所有监听地址都失败: %w", errs)
	}
	return nil
}

// NewNode 根据配置组装并启动节点
// 配置在调用后不应再被复用
// 返回值:
//   - *Node: 已启动的节点
//   - error: 配置无效或启动失败时返回错误
func (cfg *Config) NewNode() (*Node, error) {
	if err := cfg.validate(); err != nil {
		log.Errorf("配置无效: %v", err)
		return nil, err
	}

	fxopts := []fx.Option{
		fx.WithLogger(func() fxevent.Logger { return getFXLogger() }),
		fx.Provide(func() event.Bus {
			if cfg.DisableMetrics {
				return eventbus.NewBus()
			}
			return eventbus.NewBus(eventbus.WithMetricsTracer(
				eventbus.NewMetricsTracer(eventbus.WithRegisterer(cfg.PrometheusRegisterer))))
		}),
		fx.Provide(func() crypto.PrivKey { return cfg.PeerKey }),
		fx.Provide(func() (*conngater.BasicConnectionGater, error) {
			return conngater.NewBasicConnectionGater(cfg.AddressPolicyStore)
		}),
		fx.Supply(cfg.Muxers),
		fx.Provide(func() pnet.PSK { return cfg.PSK }),
		fx.Provide(fx.Annotate(
			func(secs []sec.SecureTransport, muxers []upgrader.StreamMuxer, psk pnet.PSK) (*upgrader.Upgrader, error) {
				return upgrader.New(secs, muxers, psk)
			},
			fx.ParamTags(`name:"security"`),
		)),
		fx.Provide(fx.Annotate(
			func(key crypto.PrivKey, bus event.Bus, u *upgrader.Upgrader, gater *conngater.BasicConnectionGater,
				tpts []transport.Transport, lc fx.Lifecycle) (*swarm.Swarm, error) {
				sw, err := swarm.NewSwarm(key, bus, cfg.swarmOptions(u, gater, tpts)...)
				if err != nil {
					log.Errorf("创建 swarm 失败: %v", err)
					return nil, err
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						if err := sw.Start(); err != nil {
							return err
						}
						if err := listenAll(sw, cfg.ListenAddrs); err != nil {
							sw.Close()
							return err
						}
						return nil
					},
					OnStop: func(context.Context) error {
						return sw.Close()
					},
				})
				return sw, nil
			},
			fx.ParamTags("", "", "", "", `group:"transport"`),
		)),
	}
	fxopts = append(fxopts, cfg.securityOptions()...)
	fxopts = append(fxopts, cfg.Transports...)

	var node Node
	fxopts = append(fxopts, fx.Populate(&node.Swarm, &node.Bus, &node.Policy))

	if !cfg.DisableHealthManager {
		fxopts = append(fxopts, fx.Invoke(func(sw *swarm.Swarm, gater *conngater.BasicConnectionGater, bus event.Bus, lc fx.Lifecycle) error {
			var opts []health.Option
			if cfg.HealthInitialBackoff > 0 {
				opts = append(opts, health.WithInitialBackoff(cfg.HealthInitialBackoff))
			}
			if cfg.HealthMaxBackoff > 0 {
				opts = append(opts, health.WithMaxBackoff(cfg.HealthMaxBackoff))
			}
			if cfg.SweepInterval > 0 {
				opts = append(opts, health.WithSweepInterval(cfg.SweepInterval))
			}
			m, err := health.NewManager(sw, gater, bus, opts...)
			if err != nil {
				return err
			}
			lc.Append(fx.StartStopHook(m.Start, m.Close))
			node.Health = m
			return nil
		}))
	}
	if !cfg.DisableAutoDial {
		fxopts = append(fxopts, fx.Invoke(func(sw *swarm.Swarm, gater *conngater.BasicConnectionGater, bus event.Bus, lc fx.Lifecycle) error {
			d, err := autodial.New(sw, gater, bus, autodial.WithMinConnections(cfg.MinConnections))
			if err != nil {
				return err
			}
			lc.Append(fx.StartStopHook(d.Start, d.Close))
			node.AutoDialer = d
			return nil
		}))
	}
	fxopts = append(fxopts, cfg.UserFxOptions...)

	app := fx.New(fxopts...)
	if err := app.Err(); err != nil {
		log.Errorf("组装节点失败: %v", err)
		return nil, err
	}
	if err := app.Start(context.Background()); err != nil {
		log.Errorf("启动节点失败: %v", err)
		return nil, err
	}
	node.app = app
	log.Infof("节点 %s 已启动, 监听地址 %v", node.Swarm.LocalPeer(), node.Swarm.ListenAddresses())
	return &node, nil
}
