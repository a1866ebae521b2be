package dep2p

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dep2p/swarmnet/config"
	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/pnet"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/routing"
	"github.com/dep2p/swarmnet/core/transport"
	"github.com/dep2p/swarmnet/p2p/net/swarm"
	"github.com/dep2p/swarmnet/p2p/net/upgrader"

	"github.com/ipfs/go-datastore"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// ListenAddrStrings 配置节点监听给定的地址字符串
func ListenAddrStrings(s ...string) Option {
	return func(cfg *Config) error {
		for _, addrstr := range s {
			a, err := ma.NewMultiaddr(addrstr)
			if err != nil {
				log.Errorf("解析监听地址 %q 失败: %s", addrstr, err)
				return err
			}
			cfg.ListenAddrs = append(cfg.ListenAddrs, a)
		}
		return nil
	}
}

// ListenAddrs 配置节点监听给定的多地址
func ListenAddrs(addrs ...ma.Multiaddr) Option {
	return func(cfg *Config) error {
		cfg.ListenAddrs = append(cfg.ListenAddrs, addrs...)
		return nil
	}
}

// NoListenAddrs 让节点不监听任何地址,只进行出站拨号
var NoListenAddrs = func(cfg *Config) error {
	cfg.ListenAddrs = []ma.Multiaddr{}
	return nil
}

// Security 添加一个安全传输,可以多次调用,先添加的优先协商
// 参数:
//   - name: string 安全协议 ID
//   - constructor: interface{} 构造函数,参数为 protocol.ID 和 crypto.PrivKey
func Security(name string, constructor interface{}) Option {
	return func(cfg *Config) error {
		if cfg.Insecure {
			log.Errorf("不能在不安全的配置中使用安全传输")
			return errors.New("不能在不安全的配置中使用安全传输")
		}
		cfg.SecurityTransports = append(cfg.SecurityTransports, config.Security{ID: protocol.ID(name), Constructor: constructor})
		return nil
	}
}

// NoSecurity 使用明文握手,连接不加密
// 只用于测试和受信任的网络
var NoSecurity Option = func(cfg *Config) error {
	if len(cfg.SecurityTransports) > 0 {
		log.Errorf("不能在配置了安全传输时使用明文握手")
		return errors.New("不能在配置了安全传输时使用明文握手")
	}
	cfg.Insecure = true
	return nil
}

// Muxer 添加一个流多路复用器,先添加的优先协商
func Muxer(name string, muxer network.Multiplexer) Option {
	return func(cfg *Config) error {
		cfg.Muxers = append(cfg.Muxers, upgrader.StreamMuxer{Muxer: muxer, ID: protocol.ID(name)})
		return nil
	}
}

// Transport 添加一个传输
// 构造函数的参数由 fx 注入,可变参数部分由 opts 提供
// 参数:
//   - constructor: interface{} 返回 transport.Transport 实现的构造函数
//   - opts: ...interface{} 传给构造函数的选项
func Transport(constructor interface{}, opts ...interface{}) Option {
	return func(cfg *Config) error {
		// 随机标识符把构造函数和它的选项关联起来
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		tag := fmt.Sprintf(`group:"transportopt_%d"`, binary.BigEndian.Uint64(b))

		typ := reflect.ValueOf(constructor).Type()
		numParams := typ.NumIn()
		isVariadic := typ.IsVariadic()

		if !isVariadic && len(opts) > 0 {
			log.Errorf("传输构造函数不接受任何选项")
			return errors.New("传输构造函数不接受任何选项")
		}
		if isVariadic && numParams >= 1 {
			paramType := typ.In(numParams - 1).Elem()
			for _, opt := range opts {
				if typ := reflect.TypeOf(opt); !typ.AssignableTo(paramType) {
					log.Errorf("类型为 %s 的传输选项不能赋值给 %s", typ, paramType)
					return fmt.Errorf("类型为 %s 的传输选项不能赋值给 %s", typ, paramType)
				}
			}
		}

		var params []string
		if isVariadic && len(opts) > 0 {
			params = make([]string, numParams)
			params[len(params)-1] = tag
		}

		cfg.Transports = append(cfg.Transports, fx.Provide(
			fx.Annotate(
				constructor,
				fx.ParamTags(params...),
				fx.As(new(transport.Transport)),
				fx.ResultTags(`group:"transport"`),
			),
		))
		for _, opt := range opts {
			cfg.Transports = append(cfg.Transports, fx.Supply(
				fx.Annotate(opt, fx.ResultTags(tag)),
			))
		}
		return nil
	}
}

// PrivateNetwork 使用预共享密钥把节点限制在私有网络中
func PrivateNetwork(psk pnet.PSK) Option {
	return func(cfg *Config) error {
		if cfg.PSK != nil {
			log.Errorf("不能指定多个预共享密钥")
			return errors.New("不能指定多个预共享密钥")
		}
		cfg.PSK = psk
		return nil
	}
}

// Identity 使用给定私钥作为节点身份
func Identity(sk crypto.PrivKey) Option {
	return func(cfg *Config) error {
		if cfg.PeerKey != nil {
			log.Errorf("不能指定多个身份")
			return errors.New("不能指定多个身份")
		}
		cfg.PeerKey = sk
		return nil
	}
}

// DialTimeout 配置一次连接尝试的总超时时间
func DialTimeout(t time.Duration) Option {
	return func(cfg *Config) error {
		if t <= 0 {
			return errors.New("拨号超时必须大于 0")
		}
		cfg.DialTimeout = t
		return nil
	}
}

// MinConnections 配置自动拨号器维持的最少连接数量,0 表示不主动拨号
func MinConnections(n int) Option {
	return func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("最少连接数量不能为负数: %d", n)
		}
		cfg.MinConnections = n
		cfg.CustomMinConnections = true
		return nil
	}
}

// HealthBackoff 配置不可达节点的初始退避和最大退避
func HealthBackoff(initial, max time.Duration) Option {
	return func(cfg *Config) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("无效的退避区间: %s - %s", initial, max)
		}
		cfg.HealthInitialBackoff = initial
		cfg.HealthMaxBackoff = max
		return nil
	}
}

// SweepInterval 配置健康管理器检查到期节点的周期
func SweepInterval(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.SweepInterval = d
		return nil
	}
}

// Routing 配置按节点 ID 查找地址的路由
func Routing(r routing.PeerRouting) Option {
	return func(cfg *Config) error {
		if cfg.Routing != nil {
			log.Errorf("不能指定多个路由")
			return errors.New("不能指定多个路由")
		}
		cfg.Routing = r
		return nil
	}
}

// MultiaddrResolver 配置 DNS 地址解析器
func MultiaddrResolver(r transport.Resolver) Option {
	return func(cfg *Config) error {
		cfg.MultiaddrResolver = r
		return nil
	}
}

// AddressPolicyStore 配置地址策略规则的持久化存储
func AddressPolicyStore(ds datastore.Datastore) Option {
	return func(cfg *Config) error {
		cfg.AddressPolicyStore = ds
		return nil
	}
}

// UserAgent 设置 identify 协议通告的代理版本
func UserAgent(userAgent string) Option {
	return func(cfg *Config) error {
		cfg.UserAgent = userAgent
		return nil
	}
}

// ProtocolVersion 设置 identify 协议通告的协议版本
func ProtocolVersion(s string) Option {
	return func(cfg *Config) error {
		cfg.ProtocolVersion = s
		return nil
	}
}

// DisableMetrics 关闭 prometheus 指标
func DisableMetrics() Option {
	return func(cfg *Config) error {
		cfg.DisableMetrics = true
		return nil
	}
}

// PrometheusRegisterer 配置指标注册器
func PrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *Config) error {
		if cfg.DisableMetrics {
			return errors.New("指标已被禁用,不能设置注册器")
		}
		if reg == nil {
			return errors.New("注册器不能为 nil")
		}
		cfg.PrometheusRegisterer = reg
		return nil
	}
}

// DisableAutoDial 不启动自动拨号器
func DisableAutoDial() Option {
	return func(cfg *Config) error {
		cfg.DisableAutoDial = true
		return nil
	}
}

// DisableHealthManager 不启动节点健康管理器
func DisableHealthManager() Option {
	return func(cfg *Config) error {
		cfg.DisableHealthManager = true
		return nil
	}
}

// SwarmOpts 直接向 swarm 传递选项
func SwarmOpts(opts ...swarm.Option) Option {
	return func(cfg *Config) error {
		cfg.SwarmOpts = opts
		return nil
	}
}

// WithFxOption 添加用户自定义的 fx 选项
func WithFxOption(opts ...fx.Option) Option {
	return func(cfg *Config) error {
		cfg.UserFxOptions = append(cfg.UserFxOptions, opts...)
		return nil
	}
}
