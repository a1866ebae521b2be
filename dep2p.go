// Package dep2p 组装一个 swarm 节点:身份、传输、安全、多路复用、地址策略、健康管理和自动拨号
package dep2p

import (
	logging "github.com/dep2p/log"
	"github.com/dep2p/swarmnet/config"
)

var log = logging.Logger("dep2p")

// Config 描述了节点的一组设置
type Config = config.Config

// Option 是节点的配置选项,传递给 New
type Option = config.Option

// Node 是组装好并已启动的节点
type Node = config.Node

// ChainOptions 将多个选项链接成单个选项
// 参数:
//   - opts: ...Option 要链接的选项列表
//
// 返回值:
//   - Option: 链接后的选项
func ChainOptions(opts ...Option) Option {
	return func(cfg *Config) error {
		for _, opt := range opts {
			if opt == nil {
				continue
			}
			if err := opt(cfg); err != nil {
				log.Errorf("应用选项失败: %s", err)
				return err
			}
		}
		return nil
	}
}

// New 使用给定选项构造并启动节点,未提供的部分使用默认值
// 默认值:
// - 监听 "/ip4/0.0.0.0/tcp/0" 和 "/ip6/::/tcp/0"
// - TCP 和 websocket 传输
// - yamux 多路复用
// - noise 加密
// - 随机的 Ed25519 身份
// - 拨号超时 30 秒,最少保持 16 个连接,健康退避 1 分钟到 64 分钟
func New(opts ...Option) (*Node, error) {
	return NewWithoutDefaults(append(opts, FallbackDefaults)...)
}

// NewWithoutDefaults 使用给定选项构造节点,不填充任何默认值
func NewWithoutDefaults(opts ...Option) (*Node, error) {
	var cfg Config
	if err := cfg.Apply(opts...); err != nil {
		log.Errorf("应用选项失败: %s", err)
		return nil, err
	}
	return cfg.NewNode()
}
