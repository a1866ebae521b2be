package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// fileConfig 是 TOML 配置文件的内容,命令行参数会覆盖同名的值
type fileConfig struct {
	Listen    []string `toml:"listen"`
	Bootstrap []string `toml:"bootstrap"`

	// IdentityFile 是 keygen 生成的私钥文件,为空时使用随机身份
	IdentityFile string `toml:"identity_file"`
	// PSKFile 是 psk 生成的预共享密钥文件,为空时不使用私有网络
	PSKFile  string `toml:"psk_file"`
	Insecure bool   `toml:"insecure"`

	DialTimeout    duration `toml:"dial_timeout"`
	MinConnections int      `toml:"min_connections"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	SweepInterval  duration `toml:"sweep_interval"`

	DenyAddrs  []string `toml:"deny_addrs"`
	AllowAddrs []string `toml:"allow_addrs"`
	DenyPeers  []string `toml:"deny_peers"`

	// MetricsAddr 是 prometheus 指标的 HTTP 监听地址,为空时不提供
	MetricsAddr string `toml:"metrics_addr"`
	UserAgent   string `toml:"user_agent"`
}

// duration 让 TOML 中的 "30s" 这样的字符串解码为 time.Duration
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Listen:         []string{"/ip4/0.0.0.0/tcp/4001", "/ip6/::/tcp/4001"},
		DialTimeout:    duration{30 * time.Second},
		MinConnections: 16,
		InitialBackoff: duration{time.Minute},
		MaxBackoff:     duration{64 * time.Minute},
		SweepInterval:  duration{time.Minute},
	}
}

// loadFileConfig 读取配置文件,path 为空时返回默认值
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warnf("配置文件中有未知的键: %v", undecoded)
	}
	return cfg, nil
}

// runFlags 保存 run 命令的参数
type runFlags struct {
	configPath     string
	listen         []string
	bootstrap      []string
	identityFile   string
	pskFile        string
	insecure       bool
	dialTimeout    time.Duration
	minConnections int
	metricsAddr    string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "TOML 配置文件路径")
	fs.StringSliceVar(&f.listen, "listen", nil, "监听地址,可重复")
	fs.StringSliceVar(&f.bootstrap, "bootstrap", nil, "启动时连接的节点地址,必须包含 /p2p/<id>")
	fs.StringVar(&f.identityFile, "identity", "", "私钥文件")
	fs.StringVar(&f.pskFile, "psk", "", "预共享密钥文件")
	fs.BoolVar(&f.insecure, "insecure", false, "使用明文握手,不加密连接")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", 0, "拨号超时")
	fs.IntVar(&f.minConnections, "min-connections", 0, "自动拨号器维持的最少连接数量")
	fs.StringVar(&f.metricsAddr, "metrics", "", "prometheus 指标的监听地址")
}

// override 用显式给出的命令行参数覆盖配置文件的值
func (f *runFlags) override(fs *pflag.FlagSet, cfg *fileConfig) {
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("bootstrap") {
		cfg.Bootstrap = f.bootstrap
	}
	if fs.Changed("identity") {
		cfg.IdentityFile = f.identityFile
	}
	if fs.Changed("psk") {
		cfg.PSKFile = f.pskFile
	}
	if fs.Changed("insecure") {
		cfg.Insecure = f.insecure
	}
	if fs.Changed("dial-timeout") {
		cfg.DialTimeout = duration{f.dialTimeout}
	}
	if fs.Changed("min-connections") {
		cfg.MinConnections = f.minConnections
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = f.metricsAddr
	}
}
