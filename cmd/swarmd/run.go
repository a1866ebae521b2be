package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dep2p "github.com/dep2p/swarmnet"
	"github.com/dep2p/swarmnet/core/peer"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动节点并一直运行到收到中断信号",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFileConfig(flags.configPath)
			if err != nil {
				return err
			}
			flags.override(cmd.Flags(), &cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// nodeOptions 把配置文件转换为节点选项
func nodeOptions(cfg fileConfig, reg prometheus.Registerer) ([]dep2p.Option, error) {
	opts := []dep2p.Option{
		dep2p.ListenAddrStrings(cfg.Listen...),
		dep2p.MinConnections(cfg.MinConnections),
		dep2p.PrometheusRegisterer(reg),
	}
	if cfg.DialTimeout.Duration > 0 {
		opts = append(opts, dep2p.DialTimeout(cfg.DialTimeout.Duration))
	}
	if cfg.InitialBackoff.Duration > 0 || cfg.MaxBackoff.Duration > 0 {
		opts = append(opts, dep2p.HealthBackoff(cfg.InitialBackoff.Duration, cfg.MaxBackoff.Duration))
	}
	if cfg.SweepInterval.Duration > 0 {
		opts = append(opts, dep2p.SweepInterval(cfg.SweepInterval.Duration))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, dep2p.UserAgent(cfg.UserAgent))
	}
	if cfg.Insecure {
		log.Warn("使用明文握手,连接不会被加密")
		opts = append(opts, dep2p.NoSecurity)
	}
	if cfg.IdentityFile != "" {
		priv, err := loadIdentity(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("加载身份失败: %w", err)
		}
		opts = append(opts, dep2p.Identity(priv))
	}
	if cfg.PSKFile != "" {
		psk, err := loadPSK(cfg.PSKFile)
		if err != nil {
			return nil, fmt.Errorf("加载预共享密钥失败: %w", err)
		}
		opts = append(opts, dep2p.PrivateNetwork(psk))
	}
	return opts, nil
}

// applyPolicy 把配置中的规则写入地址策略
func applyPolicy(n *dep2p.Node, cfg fileConfig) error {
	for _, s := range cfg.DenyAddrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("无效的拒绝地址 %q: %w", s, err)
		}
		if err := n.Policy.DenyAddr(a); err != nil {
			return err
		}
	}
	for _, s := range cfg.AllowAddrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("无效的允许地址 %q: %w", s, err)
		}
		if err := n.Policy.AllowAddr(a); err != nil {
			return err
		}
	}
	for _, s := range cfg.DenyPeers {
		id, err := peer.Decode(s)
		if err != nil {
			return fmt.Errorf("无效的节点 ID %q: %w", s, err)
		}
		if err := n.Policy.DenyPeer(id); err != nil {
			return err
		}
	}
	return nil
}

// bootstrap 并发连接所有启动节点,失败只记录日志
func bootstrap(ctx context.Context, n *dep2p.Node, addrs []string) {
	var g errgroup.Group
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warnf("跳过无效的启动节点地址 %q: %s", s, err)
			continue
		}
		g.Go(func() error {
			if _, err := n.Swarm.Connect(ctx, a); err != nil {
				log.Warnf("连接启动节点 %s 失败: %s", a, err)
				return nil
			}
			log.Infof("已连接启动节点 %s", a)
			return nil
		})
	}
	g.Wait()
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("指标服务退出: %s", err)
		}
	}()
	return srv
}

func run(ctx context.Context, cfg fileConfig) error {
	reg := prometheus.NewRegistry()
	opts, err := nodeOptions(cfg, reg)
	if err != nil {
		return err
	}
	n, err := dep2p.New(opts...)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := applyPolicy(n, cfg); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer srv.Close()
		log.Infof("指标地址 http://%s/metrics", cfg.MetricsAddr)
	}

	for _, a := range n.Swarm.ListenAddresses() {
		full, err := peer.WithPeerID(a, n.Swarm.LocalPeer())
		if err != nil {
			continue
		}
		fmt.Println(full)
	}

	bootstrap(ctx, n, cfg.Bootstrap)

	<-ctx.Done()
	log.Info("正在关闭节点")
	return nil
}
