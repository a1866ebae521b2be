package swarm

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/p2p/metricshelper"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "dep2p_swarm"

var (
	connsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_opened_total",
			Help:      "已打开的连接数",
		},
		[]string{"dir", "transport", "security", "muxer", "ip_version"},
	)
	keyTypes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "key_types_total",
			Help:      "远程节点的密钥类型",
		},
		[]string{"dir", "key_type"},
	)
	connsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_closed_total",
			Help:      "已关闭的连接数",
		},
		[]string{"dir", "transport", "security", "muxer", "ip_version"},
	)
	connDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "connection_duration_seconds",
			Help:      "连接的存活时长",
			Buckets:   prometheus.ExponentialBuckets(1.0/16, 2, 25),
		},
		[]string{"dir", "transport", "security", "muxer", "ip_version"},
	)
	connHandshakeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "handshake_latency_seconds",
			Help:      "安全握手和多路复用协商的耗时",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.3, 35),
		},
		[]string{"transport", "security", "muxer", "ip_version"},
	)
	dialError = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "dial_errors_total",
			Help:      "单个地址拨号失败的次数",
		},
		[]string{"transport", "error", "ip_version"},
	)
	dialsPerPeer = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "dials_per_peer_total",
			Help:      "每次节点拨号尝试的地址数量",
		},
		[]string{"outcome", "num_dials"},
	)
	dialLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "dial_latency_seconds",
			Help:      "节点拨号从开始到建立连接或失败的耗时",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 35),
		},
		[]string{"outcome", "num_dials"},
	)

	collectors = []prometheus.Collector{
		connsOpened,
		keyTypes,
		connsClosed,
		connDuration,
		connHandshakeLatency,
		dialError,
		dialsPerPeer,
		dialLatency,
	}
)

// MetricsTracer 收集连接生命周期和拨号结果的指标
type MetricsTracer interface {
	// OpenedConnection 在连接被准入为活动连接时调用
	OpenedConnection(network.Direction, crypto.PubKey, network.ConnectionState, ma.Multiaddr)
	// ClosedConnection 在活动连接关闭时调用
	ClosedConnection(network.Direction, time.Duration, network.ConnectionState, ma.Multiaddr)
	// CompletedHandshake 在安全握手和多路复用协商都完成后调用
	CompletedHandshake(time.Duration, network.ConnectionState, ma.Multiaddr)
	// FailedDialing 在单个地址拨号失败时调用,cause 是拨号上下文的取消原因
	FailedDialing(addr ma.Multiaddr, dialErr error, cause error)
	// DialCompleted 在一次节点拨号结束时调用
	DialCompleted(success bool, totalDials int, latency time.Duration)
}

type metricsTracer struct{}

var _ MetricsTracer = &metricsTracer{}

type metricsTracerSetting struct {
	reg prometheus.Registerer
}

// MetricsTracerOption 配置指标追踪器
type MetricsTracerOption func(*metricsTracerSetting)

// WithRegisterer 设置注册指标使用的 prometheus 注册器,nil 时使用默认注册器
func WithRegisterer(reg prometheus.Registerer) MetricsTracerOption {
	return func(s *metricsTracerSetting) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// NewMetricsTracer 创建基于 prometheus 的指标追踪器
// 重复创建是安全的,收集器只会注册一次
// 参数:
//   - opts: ...MetricsTracerOption 配置选项
//
// 返回值:
//   - MetricsTracer: 指标追踪器
func NewMetricsTracer(opts ...MetricsTracerOption) MetricsTracer {
	setting := &metricsTracerSetting{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(setting)
	}
	metricshelper.RegisterCollectors(setting.reg, collectors...)
	return &metricsTracer{}
}

func appendConnectionState(tags []string, cs network.ConnectionState) []string {
	transport := cs.Transport
	if transport == "" {
		transport = "unknown"
	}
	return append(tags, transport, string(cs.Security), string(cs.StreamMultiplexer))
}

func (m *metricsTracer) OpenedConnection(dir network.Direction, p crypto.PubKey, cs network.ConnectionState, laddr ma.Multiaddr) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, metricshelper.GetDirection(dir))
	*tags = appendConnectionState(*tags, cs)
	*tags = append(*tags, metricshelper.GetIPVersion(laddr))
	connsOpened.WithLabelValues(*tags...).Inc()

	keyType := "unknown"
	if p != nil {
		keyType = p.Type().String()
	}
	keyTypes.WithLabelValues(metricshelper.GetDirection(dir), keyType).Inc()
}

func (m *metricsTracer) ClosedConnection(dir network.Direction, d time.Duration, cs network.ConnectionState, laddr ma.Multiaddr) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, metricshelper.GetDirection(dir))
	*tags = appendConnectionState(*tags, cs)
	*tags = append(*tags, metricshelper.GetIPVersion(laddr))
	connsClosed.WithLabelValues(*tags...).Inc()
	connDuration.WithLabelValues(*tags...).Observe(d.Seconds())
}

func (m *metricsTracer) CompletedHandshake(d time.Duration, cs network.ConnectionState, laddr ma.Multiaddr) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = appendConnectionState(*tags, cs)
	*tags = append(*tags, metricshelper.GetIPVersion(laddr))
	connHandshakeLatency.WithLabelValues(*tags...).Observe(d.Seconds())
}

// dialErrorLabel 将单个地址的拨号错误归为有限的几类
func dialErrorLabel(dialErr, cause error) string {
	switch {
	case errors.Is(dialErr, context.DeadlineExceeded), errors.Is(cause, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(dialErr, context.Canceled):
		switch {
		case errors.Is(cause, errConcurrentDialSuccessful):
			return "canceled: concurrent dial successful"
		case errors.Is(cause, errAllCallersLeft), errors.Is(cause, context.Canceled):
			return "application canceled"
		default:
			return "canceled: other"
		}
	case errors.Is(dialErr, syscall.ECONNREFUSED):
		return "connection refused"
	}
	var nerr net.Error
	if errors.As(dialErr, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	return "other"
}

func (m *metricsTracer) FailedDialing(addr ma.Multiaddr, dialErr, cause error) {
	dialError.WithLabelValues(
		metricshelper.GetTransport(addr),
		dialErrorLabel(dialErr, cause),
		metricshelper.GetIPVersion(addr),
	).Inc()
}

var numDialLabels = [...]string{"0", "1", "2", "3", "4", "5", ">=6"}

func (m *metricsTracer) DialCompleted(success bool, totalDials int, latency time.Duration) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	numDials := numDialLabels[len(numDialLabels)-1]
	if totalDials < len(numDialLabels) {
		numDials = numDialLabels[totalDials]
	}
	dialsPerPeer.WithLabelValues(outcome, numDials).Inc()
	dialLatency.WithLabelValues(outcome, numDials).Observe(latency.Seconds())
}
