package identify

import (
	"github.com/dep2p/swarmnet/p2p/metricshelper"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "dep2p_identify"

var (
	identify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "identify_total",
			Help:      "Identify 总数",
		},
		[]string{"dir", "result"},
	)
	numProtocolsReceived = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "protocols_received",
			Help:      "收到的协议数量",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)
	numAddrsReceived = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "addrs_received",
			Help:      "收到的监听地址数量",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)
	collectors = []prometheus.Collector{
		identify,
		numProtocolsReceived,
		numAddrsReceived,
	}
)

// MetricsTracer 记录 identify 交换的指标
type MetricsTracer interface {
	// IdentifySent 在响应一次 identify 请求后调用
	IdentifySent(err error)
	// IdentifyReceived 在读取一次 identify 响应后调用
	IdentifyReceived(msg *Message, err error)
}

type metricsTracer struct{}

var _ MetricsTracer = &metricsTracer{}

type metricsTracerSetting struct {
	reg prometheus.Registerer
}

// MetricsTracerOption 是指标追踪器的配置选项
type MetricsTracerOption func(*metricsTracerSetting)

// WithRegisterer 设置 prometheus 注册器
func WithRegisterer(reg prometheus.Registerer) MetricsTracerOption {
	return func(s *metricsTracerSetting) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// NewMetricsTracer 创建指标追踪器
func NewMetricsTracer(opts ...MetricsTracerOption) MetricsTracer {
	setting := &metricsTracerSetting{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(setting)
	}
	metricshelper.RegisterCollectors(setting.reg, collectors...)
	return &metricsTracer{}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (t *metricsTracer) IdentifySent(err error) {
	identify.WithLabelValues("sent", result(err)).Inc()
}

func (t *metricsTracer) IdentifyReceived(msg *Message, err error) {
	identify.WithLabelValues("received", result(err)).Inc()
	if msg != nil {
		numProtocolsReceived.Observe(float64(len(msg.Protocols)))
		numAddrsReceived.Observe(float64(len(msg.ListenAddrs)))
	}
}
