package eventbus

import (
	"reflect"
	"strings"

	"github.com/dep2p/swarmnet/p2p/metricshelper"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "dep2p_eventbus"

var (
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "events_emitted_total",
			Help:      "已发送的事件总数",
		},
		[]string{"event"},
	)
	totalSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "subscribers_total",
			Help:      "每种事件类型的订阅者数量",
		},
		[]string{"event"},
	)
	subscriberQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "subscriber_queue_length",
			Help:      "订阅者队列长度",
		},
		[]string{"subscriber_name"},
	)

	collectors = []prometheus.Collector{
		eventsEmitted,
		totalSubscribers,
		subscriberQueueLength,
	}
)

// MetricsTracer 跟踪事件总线的指标
type MetricsTracer interface {
	// EventEmitted 记录一次事件发送
	EventEmitted(typ reflect.Type)
	// AddSubscriber 记录新增订阅者
	AddSubscriber(typ reflect.Type)
	// RemoveSubscriber 记录订阅者取消订阅
	RemoveSubscriber(typ reflect.Type)
	// SubscriberQueueLength 记录订阅者队列长度
	SubscriberQueueLength(name string, n int)
}

type metricsTracer struct{}

var _ MetricsTracer = &metricsTracer{}

type metricsTracerSetting struct {
	reg prometheus.Registerer
}

// MetricsTracerOption 是指标跟踪器选项
type MetricsTracerOption func(*metricsTracerSetting)

// WithRegisterer 设置 prometheus 注册器
func WithRegisterer(reg prometheus.Registerer) MetricsTracerOption {
	return func(s *metricsTracerSetting) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// NewMetricsTracer 创建指标跟踪器并注册收集器
func NewMetricsTracer(opts ...MetricsTracerOption) MetricsTracer {
	setting := &metricsTracerSetting{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(setting)
	}
	metricshelper.RegisterCollectors(setting.reg, collectors...)
	return &metricsTracer{}
}

func eventName(typ reflect.Type) string {
	return strings.TrimPrefix(typ.String(), "event.")
}

func (m *metricsTracer) EventEmitted(typ reflect.Type) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, eventName(typ))
	eventsEmitted.WithLabelValues(*tags...).Inc()
}

func (m *metricsTracer) AddSubscriber(typ reflect.Type) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, eventName(typ))
	totalSubscribers.WithLabelValues(*tags...).Inc()
}

func (m *metricsTracer) RemoveSubscriber(typ reflect.Type) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, eventName(typ))
	totalSubscribers.WithLabelValues(*tags...).Dec()
}

func (m *metricsTracer) SubscriberQueueLength(name string, n int) {
	tags := metricshelper.GetStringSlice()
	defer metricshelper.PutStringSlice(tags)

	*tags = append(*tags, name)
	subscriberQueueLength.WithLabelValues(*tags...).Set(float64(n))
}
