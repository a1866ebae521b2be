package identify

type config struct {
	protocolVersion string
	userAgent       string
	metricsTracer   MetricsTracer
}

// Option 是 identify 服务的配置选项
type Option func(*config)

// ProtocolVersion 设置通告的协议版本
func ProtocolVersion(s string) Option {
	return func(cfg *config) {
		cfg.protocolVersion = s
	}
}

// UserAgent 设置通告的代理版本
func UserAgent(ua string) Option {
	return func(cfg *config) {
		cfg.userAgent = ua
	}
}

// WithMetricsTracer 设置指标追踪器
func WithMetricsTracer(tr MetricsTracer) Option {
	return func(cfg *config) {
		cfg.metricsTracer = tr
	}
}
