package eventbus

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
)

type subSettings struct {
	buffer int    // 缓冲区大小
	name   string // 订阅者名称
}

var subCnt atomic.Int64

// defaultBufSize 是订阅通道的默认缓冲区大小
const defaultBufSize = 16

// newSubSettings 创建默认的订阅设置,名称取自调用 Subscribe 的源码位置
func newSubSettings() subSettings {
	settings := subSettings{buffer: defaultBufSize}
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = strings.TrimPrefix(file, "github.com/")
		if idx1 := strings.Index(file, "@"); idx1 != -1 {
			if idx2 := strings.Index(file[idx1:], "/"); idx2 != -1 {
				file = file[:idx1] + file[idx1+idx2:]
			}
		}
		settings.name = fmt.Sprintf("%s-L%d", file, line)
	} else {
		settings.name = fmt.Sprintf("subscriber-%d", subCnt.Add(1))
	}
	return settings
}

// BufSize 设置订阅通道的缓冲区大小
func BufSize(n int) func(interface{}) error {
	return func(s interface{}) error {
		if n < 0 {
			return fmt.Errorf("缓冲区大小不能为负数: %d", n)
		}
		s.(*subSettings).buffer = n
		return nil
	}
}

// Name 设置订阅者的名称,用于日志和指标
func Name(name string) func(interface{}) error {
	return func(s interface{}) error {
		s.(*subSettings).name = name
		return nil
	}
}

type emitterSettings struct {
	makeStateful bool
}

// Stateful 是一个发射器选项
// 有状态的发射器会保留最后一个事件,新订阅者订阅时立即收到它
func Stateful(s interface{}) error {
	s.(*emitterSettings).makeStateful = true
	return nil
}

// Option 是总线选项
type Option func(*basicBus)

// WithMetricsTracer 为总线设置指标跟踪器
func WithMetricsTracer(metricsTracer MetricsTracer) Option {
	return func(bus *basicBus) {
		bus.metricsTracer = metricsTracer
	}
}
