package config

import (
	"strings"
	"sync"

	logging "github.com/dep2p/log"
	"go.uber.org/fx/fxevent"
)

var log = logging.Logger("config")

var (
	fxLogger    fxevent.Logger
	logInitOnce sync.Once
)

// fxLogWriter 把 fx 的事件日志转写到 config 日志记录器
type fxLogWriter struct{}

func (l *fxLogWriter) Write(b []byte) (int, error) {
	log.Debug(strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

// getFXLogger 返回 fx 使用的日志记录器
func getFXLogger() fxevent.Logger {
	logInitOnce.Do(func() { fxLogger = &fxevent.ConsoleLogger{W: &fxLogWriter{}} })
	return fxLogger
}
