// Package yamux 将 hashicorp/yamux 适配为多路复用器
package yamux

import (
	"net"
	"time"

	"github.com/dep2p/swarmnet/core/network"

	logging "github.com/dep2p/log"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

var log = logging.Logger("yamux")

// ID 是 yamux 的协议 ID
const ID = "/yamux/1.0.0"

// DefaultTransport 是使用默认配置的多路复用器
var DefaultTransport *Transport

func init() {
	config := yamux.DefaultConfig()
	// 单个流的窗口大小
	config.MaxStreamWindowSize = uint32(16 * 1024 * 1024)
	config.StreamOpenTimeout = 75 * time.Second
	// Logger 和 LogOutput 只能设置一个
	config.LogOutput = nil
	config.Logger = zap.NewStdLog(log.Desugar())
	DefaultTransport = (*Transport)(config)
}

// Transport 是 yamux 配置的包装
type Transport yamux.Config

var _ network.Multiplexer = &Transport{}

// NewConn 在 nc 上创建 yamux 会话
// 参数:
//   - nc: net.Conn 底层安全连接
//   - isServer: bool 本端是否为入站一方
//
// 返回值:
//   - network.MuxedConn: 多路复用连接
//   - error: 配置无效时返回错误
func (t *Transport) NewConn(nc net.Conn, isServer bool) (network.MuxedConn, error) {
	var s *yamux.Session
	var err error
	if isServer {
		s, err = yamux.Server(nc, t.Config())
	} else {
		s, err = yamux.Client(nc, t.Config())
	}
	if err != nil {
		log.Debugf("创建yamux会话失败: %v", err)
		return nil, err
	}
	return newMuxedConn(s), nil
}

// Config 返回底层的 yamux 配置
func (t *Transport) Config() *yamux.Config {
	return (*yamux.Config)(t)
}
