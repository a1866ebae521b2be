// Package metricshelper 包含 swarm 各组件共用的 prometheus 辅助函数
package metricshelper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dep2p/swarmnet/core/network"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterCollectors 注册收集器,忽略重复注册的错误
// 参数:
//   - reg: prometheus.Registerer 注册器
//   - collectors: 要注册的收集器
func RegisterCollectors(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	for _, c := range collectors {
		err := reg.Register(c)
		if err != nil {
			if ok := errors.As(err, &prometheus.AlreadyRegisteredError{}); !ok {
				panic(err)
			}
		}
	}
}

// capacity 是标签切片的初始容量
const capacity = 8

var stringPool = sync.Pool{New: func() any {
	s := make([]string, 0, capacity)
	return &s
}}

// GetStringSlice 从池中取出一个空的标签切片
func GetStringSlice() *[]string {
	s := stringPool.Get().(*[]string)
	*s = (*s)[:0]
	return s
}

// PutStringSlice 把标签切片放回池中
func PutStringSlice(s *[]string) {
	if c := cap(*s); c < capacity {
		panic(fmt.Sprintf("预期字符串切片容量不小于%d,实际获得 %d", capacity, c))
	}
	stringPool.Put(s)
}

// GetDirection 返回连接方向的标签值
func GetDirection(dir network.Direction) string {
	switch dir {
	case network.DirOutbound:
		return "outbound"
	case network.DirInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// transports 按优先级排列,/ws 必须在 /tcp 之前匹配
var transports = [...]int{ma.P_WSS, ma.P_WS, ma.P_TCP}

// GetTransport 返回地址使用的传输层名称
func GetTransport(a ma.Multiaddr) string {
	if a == nil {
		return "other"
	}
	for _, t := range transports {
		if _, err := a.ValueForProtocol(t); err == nil {
			return ma.ProtocolWithCode(t).Name
		}
	}
	return "other"
}

// GetIPVersion 返回地址的 IP 版本标签
func GetIPVersion(addr ma.Multiaddr) string {
	version := "unknown"
	if addr == nil {
		return version
	}
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_IP4, ma.P_DNS4:
			version = "ip4"
		case ma.P_IP6, ma.P_DNS6:
			version = "ip6"
		}
		return false
	})
	return version
}
