// Package pnet 提供私有网络的预共享密钥及其错误类型
package pnet

import (
	"errors"
	"os"
)

// PSK 是 32 字节的预共享密钥,持有相同密钥的节点才能互相连接
type PSK []byte

// EnvKey 定义了环境变量名,设置为 "1" 时强制只允许私有网络
const EnvKey = "DEP2P_FORCE_PNET"

// ForcePrivateNetwork 为 true 时,没有配置 PSK 的节点无法启动
var ForcePrivateNetwork = os.Getenv(EnvKey) == "1"

// ErrNotInPrivateNetwork 在强制私有网络而未配置 PSK 时返回
var ErrNotInPrivateNetwork = NewError("未配置私有网络,但环境要求必须使用私有网络")

// Error 是私有网络相关错误的接口
type Error interface {
	IsPNetError() bool
}

// NewError 创建私有网络错误
func NewError(err string) error {
	return pnetErr("privnet: " + err)
}

// IsPNetError 检查错误链中是否包含私有网络错误
func IsPNetError(err error) bool {
	var v Error
	return errors.As(err, &v) && v.IsPNetError()
}

type pnetErr string

var _ Error = (*pnetErr)(nil)

func (p pnetErr) Error() string {
	return string(p)
}

func (pnetErr) IsPNetError() bool {
	return true
}
