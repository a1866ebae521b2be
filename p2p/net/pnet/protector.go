// Package pnet 实现私有网络的连接保护
//
// 传输层连接建立之后、协议协商之前,连接的两个方向都使用预共享密钥进行 salsa20 加密
// 密钥不同的节点无法完成后续的 multistream 协商
package pnet

import (
	"encoding/hex"
	"errors"

	ipnet "github.com/dep2p/swarmnet/core/pnet"

	logging "github.com/dep2p/log"
	"github.com/minio/sha256-simd"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("net-pnet")

// ErrBadPSKLength 表示预共享密钥不是 32 字节
var ErrBadPSKLength = errors.New("预期 PSK 长度为 32 字节")

// Protector 使用预共享密钥保护连接
type Protector struct {
	psk         [32]byte
	fingerprint string
}

// NewProtector 创建连接保护器
// 参数:
//   - psk: ipnet.PSK 32 字节的预共享密钥
//
// 返回值:
//   - *Protector: 连接保护器
//   - error: 密钥长度错误时返回 ErrBadPSKLength
func NewProtector(psk ipnet.PSK) (*Protector, error) {
	if len(psk) != 32 {
		log.Errorf("预共享密钥长度为 %d 字节", len(psk))
		return nil, ErrBadPSKLength
	}
	p := &Protector{}
	copy(p.psk[:], psk)

	sum := sha256.Sum256(psk)
	p.fingerprint = hex.EncodeToString(sum[:8])
	log.Debugf("启用私有网络, 密钥指纹 %s", p.fingerprint)
	return p, nil
}

// Fingerprint 返回密钥的简短指纹,可以安全地写入日志
func (p *Protector) Fingerprint() string {
	return p.fingerprint
}

// Protect 包装一个原始连接
func (p *Protector) Protect(c manet.Conn) (manet.Conn, error) {
	if c == nil {
		return nil, errConnNil
	}
	return &pskConn{Conn: c, psk: &p.psk}, nil
}
