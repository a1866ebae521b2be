// Package noise 实现基于 Noise XX 握手的安全传输
package noise

import (
	"context"
	"net"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/sec"

	logging "github.com/dep2p/log"
)

var log = logging.Logger("noise")

// ID 是 noise 安全协议的协议 ID
const ID = "/noise"

// Transport 使用节点的身份密钥执行 noise 握手
type Transport struct {
	protocolID protocol.ID
	localID    peer.ID
	privateKey crypto.PrivKey
}

var _ sec.SecureTransport = &Transport{}

// New 创建 noise 安全传输
// 参数:
//   - id: protocol.ID 协议 ID,通常为 ID
//   - privkey: crypto.PrivKey 本地节点的身份私钥
//
// 返回值:
//   - *Transport: noise 安全传输
//   - error: 无法从私钥派生节点 ID 时返回错误
func New(id protocol.ID, privkey crypto.PrivKey) (*Transport, error) {
	localID, err := peer.IDFromPrivateKey(privkey)
	if err != nil {
		log.Debugf("从私钥生成节点 ID 时出错: %s", err)
		return nil, err
	}
	return &Transport{
		protocolID: id,
		localID:    localID,
		privateKey: privkey,
	}, nil
}

// SecureInbound 作为响应方执行握手,p 为空时接受任何节点
func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return newSecureSession(ctx, t, insecure, p, false)
}

// SecureOutbound 作为发起方执行握手,远程节点必须是 p
func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return newSecureSession(ctx, t, insecure, p, true)
}

// ID 返回协议 ID
func (t *Transport) ID() protocol.ID {
	return t.protocolID
}
