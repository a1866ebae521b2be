// Package insecure 提供一个不加密的安全传输
//
// 它只交换并校验双方的身份,数据以明文传输,适合测试或已经处于可信链路上的部署
package insecure

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	logging "github.com/dep2p/log"
	ci "github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"
	"github.com/dep2p/swarmnet/core/sec"

	"github.com/libp2p/go-msgio"
	"google.golang.org/protobuf/encoding/protowire"
)

var log = logging.Logger("insecure")

// ID 是明文传输的协议 ID
const ID = "/plaintext/2.0.0"

// maxMessageSize 是交换消息的最大长度
const maxMessageSize = 1 << 16

// Transport 是一个不进行加密的安全传输实现
type Transport struct {
	id  peer.ID    // 本地对等节点 ID
	key ci.PrivKey // 本地私钥
}

var _ sec.SecureTransport = (*Transport)(nil)

// NewWithIdentity 使用给定的身份构造明文传输
// 参数:
//   - key: ci.PrivKey 本地私钥
//
// 返回值:
//   - *Transport: 明文传输实例
//   - error: 无法从私钥派生 ID 时返回错误
func NewWithIdentity(key ci.PrivKey) (*Transport, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &Transport{id: id, key: key}, nil
}

// ID 返回协议 ID
func (t *Transport) ID() protocol.ID { return ID }

// LocalPeer 返回本地节点 ID
func (t *Transport) LocalPeer() peer.ID { return t.id }

// SecureInbound 交换身份,p 非空时校验远程 ID
func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return t.secure(ctx, insecure, p)
}

// SecureOutbound 交换身份并校验远程 ID 必须是 p
func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	if p == "" {
		return nil, fmt.Errorf("出站连接必须指定远程节点")
	}
	return t.secure(ctx, insecure, p)
}

func (t *Transport) secure(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	conn := &Conn{
		Conn:        insecure,
		local:       t.id,
		localPubKey: t.key.GetPublic(),
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := insecure.SetDeadline(deadline); err == nil {
			defer insecure.SetDeadline(time.Time{})
		}
	}

	if err := conn.runHandshakeSync(); err != nil {
		log.Debugf("握手失败: %v", err)
		return nil, err
	}

	if p != "" && p != conn.remote {
		log.Debugf("远程对等节点发送了意外的对等节点 ID。预期=%s 收到=%s", p, conn.remote)
		return nil, sec.ErrPeerIDMismatch{Expected: p, Actual: conn.remote}
	}
	return conn, nil
}

// Conn 是明文传输产生的连接,读写直接透传到底层连接
type Conn struct {
	net.Conn

	local, remote             peer.ID
	localPubKey, remotePubKey ci.PubKey
}

var _ sec.SecureConn = (*Conn)(nil)

// 交换消息: message Exchange { bytes id = 1; PublicKey pubkey = 2; }
const (
	exchangeFieldID     protowire.Number = 1
	exchangeFieldPubkey protowire.Number = 2
)

func makeExchangeMessage(pubkey ci.PubKey) ([]byte, error) {
	keyBytes, err := ci.MarshalPublicKey(pubkey)
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPublicKey(pubkey)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, exchangeFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(id))
	b = protowire.AppendTag(b, exchangeFieldPubkey, protowire.BytesType)
	b = protowire.AppendBytes(b, keyBytes)
	return b, nil
}

func parseExchangeMessage(b []byte) (id []byte, pubkey []byte, err error) {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]
		if wt != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		switch num {
		case exchangeFieldID:
			id = v
		case exchangeFieldPubkey:
			pubkey = v
		}
		b = b[n:]
	}
	return id, pubkey, nil
}

// runHandshakeSync 同时发送本地身份并读取远程身份
func (ic *Conn) runHandshakeSync() error {
	msg, err := makeExchangeMessage(ic.localPubKey)
	if err != nil {
		log.Debugf("创建交换消息失败: %v", err)
		return err
	}

	remoteMsg, err := readWriteMsg(ic.Conn, msg)
	if err != nil {
		log.Debugf("读取交换消息失败: %v", err)
		return err
	}
	rawID, rawKey, err := parseExchangeMessage(remoteMsg)
	if err != nil {
		return fmt.Errorf("解析交换消息失败: %w", err)
	}

	remotePubkey, err := ci.UnmarshalPublicKey(rawKey)
	if err != nil {
		return err
	}
	remoteID, err := peer.IDFromBytes(rawID)
	if err != nil {
		return err
	}

	if !remoteID.MatchesPublicKey(remotePubkey) {
		calculatedID, _ := peer.IDFromPublicKey(remotePubkey)
		return fmt.Errorf("远程对等节点 ID 与公钥不匹配。id=%s 计算得到的_id=%s", remoteID, calculatedID)
	}

	ic.remotePubKey = remotePubkey
	ic.remote = remoteID
	return nil
}

// readWriteMsg 在后台写出 out 的同时读取对端的消息
func readWriteMsg(rw io.ReadWriter, out []byte) ([]byte, error) {
	wresult := make(chan error, 1)
	go func() {
		w := msgio.NewVarintWriter(rw)
		wresult <- w.WriteMsg(out)
	}()

	r := msgio.NewVarintReaderSize(rw, maxMessageSize)
	b, err1 := r.ReadMsg()

	err2 := <-wresult

	if err1 != nil {
		return nil, err1
	}
	if err2 != nil {
		r.ReleaseMsg(b)
		return nil, err2
	}
	in := append([]byte(nil), b...)
	r.ReleaseMsg(b)
	return in, nil
}

// LocalPeer 返回本地节点 ID
func (ic *Conn) LocalPeer() peer.ID { return ic.local }

// RemotePeer 返回远程节点 ID
func (ic *Conn) RemotePeer() peer.ID { return ic.remote }

// RemotePublicKey 返回远程节点公钥
func (ic *Conn) RemotePublicKey() ci.PubKey { return ic.remotePubKey }
