// Package identify 实现节点身份交换协议
//
// 发起方在新连接上打开 ID 协议的流,接收方写入一条带长度前缀的消息后关闭流
// 消息携带公钥、监听地址、支持的协议、观察到的地址以及版本字符串
package identify

import (
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/protocol"

	logging "github.com/dep2p/log"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("protocol-identify")

// ID 是 identify 协议的协议 ID
const ID protocol.ID = "/ipfs/id/1.0.0"

// DefaultProtocolVersion 是默认通告的协议版本
const DefaultProtocolVersion = "ipfs/0.1.0"

// StreamReadTimeout 是读写 identify 消息的超时时间
var StreamReadTimeout = 60 * time.Second

const maxMessageSize = 8 * 1024

var defaultUserAgent = "github.com/dep2p/swarmnet"

var (
	// ErrNoPublicKey 表示远程节点没有发送公钥
	ErrNoPublicKey = errors.New("identify 消息中没有公钥")
	// ErrPeerMismatch 表示 identify 得到的节点与安全握手认证的节点不同
	ErrPeerMismatch = errors.New("identify 得到的节点与连接的远程节点不一致")
)

// LocalState 提供本地节点当前要通告的信息
type LocalState interface {
	// ListenAddresses 返回本地节点的监听地址
	ListenAddresses() []ma.Multiaddr
	// Protocols 返回本地挂载的协议
	Protocols() []protocol.ID
}

// IDService 负责应答和发起 identify 交换
type IDService struct {
	key   crypto.PubKey
	local LocalState

	protocolVersion string
	userAgent       string
	metricsTracer   MetricsTracer
}

// NewIDService 创建 identify 服务
// 参数:
//   - key: crypto.PubKey 本地节点的公钥
//   - local: LocalState 本地状态来源
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *IDService: identify 服务
func NewIDService(key crypto.PubKey, local LocalState, opts ...Option) *IDService {
	cfg := config{
		protocolVersion: DefaultProtocolVersion,
		userAgent:       defaultUserAgent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &IDService{
		key:             key,
		local:           local,
		protocolVersion: cfg.protocolVersion,
		userAgent:       cfg.userAgent,
		metricsTracer:   cfg.metricsTracer,
	}
}

// UserAgent 返回本地通告的代理版本
func (ids *IDService) UserAgent() string {
	return ids.userAgent
}

// ProtocolVersion 返回本地通告的协议版本
func (ids *IDService) ProtocolVersion() string {
	return ids.protocolVersion
}

// HandleIdentifyRequest 是 ID 协议的流处理函数
func (ids *IDService) HandleIdentifyRequest(s network.Stream) {
	err := ids.sendIdentifyResp(s)
	if ids.metricsTracer != nil {
		ids.metricsTracer.IdentifySent(err)
	}
	if err != nil {
		log.Debugf("向 %s 发送 identify 响应失败: %s", s.RemotePeer(), err)
		s.Reset()
		return
	}
	s.Close()
}

func (ids *IDService) sendIdentifyResp(s network.Stream) error {
	if err := s.SetWriteDeadline(time.Now().Add(StreamReadTimeout)); err != nil {
		return err
	}
	msg := &Message{
		PublicKey:       ids.key,
		ListenAddrs:     ids.local.ListenAddresses(),
		Protocols:       ids.local.Protocols(),
		ObservedAddr:    s.RemoteMultiaddr(),
		ProtocolVersion: ids.protocolVersion,
		AgentVersion:    ids.userAgent,
	}
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(s).WriteMsg(b)
}

// ReadIdentifyResponse 从发起方打开的 ID 流中读取远程节点的信息
// 参数:
//   - s: network.Stream 已协商 ID 协议的流
//
// 返回值:
//   - peer.Info: 远程节点信息,地址中包含连接的远程地址
//   - *Message: 原始消息
//   - error: 读取或校验失败时返回错误
func (ids *IDService) ReadIdentifyResponse(s network.Stream) (peer.Info, *Message, error) {
	msg, err := readIdentifyMsg(s)
	if ids.metricsTracer != nil {
		ids.metricsTracer.IdentifyReceived(msg, err)
	}
	if err != nil {
		return peer.Info{}, nil, err
	}
	info, err := infoFromMessage(msg, s.RemoteMultiaddr())
	if err != nil {
		return peer.Info{}, nil, err
	}
	if remote := s.RemotePeer(); remote != "" && remote != info.ID {
		return peer.Info{}, nil, fmt.Errorf("%w: 期望 %s, 实际 %s", ErrPeerMismatch, remote, info.ID)
	}
	return info, msg, nil
}

func readIdentifyMsg(s network.Stream) (*Message, error) {
	defer s.Close()
	if err := s.SetReadDeadline(time.Now().Add(StreamReadTimeout)); err != nil {
		return nil, err
	}
	r := msgio.NewVarintReaderSize(s, maxMessageSize)
	b, err := r.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("读取 identify 消息失败: %w", err)
	}
	defer r.ReleaseMsg(b)

	msg := new(Message)
	if err := msg.Unmarshal(b); err != nil {
		return nil, err
	}
	return msg, nil
}

// infoFromMessage 将消息转换为节点信息
// 节点 ID 由公钥派生,监听地址中的 /p2p 后缀被去掉
func infoFromMessage(msg *Message, remote ma.Multiaddr) (peer.Info, error) {
	if msg.PublicKey == nil {
		return peer.Info{}, ErrNoPublicKey
	}
	id, err := peer.IDFromPublicKey(msg.PublicKey)
	if err != nil {
		return peer.Info{}, err
	}

	addrs := make([]ma.Multiaddr, 0, len(msg.ListenAddrs)+1)
	for _, a := range msg.ListenAddrs {
		transport, aid := peer.SplitAddr(a)
		if transport == nil || (aid != "" && aid != id) {
			continue
		}
		addrs = append(addrs, transport)
	}
	if remote != nil {
		addrs = append(addrs, peer.WithoutPeerID(remote))
	}

	return peer.Info{
		ID:              id,
		PublicKey:       msg.PublicKey,
		Addrs:           ma.Unique(addrs),
		AgentVersion:    msg.AgentVersion,
		ProtocolVersion: msg.ProtocolVersion,
	}, nil
}
