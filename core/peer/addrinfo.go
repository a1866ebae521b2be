package peer

import (
	"fmt"

	ic "github.com/dep2p/swarmnet/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
)

// Info 是调用方描述一个对等节点时使用的普通值
// 零值字段在合并到 Peer 时会被忽略
type Info struct {
	ID              ID
	PublicKey       ic.PubKey
	Addrs           []ma.Multiaddr
	AgentVersion    string
	ProtocolVersion string
}

var _ fmt.Stringer = Info{}

// String 返回 Info 的字符串表示
func (pi Info) String() string {
	return fmt.Sprintf("{%v: %v}", pi.ID, pi.Addrs)
}

// Validate 检查 ID 是否有效,并且携带公钥时 ID 必须由该公钥派生
func (pi Info) Validate() error {
	if err := pi.ID.Validate(); err != nil {
		return err
	}
	if pi.PublicKey != nil && !pi.ID.MatchesPublicKey(pi.PublicKey) {
		return fmt.Errorf("%w: %s", ErrIDMismatch, pi.ID)
	}
	return nil
}

// ErrInvalidAddr 表示地址不以 /p2p/<id> 结尾
var ErrInvalidAddr = fmt.Errorf("无效的 p2p 多地址")

// SplitAddr 将 p2p 多地址拆分为传输层地址和对等节点 ID
// 如果地址不包含 p2p 部分,id 为空
// 参数:
//   - m: ma.Multiaddr 要拆分的多地址
//
// 返回值:
//   - transport: ma.Multiaddr 传输层地址,只包含 p2p 部分时为 nil
//   - id: ID 对等节点 ID
func SplitAddr(m ma.Multiaddr) (transport ma.Multiaddr, id ID) {
	if m == nil {
		return nil, ""
	}

	transport, p2ppart := ma.SplitLast(m)
	if p2ppart == nil || p2ppart.Protocol().Code != ma.P_P2P {
		return m, ""
	}
	id = ID(p2ppart.RawValue())
	return transport, id
}

// IDFromP2PAddr 从 p2p 多地址的最后一个组件中提取对等节点 ID
func IDFromP2PAddr(m ma.Multiaddr) (ID, error) {
	if m == nil {
		return "", ErrInvalidAddr
	}
	_, id := SplitAddr(m)
	if id == "" {
		log.Debugf("无效的p2p多地址: %v", m)
		return "", ErrInvalidAddr
	}
	return id, nil
}

// InfoFromP2pAddr 将 p2p 多地址转换为 Info
func InfoFromP2pAddr(m ma.Multiaddr) (Info, error) {
	transport, id := SplitAddr(m)
	if id == "" {
		log.Debugf("无效的p2p多地址: %v", m)
		return Info{}, ErrInvalidAddr
	}
	info := Info{ID: id}
	if transport != nil {
		info.Addrs = []ma.Multiaddr{transport}
	}
	return info, nil
}

// WithPeerID 在地址末尾追加 /p2p/<id>,地址已以该组件结尾时原样返回
func WithPeerID(m ma.Multiaddr, id ID) (ma.Multiaddr, error) {
	if _, last := SplitAddr(m); last == id {
		return m, nil
	} else if last != "" {
		return nil, fmt.Errorf("%w: 地址 %s 属于另一个节点 %s", ErrInvalidAddr, m, last)
	}
	p2ppart, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		log.Errorf("创建p2p多地址失败: %v", err)
		return nil, err
	}
	if m == nil {
		return p2ppart, nil
	}
	return m.Encapsulate(p2ppart), nil
}

// WithoutPeerID 移除地址末尾的 /p2p/<id> 组件
func WithoutPeerID(m ma.Multiaddr) ma.Multiaddr {
	transport, _ := SplitAddr(m)
	return transport
}
