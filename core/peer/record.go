package peer

import (
	"sync"
	"time"

	ic "github.com/dep2p/swarmnet/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
)

// UnknownVersion 是未通告版本字符串时的默认值
const UnknownVersion = "unknown/0.0"

// Peer 是注册表中保存的节点记录
//
// ID 创建后不可变,其余字段并发安全并通过访问方法读取
// 地址集合只增不减,只有本地节点允许显式移除地址
type Peer struct {
	// ID 是节点标识,创建后不可修改
	ID ID

	mu              sync.RWMutex
	pubKey          ic.PubKey
	addrs           []ma.Multiaddr
	agentVersion    string
	protocolVersion string
	connectedAddr   ma.Multiaddr
	latency         time.Duration
	hasLatency      bool
}

// NewPeer 根据 Info 创建节点记录
// 参数:
//   - info: Info 节点信息
//
// 返回值:
//   - *Peer: 新的节点记录
func NewPeer(info Info) *Peer {
	p := &Peer{
		ID:              info.ID,
		agentVersion:    UnknownVersion,
		protocolVersion: UnknownVersion,
	}
	p.Merge(info)
	return p
}

// Merge 将 info 合并到记录中
// 地址取并集;可选字段只有在新值非空时才会覆盖
func (p *Peer) Merge(info Info) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if info.PublicKey != nil {
		p.pubKey = info.PublicKey
	}
	if info.AgentVersion != "" {
		p.agentVersion = info.AgentVersion
	}
	if info.ProtocolVersion != "" {
		p.protocolVersion = info.ProtocolVersion
	}
	for _, a := range info.Addrs {
		if a == nil {
			continue
		}
		if !ma.Contains(p.addrs, a) {
			p.addrs = append(p.addrs, a)
		}
	}
}

// Info 返回记录的快照
func (p *Peer) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		ID:              p.ID,
		PublicKey:       p.pubKey,
		Addrs:           append([]ma.Multiaddr(nil), p.addrs...),
		AgentVersion:    p.agentVersion,
		ProtocolVersion: p.protocolVersion,
	}
}

// PublicKey 返回节点公钥,未知时为 nil
func (p *Peer) PublicKey() ic.PubKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pubKey
}

// Addrs 返回节点地址的副本
func (p *Peer) Addrs() []ma.Multiaddr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ma.Multiaddr(nil), p.addrs...)
}

// AgentVersion 返回节点通告的代理版本
func (p *Peer) AgentVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentVersion
}

// ProtocolVersion 返回节点通告的协议版本
func (p *Peer) ProtocolVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.protocolVersion
}

// ConnectedAddr 返回当前活动连接的远程地址,没有活动连接时为 nil
func (p *Peer) ConnectedAddr() ma.Multiaddr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectedAddr
}

// SetConnectedAddr 设置当前活动连接的远程地址,nil 表示没有连接
func (p *Peer) SetConnectedAddr(a ma.Multiaddr) {
	p.mu.Lock()
	p.connectedAddr = a
	p.mu.Unlock()
}

// Latency 返回最近测得的往返时延
// 返回值:
//   - time.Duration: 往返时延
//   - bool: 是否已经测量过
func (p *Peer) Latency() (time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latency, p.hasLatency
}

// SetLatency 记录测得的往返时延
func (p *Peer) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency, p.hasLatency = d, true
	p.mu.Unlock()
}

// SetAddrs 替换地址集合,只用于本地节点
func (p *Peer) SetAddrs(addrs []ma.Multiaddr) {
	p.mu.Lock()
	p.addrs = ma.Unique(append([]ma.Multiaddr(nil), addrs...))
	p.mu.Unlock()
}

// RemoveAddrs 移除给定地址,只用于本地节点
func (p *Peer) RemoveAddrs(addrs ...ma.Multiaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = ma.FilterAddrs(p.addrs, func(a ma.Multiaddr) bool {
		return !ma.Contains(addrs, a)
	})
}

// IsValid 检查记录是否自洽
// ID 不能为空;如果已知公钥,ID 必须是公钥的哈希
func (p *Peer) IsValid() bool {
	if p.ID.Validate() != nil {
		return false
	}
	pk := p.PublicKey()
	if pk == nil {
		return true
	}
	return p.ID.MatchesPublicKey(pk)
}

// Equal 按 ID 比较两个节点记录
func (p *Peer) Equal(other *Peer) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID
}

// String 返回节点 ID 的字符串形式
func (p *Peer) String() string {
	return p.ID.String()
}
