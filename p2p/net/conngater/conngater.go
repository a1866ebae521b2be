// Package conngater 实现了基于地址模式的准入策略
//
// 策略由拒绝列表和允许列表组成,两者互相独立。一个地址被允许当且仅当
// 拒绝列表中没有匹配的模式,并且允许列表为空或其中存在匹配的模式
package conngater

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/dep2p/swarmnet/core/peer"

	ma "github.com/multiformats/go-multiaddr"

	logging "github.com/dep2p/log"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
)

var log = logging.Logger("net-conngater")

// 数据存储中的键布局
const (
	ns       = "/dep2p/addrpolicy"
	keyDeny  = "/deny/"
	keyAllow = "/allow/"
)

// BasicConnectionGater 是拒绝列表加允许列表的地址策略
// 可选地把规则持久化到数据存储中,并在创建时重新加载
type BasicConnectionGater struct {
	sync.RWMutex

	denied  map[string]ma.Multiaddr
	allowed map[string]ma.Multiaddr

	ds datastore.Datastore
}

// NewBasicConnectionGater 创建新的地址策略
// 参数:
//   - ds: datastore.Datastore 用于持久化规则,为 nil 时规则只保存在内存中
//
// 返回值:
//   - *BasicConnectionGater: 地址策略
//   - error: 加载已持久化规则失败时返回错误
func NewBasicConnectionGater(ds datastore.Datastore) (*BasicConnectionGater, error) {
	cg := &BasicConnectionGater{
		denied:  make(map[string]ma.Multiaddr),
		allowed: make(map[string]ma.Multiaddr),
	}

	if ds != nil {
		cg.ds = namespace.Wrap(ds, datastore.NewKey(ns))
		if err := cg.loadRules(context.Background()); err != nil {
			log.Debugf("加载规则失败: %v", err)
			return nil, err
		}
	}
	return cg, nil
}

func (cg *BasicConnectionGater) loadRules(ctx context.Context) error {
	for prefix, into := range map[string]map[string]ma.Multiaddr{
		keyDeny:  cg.denied,
		keyAllow: cg.allowed,
	} {
		res, err := cg.ds.Query(ctx, query.Query{Prefix: prefix})
		if err != nil {
			log.Debugf("查询数据存储中的规则时出错: %s", err)
			return err
		}
		for r := range res.Next() {
			if r.Error != nil {
				res.Close()
				return r.Error
			}
			a, err := ma.NewMultiaddrBytes(r.Entry.Value)
			if err != nil {
				log.Warnf("忽略无法解析的规则 %s: %s", r.Entry.Key, err)
				continue
			}
			into[a.String()] = a
		}
		res.Close()
	}
	return nil
}

func ruleKey(prefix string, a ma.Multiaddr) datastore.Key {
	return datastore.NewKey(prefix + hex.EncodeToString(a.Bytes()))
}

func (cg *BasicConnectionGater) add(prefix string, list map[string]ma.Multiaddr, a ma.Multiaddr) error {
	if cg.ds != nil {
		if err := cg.ds.Put(context.Background(), ruleKey(prefix, a), a.Bytes()); err != nil {
			log.Errorf("将规则写入数据存储时出错: %s", err)
			return err
		}
	}

	cg.Lock()
	list[a.String()] = a
	cg.Unlock()
	return nil
}

func (cg *BasicConnectionGater) remove(prefix string, list map[string]ma.Multiaddr, a ma.Multiaddr) error {
	if cg.ds != nil {
		if err := cg.ds.Delete(context.Background(), ruleKey(prefix, a)); err != nil {
			log.Errorf("从数据存储删除规则时出错: %s", err)
			return err
		}
	}

	cg.Lock()
	delete(list, a.String())
	cg.Unlock()
	return nil
}

// DenyAddr 把地址模式加入拒绝列表
func (cg *BasicConnectionGater) DenyAddr(a ma.Multiaddr) error {
	return cg.add(keyDeny, cg.denied, a)
}

// UndenyAddr 从拒绝列表中移除地址模式,模式不存在时什么也不做
func (cg *BasicConnectionGater) UndenyAddr(a ma.Multiaddr) error {
	return cg.remove(keyDeny, cg.denied, a)
}

// AllowAddr 把地址模式加入允许列表
func (cg *BasicConnectionGater) AllowAddr(a ma.Multiaddr) error {
	return cg.add(keyAllow, cg.allowed, a)
}

// UnallowAddr 从允许列表中移除地址模式
func (cg *BasicConnectionGater) UnallowAddr(a ma.Multiaddr) error {
	return cg.remove(keyAllow, cg.allowed, a)
}

// DenyPeer 拒绝所有带有 /p2p/<id> 的地址
func (cg *BasicConnectionGater) DenyPeer(p peer.ID) error {
	a, err := peer.WithPeerID(nil, p)
	if err != nil {
		return err
	}
	return cg.DenyAddr(a)
}

// UndenyPeer 撤销 DenyPeer
func (cg *BasicConnectionGater) UndenyPeer(p peer.ID) error {
	a, err := peer.WithPeerID(nil, p)
	if err != nil {
		return err
	}
	return cg.UndenyAddr(a)
}

// ListDenied 返回拒绝列表中的所有模式
func (cg *BasicConnectionGater) ListDenied() []ma.Multiaddr {
	cg.RLock()
	defer cg.RUnlock()
	return listOf(cg.denied)
}

// ListAllowed 返回允许列表中的所有模式
func (cg *BasicConnectionGater) ListAllowed() []ma.Multiaddr {
	cg.RLock()
	defer cg.RUnlock()
	return listOf(cg.allowed)
}

func listOf(m map[string]ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

// Matches 判断 target 是否匹配 pattern
// pattern 的每个组件都必须以相同的值出现在 target 中,这是子集匹配而不是完全相等
func Matches(pattern, target ma.Multiaddr) bool {
	if pattern == nil || target == nil {
		return false
	}
	matched := true
	ma.ForEach(pattern, func(c ma.Component) bool {
		v, err := target.ValueForProtocol(c.Protocol().Code)
		if err != nil || v != c.Value() {
			matched = false
			return false
		}
		return true
	})
	return matched
}

func anyMatch(list map[string]ma.Multiaddr, a ma.Multiaddr) bool {
	for _, pattern := range list {
		if Matches(pattern, a) {
			return true
		}
	}
	return false
}

// IsAllowed 判断地址是否被策略允许
// 先检查拒绝列表,再检查允许列表,拒绝总是优先
func (cg *BasicConnectionGater) IsAllowed(a ma.Multiaddr) bool {
	cg.RLock()
	defer cg.RUnlock()

	if anyMatch(cg.denied, a) {
		return false
	}
	return len(cg.allowed) == 0 || anyMatch(cg.allowed, a)
}

// IsAllowedPeer 判断节点的所有已知地址是否都被允许
// 地址在检查前会追加 /p2p/<id>,因此 DenyPeer 的规则同样生效
func (cg *BasicConnectionGater) IsAllowedPeer(p *peer.Peer) bool {
	if !cg.InterceptPeerDial(p.ID) {
		return false
	}
	for _, a := range p.Addrs() {
		full, err := peer.WithPeerID(a, p.ID)
		if err != nil {
			return false
		}
		if !cg.IsAllowed(full) {
			return false
		}
	}
	return true
}

// InterceptPeerDial 检查是否允许拨号给节点,只有 /p2p/<id> 形式的拒绝规则会拦截
func (cg *BasicConnectionGater) InterceptPeerDial(p peer.ID) bool {
	a, err := peer.WithPeerID(nil, p)
	if err != nil {
		return false
	}
	cg.RLock()
	defer cg.RUnlock()
	return !anyMatch(cg.denied, a)
}

// InterceptAddrDial 检查是否允许拨号到节点的某个地址
func (cg *BasicConnectionGater) InterceptAddrDial(p peer.ID, a ma.Multiaddr) bool {
	full, err := peer.WithPeerID(a, p)
	if err != nil {
		return false
	}
	return cg.IsAllowed(full)
}

// InterceptAccept 检查是否接受来自远程地址的入站连接
func (cg *BasicConnectionGater) InterceptAccept(remote ma.Multiaddr) bool {
	return cg.IsAllowed(remote)
}
