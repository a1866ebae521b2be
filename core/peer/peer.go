// Package peer 实现了用于表示网络中对等节点的对象
package peer

import (
	"errors"
	"fmt"
	"strings"

	logging "github.com/dep2p/log"
	ic "github.com/dep2p/swarmnet/core/crypto"
	"github.com/ipfs/go-cid"
	b58 "github.com/mr-tron/base58/base58"
	mh "github.com/multiformats/go-multihash"
)

var (
	// ErrEmptyPeerID 表示空的对等节点 ID 错误
	ErrEmptyPeerID = errors.New("空的对等节点 ID")
	// ErrNoPublicKey 表示对等节点 ID 中未嵌入公钥的错误
	ErrNoPublicKey = errors.New("对等节点 ID 中未嵌入公钥")
	// ErrIDMismatch 表示公钥与对等节点 ID 不匹配
	ErrIDMismatch = errors.New("公钥与对等节点 ID 不匹配")
)

var log = logging.Logger("core-peer")

// maxInlineKeyLength 定义可以内联到 ID 中的最大序列化公钥长度
const maxInlineKeyLength = 42

// ID 是对等节点标识
//
// 对等节点 ID 通过对节点的公钥进行哈希并将哈希输出编码为 multihash 来派生
// 详见 IDFromPublicKey
type ID string

// Loggable 返回格式化的对等节点 ID 字符串,用于日志记录
func (id ID) Loggable() map[string]interface{} {
	return map[string]interface{}{
		"peerID": id.String(),
	}
}

// String 将对等节点 ID 转换为 base58 编码的字符串表示
func (id ID) String() string {
	return b58.Encode([]byte(id))
}

// ShortString 打印对等节点 ID 的简短形式
// 返回值:
//   - string: 对等节点 ID 的简短字符串表示
func (id ID) ShortString() string {
	pid := id.String()
	if len(pid) <= 10 {
		return fmt.Sprintf("<peer.ID %s>", pid)
	}
	return fmt.Sprintf("<peer.ID %s*%s>", pid[:2], pid[len(pid)-6:])
}

// MatchesPrivateKey 测试此 ID 是否由私钥 sk 派生
func (id ID) MatchesPrivateKey(sk ic.PrivKey) bool {
	return id.MatchesPublicKey(sk.GetPublic())
}

// MatchesPublicKey 测试此 ID 是否由公钥 pk 派生
// 参数:
//   - pk: ic.PubKey 要测试的公钥
//
// 返回值:
//   - bool: 如果 ID 与公钥匹配返回 true,否则返回 false
func (id ID) MatchesPublicKey(pk ic.PubKey) bool {
	oid, err := IDFromPublicKey(pk)
	if err != nil {
		return false
	}
	return oid == id
}

// ExtractPublicKey 尝试从 ID 中提取公钥
// 如果 ID 没有内联公钥,返回 ErrNoPublicKey
func (id ID) ExtractPublicKey() (ic.PubKey, error) {
	decoded, err := mh.Decode([]byte(id))
	if err != nil {
		return nil, err
	}
	if decoded.Code != mh.IDENTITY {
		return nil, ErrNoPublicKey
	}
	return ic.UnmarshalPublicKey(decoded.Digest)
}

// Validate 检查 ID 是否为空
func (id ID) Validate() error {
	if id == ID("") {
		return ErrEmptyPeerID
	}
	return nil
}

// IDFromBytes 将字节切片转换为 ID 类型,并验证其是合法的 multihash
func IDFromBytes(b []byte) (ID, error) {
	if _, err := mh.Cast(b); err != nil {
		return ID(""), err
	}
	return ID(b), nil
}

// Decode 接受一个编码的对等节点 ID 并返回解码后的 ID
// 支持 base58 编码的 multihash 和 libp2p-key 类型的 CIDv1
// 参数:
//   - s: string 编码的对等节点 ID 字符串
//
// 返回值:
//   - ID: 解码后的对等节点 ID
//   - error: 如果解码失败,返回错误信息
func Decode(s string) (ID, error) {
	if strings.HasPrefix(s, "Qm") || strings.HasPrefix(s, "1") {
		m, err := mh.FromB58String(s)
		if err != nil {
			log.Debugf("解析peer ID失败: %s", err)
			return "", err
		}
		return ID(m), nil
	}

	c, err := cid.Decode(s)
	if err != nil {
		log.Debugf("解析peer ID失败: %s", err)
		return "", err
	}
	if c.Type() != cid.Libp2pKey {
		return "", fmt.Errorf("无法将类型为 %d 的 CID 转换为对等节点 ID", c.Type())
	}
	return ID(c.Hash()), nil
}

// IDFromPublicKey 返回与公钥 pk 对应的对等节点 ID
// 序列化后不超过 42 字节的公钥直接内联,否则使用 sha2-256
func IDFromPublicKey(pk ic.PubKey) (ID, error) {
	b, err := ic.MarshalPublicKey(pk)
	if err != nil {
		return "", err
	}
	var alg uint64 = mh.SHA2_256
	if len(b) <= maxInlineKeyLength {
		alg = mh.IDENTITY
	}
	hash, err := mh.Sum(b, alg, -1)
	if err != nil {
		return "", err
	}
	return ID(hash), nil
}

// IDFromPrivateKey 返回与私钥 sk 对应的对等节点 ID
func IDFromPrivateKey(sk ic.PrivKey) (ID, error) {
	return IDFromPublicKey(sk.GetPublic())
}

// IDSlice 用于对等节点 ID 的排序
type IDSlice []ID

func (es IDSlice) Len() int           { return len(es) }
func (es IDSlice) Swap(i, j int)      { es[i], es[j] = es[j], es[i] }
func (es IDSlice) Less(i, j int) bool { return string(es[i]) < string(es[j]) }

func (es IDSlice) String() string {
	peersStrings := make([]string, len(es))
	for i, id := range es {
		peersStrings[i] = id.String()
	}
	return strings.Join(peersStrings, ", ")
}
