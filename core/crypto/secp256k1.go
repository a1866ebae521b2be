package crypto

import (
	"fmt"
	"io"

	"github.com/dep2p/swarmnet/core/internal/catch"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/minio/sha256-simd"
)

// Secp256k1PrivateKey 是 Secp256k1 私钥
type Secp256k1PrivateKey secp256k1.PrivateKey

// Secp256k1PublicKey 是 Secp256k1 公钥
type Secp256k1PublicKey secp256k1.PublicKey

// GenerateSecp256k1Key 生成新的 Secp256k1 私钥和公钥对
// 参数:
//   - src: io.Reader 随机源
//
// 返回值:
//   - PrivKey: 生成的私钥
//   - PubKey: 生成的公钥
//   - error: 如果生成失败,返回错误信息
func GenerateSecp256k1Key(src io.Reader) (PrivKey, PubKey, error) {
	privk, err := secp256k1.GeneratePrivateKeyFromRand(src)
	if err != nil {
		log.Debugf("生成Secp256k1私钥失败: %v", err)
		return nil, nil, err
	}

	k := (*Secp256k1PrivateKey)(privk)
	return k, k.GetPublic(), nil
}

// UnmarshalSecp256k1PrivateKey 从字节数据解析 Secp256k1 私钥
func UnmarshalSecp256k1PrivateKey(data []byte) (k PrivKey, err error) {
	if len(data) != secp256k1.PrivKeyBytesLen {
		log.Debugf("预期secp256k1数据长度为%d, 实际长度为%d", secp256k1.PrivKeyBytesLen, len(data))
		return nil, fmt.Errorf("预期secp256k1数据长度为%d, 实际长度为%d", secp256k1.PrivKeyBytesLen, len(data))
	}
	defer func() { catch.HandlePanic(recover(), &err, "secp256k1 私钥反序列化") }()

	privk := secp256k1.PrivKeyFromBytes(data)
	return (*Secp256k1PrivateKey)(privk), nil
}

// UnmarshalSecp256k1PublicKey 从字节数据解析 Secp256k1 公钥
func UnmarshalSecp256k1PublicKey(data []byte) (_k PubKey, err error) {
	defer func() { catch.HandlePanic(recover(), &err, "secp256k1 公钥反序列化") }()
	k, err := secp256k1.ParsePubKey(data)
	if err != nil {
		log.Debugf("解析Secp256k1公钥失败: %v", err)
		return nil, err
	}

	return (*Secp256k1PublicKey)(k), nil
}

// Type 返回私钥类型
func (k *Secp256k1PrivateKey) Type() KeyType {
	return Secp256k1
}

// Raw 返回私钥的字节表示
func (k *Secp256k1PrivateKey) Raw() ([]byte, error) {
	return (*secp256k1.PrivateKey)(k).Serialize(), nil
}

// Equals 比较两个私钥是否相等
func (k *Secp256k1PrivateKey) Equals(o Key) bool {
	sk, ok := o.(*Secp256k1PrivateKey)
	if !ok {
		return basicEquals(k, o)
	}

	return k.GetPublic().Equals(sk.GetPublic())
}

// Sign 对数据的 SHA256 摘要进行签名,返回 DER 编码的签名
func (k *Secp256k1PrivateKey) Sign(data []byte) (_sig []byte, err error) {
	defer func() { catch.HandlePanic(recover(), &err, "secp256k1 签名") }()
	key := (*secp256k1.PrivateKey)(k)
	hash := sha256.Sum256(data)
	sig := ecdsa.Sign(key, hash[:])

	return sig.Serialize(), nil
}

// GetPublic 返回对应的公钥
func (k *Secp256k1PrivateKey) GetPublic() PubKey {
	return (*Secp256k1PublicKey)((*secp256k1.PrivateKey)(k).PubKey())
}

// Type 返回公钥类型
func (k *Secp256k1PublicKey) Type() KeyType {
	return Secp256k1
}

// Raw 返回压缩格式的公钥字节
func (k *Secp256k1PublicKey) Raw() (res []byte, err error) {
	defer func() { catch.HandlePanic(recover(), &err, "secp256k1 公钥序列化") }()
	return (*secp256k1.PublicKey)(k).SerializeCompressed(), nil
}

// Equals 比较两个公钥是否相等
func (k *Secp256k1PublicKey) Equals(o Key) bool {
	sk, ok := o.(*Secp256k1PublicKey)
	if !ok {
		return basicEquals(k, o)
	}

	return (*secp256k1.PublicKey)(k).IsEqual((*secp256k1.PublicKey)(sk))
}

// Verify 验证 DER 编码的签名
func (k *Secp256k1PublicKey) Verify(data []byte, sigStr []byte) (success bool, err error) {
	defer func() {
		catch.HandlePanic(recover(), &err, "secp256k1 签名验证")

		if err != nil {
			success = false
		}
	}()
	sig, err := ecdsa.ParseDERSignature(sigStr)
	if err != nil {
		return false, err
	}

	hash := sha256.Sum256(data)
	return sig.Verify(hash[:], (*secp256k1.PublicKey)(k)), nil
}
