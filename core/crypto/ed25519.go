package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/dep2p/swarmnet/core/internal/catch"
)

// Ed25519PrivateKey 是 ed25519 私钥
type Ed25519PrivateKey struct {
	k ed25519.PrivateKey // 底层的 ed25519 私钥
}

// Ed25519PublicKey 是 ed25519 公钥
type Ed25519PublicKey struct {
	k ed25519.PublicKey // 底层的 ed25519 公钥
}

// GenerateEd25519Key 生成新的 ed25519 私钥和公钥对
// 参数:
//   - src: io.Reader 随机源
//
// 返回值:
//   - PrivKey: 生成的私钥
//   - PubKey: 生成的公钥
//   - error: 如果生成失败,返回错误信息
func GenerateEd25519Key(src io.Reader) (PrivKey, PubKey, error) {
	pub, priv, err := ed25519.GenerateKey(src)
	if err != nil {
		log.Errorf("生成 ed25519 密钥对失败: %v", err)
		return nil, nil, err
	}

	return &Ed25519PrivateKey{k: priv}, &Ed25519PublicKey{k: pub}, nil
}

// Type 返回私钥类型
func (k *Ed25519PrivateKey) Type() KeyType {
	return Ed25519
}

// Raw 返回私钥字节的副本
func (k *Ed25519PrivateKey) Raw() ([]byte, error) {
	// 私钥包含公钥的副本,这里保持与线上格式一致
	buf := make([]byte, len(k.k))
	copy(buf, k.k)

	return buf, nil
}

func (k *Ed25519PrivateKey) pubKeyBytes() []byte {
	return k.k[ed25519.PrivateKeySize-ed25519.PublicKeySize:]
}

// Equals 比较两个 ed25519 私钥是否相同
func (k *Ed25519PrivateKey) Equals(o Key) bool {
	edk, ok := o.(*Ed25519PrivateKey)
	if !ok {
		return basicEquals(k, o)
	}

	return subtle.ConstantTimeCompare(k.k, edk.k) == 1
}

// GetPublic 返回与此私钥对应的公钥
func (k *Ed25519PrivateKey) GetPublic() PubKey {
	return &Ed25519PublicKey{k: k.pubKeyBytes()}
}

// Sign 使用私钥对消息进行签名
func (k *Ed25519PrivateKey) Sign(msg []byte) (res []byte, err error) {
	defer func() { catch.HandlePanic(recover(), &err, "ed25519 签名") }()

	return ed25519.Sign(k.k, msg), nil
}

// Type 返回公钥类型
func (k *Ed25519PublicKey) Type() KeyType {
	return Ed25519
}

// Raw 返回公钥字节
func (k *Ed25519PublicKey) Raw() ([]byte, error) {
	return k.k, nil
}

// Equals 比较两个 ed25519 公钥是否相同
func (k *Ed25519PublicKey) Equals(o Key) bool {
	edk, ok := o.(*Ed25519PublicKey)
	if !ok {
		return basicEquals(k, o)
	}

	return bytes.Equal(k.k, edk.k)
}

// Verify 检查签名是否有效
// 参数:
//   - data: []byte 原始数据
//   - sig: []byte 签名
//
// 返回值:
//   - bool: 签名是否有效
//   - error: 验证过程中的错误
func (k *Ed25519PublicKey) Verify(data []byte, sig []byte) (success bool, err error) {
	defer func() {
		catch.HandlePanic(recover(), &err, "ed25519 签名验证")

		if err != nil {
			success = false
		}
	}()
	return ed25519.Verify(k.k, data, sig), nil
}

// UnmarshalEd25519PublicKey 从字节数据解析 ed25519 公钥
func UnmarshalEd25519PublicKey(data []byte) (PubKey, error) {
	if len(data) != ed25519.PublicKeySize {
		log.Errorf("解析 ed25519 公钥失败: 预期数据长度为 32, 实际长度为 %d", len(data))
		return nil, errors.New("预期 ed25519 公钥数据长度为 32")
	}

	return &Ed25519PublicKey{
		k: ed25519.PublicKey(append([]byte(nil), data...)),
	}, nil
}

// UnmarshalEd25519PrivateKey 从字节数据解析 ed25519 私钥
// 接受 64 字节的私钥,以及末尾带有冗余公钥的 96 字节旧格式
func UnmarshalEd25519PrivateKey(data []byte) (PrivKey, error) {
	switch len(data) {
	case ed25519.PrivateKeySize + ed25519.PublicKeySize:
		redundantPk := data[ed25519.PrivateKeySize:]
		pk := data[ed25519.PrivateKeySize-ed25519.PublicKeySize : ed25519.PrivateKeySize]
		if subtle.ConstantTimeCompare(pk, redundantPk) == 0 {
			log.Errorf("预期冗余的 ed25519 公钥应该是冗余的")
			return nil, errors.New("预期冗余的 ed25519 公钥应该是冗余的")
		}
		data = data[:ed25519.PrivateKeySize]
	case ed25519.PrivateKeySize:
	default:
		log.Errorf("预期 ed25519 数据长度为 %d 或 %d, 实际长度为 %d",
			ed25519.PrivateKeySize, ed25519.PrivateKeySize+ed25519.PublicKeySize, len(data))
		return nil, fmt.Errorf("预期 ed25519 数据长度为 %d 或 %d, 实际长度为 %d",
			ed25519.PrivateKeySize, ed25519.PrivateKeySize+ed25519.PublicKeySize, len(data))
	}

	newKey := make([]byte, ed25519.PrivateKeySize)
	copy(newKey, data)
	return &Ed25519PrivateKey{k: ed25519.PrivateKey(newKey)}, nil
}
