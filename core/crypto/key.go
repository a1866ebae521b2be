// Package crypto 实现了节点身份使用的密钥对及其序列化格式
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	logging "github.com/dep2p/log"
	"google.golang.org/protobuf/encoding/protowire"
)

var log = logging.Logger("core-crypto")

// KeyType 表示密钥的类型,取值与线上 protobuf 枚举保持一致
type KeyType int32

const (
	// RSA 保留的枚举值,本模块不支持 RSA 密钥
	RSA KeyType = iota
	// Ed25519 是 Ed25519 密钥类型
	Ed25519
	// Secp256k1 是 Secp256k1 密钥类型
	Secp256k1
)

// String 返回密钥类型的名称
func (t KeyType) String() string {
	switch t {
	case RSA:
		return "RSA"
	case Ed25519:
		return "Ed25519"
	case Secp256k1:
		return "Secp256k1"
	default:
		return fmt.Sprintf("KeyType(%d)", int32(t))
	}
}

var (
	// ErrBadKeyType 在密钥类型无效或不受支持时返回
	ErrBadKeyType = errors.New("无效或不支持的密钥类型")
	// ErrMalformedKey 在序列化的密钥无法解析时返回
	ErrMalformedKey = errors.New("密钥数据格式错误")

	// KeyTypes 是支持的密钥类型列表
	KeyTypes = []KeyType{
		Ed25519,
		Secp256k1,
	}
)

// PubKeyUnmarshaller 是从原始字节创建公钥的函数
type PubKeyUnmarshaller func(data []byte) (PubKey, error)

// PrivKeyUnmarshaller 是从原始字节创建私钥的函数
type PrivKeyUnmarshaller func(data []byte) (PrivKey, error)

// PubKeyUnmarshallers 是按密钥类型索引的公钥反序列化函数表
var PubKeyUnmarshallers = map[KeyType]PubKeyUnmarshaller{
	Ed25519:   UnmarshalEd25519PublicKey,
	Secp256k1: UnmarshalSecp256k1PublicKey,
}

// PrivKeyUnmarshallers 是按密钥类型索引的私钥反序列化函数表
var PrivKeyUnmarshallers = map[KeyType]PrivKeyUnmarshaller{
	Ed25519:   UnmarshalEd25519PrivateKey,
	Secp256k1: UnmarshalSecp256k1PrivateKey,
}

// Key 表示可以与其他密钥比较的加密密钥
type Key interface {
	// Equals 检查两个密钥是否相同
	Equals(Key) bool

	// Raw 返回密钥的原始字节(不包含在 protobuf 中)
	Raw() ([]byte, error)

	// Type 返回密钥类型
	Type() KeyType
}

// PrivKey 表示可用于生成公钥和签名数据的私钥
type PrivKey interface {
	Key

	// Sign 对给定的字节进行加密签名
	Sign([]byte) ([]byte, error)

	// GetPublic 返回与此私钥配对的公钥
	GetPublic() PubKey
}

// PubKey 是可用于验证使用对应私钥签名的数据的公钥
type PubKey interface {
	Key

	// Verify 验证 'sig' 是否是 'data' 的签名
	Verify(data []byte, sig []byte) (bool, error)
}

// GenerateKeyPair 生成私钥和公钥对
// 参数:
//   - typ: KeyType 密钥类型
//
// 返回值:
//   - PrivKey: 生成的私钥
//   - PubKey: 生成的公钥
//   - error: 如果生成失败,返回错误信息
func GenerateKeyPair(typ KeyType) (PrivKey, PubKey, error) {
	return GenerateKeyPairWithReader(typ, rand.Reader)
}

// GenerateKeyPairWithReader 使用指定的随机源生成密钥对
// 参数:
//   - typ: KeyType 密钥类型
//   - src: io.Reader 随机源
//
// 返回值:
//   - PrivKey: 生成的私钥
//   - PubKey: 生成的公钥
//   - error: 如果生成失败,返回错误信息
func GenerateKeyPairWithReader(typ KeyType, src io.Reader) (PrivKey, PubKey, error) {
	switch typ {
	case Ed25519:
		return GenerateEd25519Key(src)
	case Secp256k1:
		return GenerateSecp256k1Key(src)
	default:
		return nil, nil, ErrBadKeyType
	}
}

// 密钥 protobuf 消息的字段号: message { KeyType Type = 1; bytes Data = 2; }
const (
	keyFieldType protowire.Number = 1
	keyFieldData protowire.Number = 2
)

// encodeKey 将密钥类型和数据编码为 protobuf 消息
func encodeKey(typ KeyType, data []byte) []byte {
	b := make([]byte, 0, len(data)+8)
	b = protowire.AppendTag(b, keyFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(typ))
	b = protowire.AppendTag(b, keyFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// decodeKey 从 protobuf 消息中解析出密钥类型和数据
// 未知字段会被跳过
func decodeKey(b []byte) (KeyType, []byte, error) {
	var (
		typ     KeyType
		data    []byte
		haveTyp bool
	)
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == keyFieldType && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			typ, haveTyp = KeyType(v), true
			b = b[n:]
		case num == keyFieldData && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !haveTyp {
		return 0, nil, fmt.Errorf("%w: 缺少密钥类型", ErrMalformedKey)
	}
	return typ, data, nil
}

// UnmarshalPublicKey 将 protobuf 序列化的公钥转换为对应的对象
// 参数:
//   - data: []byte protobuf 序列化的公钥数据
//
// 返回值:
//   - PubKey: 解析后的公钥
//   - error: 如果解析失败,返回错误信息
func UnmarshalPublicKey(data []byte) (PubKey, error) {
	typ, raw, err := decodeKey(data)
	if err != nil {
		log.Errorf("反序列化公钥失败: %v", err)
		return nil, err
	}

	um, ok := PubKeyUnmarshallers[typ]
	if !ok {
		log.Errorf("无效或不支持的密钥类型: %v", typ)
		return nil, ErrBadKeyType
	}
	return um(raw)
}

// MarshalPublicKey 将公钥对象转换为 protobuf 序列化的公钥
func MarshalPublicKey(k PubKey) ([]byte, error) {
	data, err := k.Raw()
	if err != nil {
		log.Errorf("获取公钥数据失败: %v", err)
		return nil, err
	}
	return encodeKey(k.Type(), data), nil
}

// UnmarshalPrivateKey 将 protobuf 序列化的私钥转换为对应的对象
// 参数:
//   - data: []byte protobuf 序列化的私钥数据
//
// 返回值:
//   - PrivKey: 解析后的私钥
//   - error: 如果解析失败,返回错误信息
func UnmarshalPrivateKey(data []byte) (PrivKey, error) {
	typ, raw, err := decodeKey(data)
	if err != nil {
		log.Errorf("反序列化私钥失败: %v", err)
		return nil, err
	}

	um, ok := PrivKeyUnmarshallers[typ]
	if !ok {
		log.Errorf("无效或不支持的密钥类型: %v", typ)
		return nil, ErrBadKeyType
	}
	return um(raw)
}

// MarshalPrivateKey 将私钥对象转换为 protobuf 序列化格式
func MarshalPrivateKey(k PrivKey) ([]byte, error) {
	data, err := k.Raw()
	if err != nil {
		log.Errorf("获取密钥数据失败: %v", err)
		return nil, err
	}
	return encodeKey(k.Type(), data), nil
}

// ConfigDecodeKey 将 base64 编码的密钥(用于配置文件)解码为可以反序列化的字节数组
func ConfigDecodeKey(b string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b)
}

// ConfigEncodeKey 将序列化的密钥编码为 base64 (用于配置文件)
func ConfigEncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// KeyEqual 检查两个密钥是否等价(具有相同的字节表示)
func KeyEqual(k1, k2 Key) bool {
	if k1 == k2 {
		return true
	}
	if k1 == nil || k2 == nil {
		return false
	}
	return k1.Equals(k2)
}

// basicEquals 通过比较类型和原始字节判断两个密钥是否相同
func basicEquals(k1, k2 Key) bool {
	if k1.Type() != k2.Type() {
		return false
	}

	a, err := k1.Raw()
	if err != nil {
		log.Errorf("获取密钥数据失败: %v", err)
		return false
	}
	b, err := k2.Raw()
	if err != nil {
		log.Errorf("获取密钥数据失败: %v", err)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
