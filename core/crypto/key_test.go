package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSignAndVerify 测试各类型密钥的签名与验证
func TestSignAndVerify(t *testing.T) {
	for _, typ := range KeyTypes {
		t.Run(typ.String(), func(t *testing.T) {
			priv, pub, err := GenerateKeyPair(typ)
			require.NoError(t, err)

			data := []byte("hello dep2p")
			sig, err := priv.Sign(data)
			require.NoError(t, err)

			ok, err := pub.Verify(data, sig)
			require.NoError(t, err)
			assert.True(t, ok)

			// 篡改后的数据不应通过验证
			ok, _ = pub.Verify([]byte("hello dep2q"), sig)
			assert.False(t, ok)
		})
	}
}

// TestMarshalKeys 测试密钥的 protobuf 序列化与反序列化
func TestMarshalKeys(t *testing.T) {
	for _, typ := range KeyTypes {
		t.Run(typ.String(), func(t *testing.T) {
			priv, pub, err := GenerateKeyPair(typ)
			require.NoError(t, err)

			pubBytes, err := MarshalPublicKey(pub)
			require.NoError(t, err)
			pub2, err := UnmarshalPublicKey(pubBytes)
			require.NoError(t, err)
			assert.True(t, KeyEqual(pub, pub2))

			privBytes, err := MarshalPrivateKey(priv)
			require.NoError(t, err)
			priv2, err := UnmarshalPrivateKey(privBytes)
			require.NoError(t, err)
			assert.True(t, KeyEqual(priv, priv2))
			assert.True(t, KeyEqual(priv.GetPublic(), priv2.GetPublic()))
		})
	}
}

// TestUnmarshalBadKey 测试错误输入的处理
func TestUnmarshalBadKey(t *testing.T) {
	_, err := UnmarshalPublicKey([]byte{0xff})
	require.Error(t, err)

	_, err = UnmarshalPublicKey(encodeKey(RSA, []byte{1, 2, 3}))
	require.ErrorIs(t, err, ErrBadKeyType)

	_, err = UnmarshalPublicKey(encodeKey(Ed25519, []byte{1, 2, 3}))
	require.Error(t, err)
}

// TestConfigKeyEncoding 测试配置文件使用的 base64 编码
func TestConfigKeyEncoding(t *testing.T) {
	priv, _, err := GenerateKeyPair(Ed25519)
	require.NoError(t, err)

	b, err := MarshalPrivateKey(priv)
	require.NoError(t, err)

	decoded, err := ConfigDecodeKey(ConfigEncodeKey(b))
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}
