package pnet

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/dep2p/swarmnet/core/pnet"

	"github.com/davidlazar/go-crypto/salsa20"
	pool "github.com/libp2p/go-buffer-pool"
	manet "github.com/multiformats/go-multiaddr/net"
)

const nonceSize = 24

var (
	errShortNonce = pnet.NewError("无法读取完整的随机数")
	errConnNil    = pnet.NewError("底层连接为空")
)

// pskConn 用 salsa20 流加密包装底层连接
// 每个方向在第一次读写时交换一个 24 字节的随机数
type pskConn struct {
	manet.Conn
	psk *[32]byte

	writeS20 cipher.Stream
	readS20  cipher.Stream
}

var _ manet.Conn = (*pskConn)(nil)

func (c *pskConn) Read(out []byte) (int, error) {
	if c.readS20 == nil {
		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(c.Conn, nonce); err != nil {
			return 0, fmt.Errorf("%w: %w", errShortNonce, err)
		}
		c.readS20 = salsa20.New(c.psk, nonce)
	}

	n, err := c.Conn.Read(out)
	if n > 0 {
		c.readS20.XORKeyStream(out[:n], out[:n])
	}
	return n, err
}

func (c *pskConn) Write(in []byte) (int, error) {
	if c.writeS20 == nil {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return 0, err
		}
		if _, err := c.Conn.Write(nonce); err != nil {
			return 0, err
		}
		c.writeS20 = salsa20.New(c.psk, nonce)
	}

	// 调用方还要使用自己的切片,不能原地加密
	out := pool.Get(len(in))
	defer pool.Put(out)
	c.writeS20.XORKeyStream(out, in)
	return c.Conn.Write(out)
}
