package noise

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/sec"

	"github.com/flynn/noise"
	pool "github.com/libp2p/go-buffer-pool"
	"google.golang.org/protobuf/encoding/protowire"
)

// payloadSigPrefix 是签名 noise 静态公钥时使用的前缀
const payloadSigPrefix = "noise-dep2p-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	errNoCipher     = errors.New("握手尚未完成")
	errBadSignature = errors.New("握手签名无效")
	errBadPayload   = errors.New("握手负载格式错误")
)

// 握手负载字段
const (
	fieldIdentityKey protowire.Number = 1
	fieldIdentitySig protowire.Number = 2
)

// runHandshake 执行 XX 握手
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
func (s *secureSession) runHandshake(ctx context.Context) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("noise 握手过程中发生 panic: %s", rerr)
			log.Errorf("noise 握手过程中发生 panic: %s", rerr)
		}
	}()

	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     s.initiator,
		StaticKeypair: kp,
	})
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetDeadline(deadline); err == nil {
			defer s.SetDeadline(time.Time{})
		}
	}

	hbuf := pool.Get(2 << 10)
	defer pool.Put(hbuf)

	if s.initiator {
		if err := s.sendHandshakeMessage(hs, nil, hbuf); err != nil {
			return err
		}
		plaintext, err := s.readHandshakeMessage(hs)
		if err != nil {
			return err
		}
		if err := s.handleRemoteHandshakePayload(plaintext, hs.PeerStatic()); err != nil {
			return err
		}
		payload, err := s.generateHandshakePayload(kp)
		if err != nil {
			return err
		}
		return s.sendHandshakeMessage(hs, payload, hbuf)
	}

	if _, err := s.readHandshakeMessage(hs); err != nil {
		return err
	}
	payload, err := s.generateHandshakePayload(kp)
	if err != nil {
		return err
	}
	if err := s.sendHandshakeMessage(hs, payload, hbuf); err != nil {
		return err
	}
	plaintext, err := s.readHandshakeMessage(hs)
	if err != nil {
		return err
	}
	return s.handleRemoteHandshakePayload(plaintext, hs.PeerStatic())
}

// setCipherStates 按角色分配加密和解密状态
func (s *secureSession) setCipherStates(cs1, cs2 *noise.CipherState) {
	if s.initiator {
		s.enc, s.dec = cs1, cs2
	} else {
		s.enc, s.dec = cs2, cs1
	}
}

func (s *secureSession) sendHandshakeMessage(hs *noise.HandshakeState, payload []byte, hbuf []byte) error {
	bz, cs1, cs2, err := hs.WriteMessage(hbuf[:LengthPrefixLength], payload)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(bz, uint16(len(bz)-LengthPrefixLength))
	if _, err := s.insecureConn.Write(bz); err != nil {
		return err
	}
	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return nil
}

func (s *secureSession) readHandshakeMessage(hs *noise.HandshakeState) ([]byte, error) {
	l, err := s.readNextInsecureMsgLen()
	if err != nil {
		return nil, err
	}
	buf := pool.Get(l)
	defer pool.Put(buf)
	if err := s.readNextMsgInsecure(buf); err != nil {
		return nil, err
	}

	msg, cs1, cs2, err := hs.ReadMessage(nil, buf)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return msg, nil
}

// generateHandshakePayload 用身份密钥签名 noise 静态公钥
func (s *secureSession) generateHandshakePayload(localStatic noise.DHKey) ([]byte, error) {
	localKeyRaw, err := crypto.MarshalPublicKey(s.localKey.GetPublic())
	if err != nil {
		return nil, err
	}
	toSign := append([]byte(payloadSigPrefix), localStatic.Public...)
	sig, err := s.localKey.Sign(toSign)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldIdentityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, localKeyRaw)
	b = protowire.AppendTag(b, fieldIdentitySig, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	return b, nil
}

func parseHandshakePayload(b []byte) (key, sig []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, errBadPayload
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, errBadPayload
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, errBadPayload
		}
		b = b[n:]
		switch num {
		case fieldIdentityKey:
			key = v
		case fieldIdentitySig:
			sig = v
		}
	}
	if key == nil || sig == nil {
		return nil, nil, errBadPayload
	}
	return key, sig, nil
}

// handleRemoteHandshakePayload 验证远程身份密钥对其静态公钥的签名
func (s *secureSession) handleRemoteHandshakePayload(payload []byte, remoteStatic []byte) error {
	keyRaw, sig, err := parseHandshakePayload(payload)
	if err != nil {
		return err
	}
	remotePubKey, err := crypto.UnmarshalPublicKey(keyRaw)
	if err != nil {
		return err
	}
	id, err := peer.IDFromPublicKey(remotePubKey)
	if err != nil {
		return err
	}
	if s.checkPeerID && s.remoteID != id {
		log.Debugf("对等节点 ID 不匹配: 期望 %s, 实际 %s", s.remoteID, id)
		return sec.ErrPeerIDMismatch{Expected: s.remoteID, Actual: id}
	}

	msg := append([]byte(payloadSigPrefix), remoteStatic...)
	ok, err := remotePubKey.Verify(msg, sig)
	if err != nil {
		return err
	} else if !ok {
		return errBadSignature
	}

	s.remoteID = id
	s.remoteKey = remotePubKey
	return nil
}
