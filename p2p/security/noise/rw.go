package noise

import (
	"encoding/binary"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/crypto/chacha20poly1305"
)

// MaxTransportMsgLength 是一个加密帧的最大长度,受 2 字节长度前缀限制
const MaxTransportMsgLength = 0xffff

// MaxPlaintextLength 是一个帧可以承载的最大明文长度
const MaxPlaintextLength = MaxTransportMsgLength - chacha20poly1305.Overhead

// LengthPrefixLength 是帧长度前缀的字节数
const LengthPrefixLength = 2

// Read 读取并解密数据
func (s *secureSession) Read(buf []byte) (int, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	if s.qbuf != nil {
		copied := copy(buf, s.qbuf[s.qseek:])
		s.qseek += copied
		if s.qseek == len(s.qbuf) {
			pool.Put(s.qbuf)
			s.qseek, s.qbuf = 0, nil
		}
		return copied, nil
	}

	nextMsgLen, err := s.readNextInsecureMsgLen()
	if err != nil {
		return 0, err
	}

	// 调用方的缓冲区足够大时原地解密
	if len(buf) >= nextMsgLen {
		if err := s.readNextMsgInsecure(buf[:nextMsgLen]); err != nil {
			return 0, err
		}
		dbuf, err := s.decrypt(buf[:0], buf[:nextMsgLen])
		if err != nil {
			log.Debugf("解密消息时出错: %s", err)
			return 0, err
		}
		return len(dbuf), nil
	}

	cbuf := pool.Get(nextMsgLen)
	if err := s.readNextMsgInsecure(cbuf); err != nil {
		pool.Put(cbuf)
		return 0, err
	}
	if s.qbuf, err = s.decrypt(cbuf[:0], cbuf); err != nil {
		pool.Put(cbuf)
		s.qbuf = nil
		log.Debugf("解密消息时出错: %s", err)
		return 0, err
	}
	s.qseek = copy(buf, s.qbuf)
	if s.qseek == len(s.qbuf) {
		pool.Put(s.qbuf)
		s.qseek, s.qbuf = 0, nil
	}
	return s.qseek, nil
}

// Write 将数据按帧加密后写入
func (s *secureSession) Write(data []byte) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	total := len(data)
	size := MaxTransportMsgLength + LengthPrefixLength
	if total < MaxPlaintextLength {
		size = total + chacha20poly1305.Overhead + LengthPrefixLength
	}
	cbuf := pool.Get(size)
	defer pool.Put(cbuf)

	written := 0
	for written < total {
		end := written + MaxPlaintextLength
		if end > total {
			end = total
		}

		b, err := s.encrypt(cbuf[:LengthPrefixLength], data[written:end])
		if err != nil {
			return written, err
		}
		binary.BigEndian.PutUint16(b, uint16(len(b)-LengthPrefixLength))

		if _, err := s.insecureConn.Write(b); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *secureSession) readNextInsecureMsgLen() (int, error) {
	if _, err := io.ReadFull(s.insecureReader, s.rlen[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(s.rlen[:])), nil
}

func (s *secureSession) readNextMsgInsecure(buf []byte) error {
	_, err := io.ReadFull(s.insecureReader, buf)
	return err
}

func (s *secureSession) encrypt(out, plaintext []byte) ([]byte, error) {
	if s.enc == nil {
		return nil, errNoCipher
	}
	return s.enc.Encrypt(out, nil, plaintext)
}

func (s *secureSession) decrypt(out, ciphertext []byte) ([]byte, error) {
	if s.dec == nil {
		return nil, errNoCipher
	}
	return s.dec.Decrypt(out, nil, ciphertext)
}
