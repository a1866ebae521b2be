package identify

import (
	"errors"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformedMessage = errors.New("identify 消息格式错误")

// identify 消息的字段编号
const (
	fieldPublicKey       protowire.Number = 1
	fieldListenAddrs     protowire.Number = 2
	fieldProtocols       protowire.Number = 3
	fieldObservedAddr    protowire.Number = 4
	fieldProtocolVersion protowire.Number = 5
	fieldAgentVersion    protowire.Number = 6
)

// Message 是一次 identify 交换的内容
type Message struct {
	PublicKey       crypto.PubKey
	ListenAddrs     []ma.Multiaddr
	Protocols       []protocol.ID
	ObservedAddr    ma.Multiaddr
	ProtocolVersion string
	AgentVersion    string
}

// Marshal 将消息编码为 protobuf 线格式
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	if m.PublicKey != nil {
		kb, err := crypto.MarshalPublicKey(m.PublicKey)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	for _, a := range m.ListenAddrs {
		b = protowire.AppendTag(b, fieldListenAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	for _, p := range m.Protocols {
		b = protowire.AppendTag(b, fieldProtocols, protowire.BytesType)
		b = protowire.AppendString(b, string(p))
	}
	if m.ObservedAddr != nil {
		b = protowire.AppendTag(b, fieldObservedAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ObservedAddr.Bytes())
	}
	if m.ProtocolVersion != "" {
		b = protowire.AppendTag(b, fieldProtocolVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.ProtocolVersion)
	}
	if m.AgentVersion != "" {
		b = protowire.AppendTag(b, fieldAgentVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.AgentVersion)
	}
	return b, nil
}

// Unmarshal 从 protobuf 线格式解码消息
// 无法解析的地址会被跳过,未知字段被忽略
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errMalformedMessage
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errMalformedMessage
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errMalformedMessage
		}
		b = b[n:]

		switch num {
		case fieldPublicKey:
			pk, err := crypto.UnmarshalPublicKey(v)
			if err != nil {
				return err
			}
			m.PublicKey = pk
		case fieldListenAddrs:
			a, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				log.Debugf("忽略无法解析的监听地址: %s", err)
				continue
			}
			m.ListenAddrs = append(m.ListenAddrs, a)
		case fieldProtocols:
			m.Protocols = append(m.Protocols, protocol.ID(v))
		case fieldObservedAddr:
			a, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				log.Debugf("忽略无法解析的观察地址: %s", err)
				continue
			}
			m.ObservedAddr = a
		case fieldProtocolVersion:
			m.ProtocolVersion = string(v)
		case fieldAgentVersion:
			m.AgentVersion = string(v)
		}
	}
	return nil
}
