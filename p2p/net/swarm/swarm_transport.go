package swarm

import (
	"fmt"
	"strings"

	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/transport"

	ma "github.com/multiformats/go-multiaddr"
)

// TransportForDialing 返回可以拨号该地址的传输层,没有时返回 nil
// 地址末尾的 /p2p/<id> 会被忽略
func (s *Swarm) TransportForDialing(a ma.Multiaddr) transport.Transport {
	a = peer.WithoutPeerID(a)
	if a == nil || len(a.Protocols()) == 0 {
		return nil
	}

	s.transports.RLock()
	defer s.transports.RUnlock()
	for _, t := range s.transports.m {
		if t.CanDial(a) {
			return t
		}
	}
	return nil
}

// TransportForListening 返回可以监听该地址的传输层,没有时返回 nil
// 从最后一个协议开始匹配,/tcp/0/ws 由 websocket 传输处理
func (s *Swarm) TransportForListening(a ma.Multiaddr) transport.Transport {
	if a == nil {
		return nil
	}
	protocols := a.Protocols()
	if len(protocols) == 0 {
		return nil
	}

	s.transports.RLock()
	defer s.transports.RUnlock()
	for i := len(protocols) - 1; i >= 0; i-- {
		if t, ok := s.transports.m[protocols[i].Code]; ok {
			return t
		}
	}
	return nil
}

// AddTransport 注册传输层,每个协议只能由一个传输层处理
func (s *Swarm) AddTransport(t transport.Transport) error {
	protocols := t.Protocols()
	if len(protocols) == 0 {
		return fmt.Errorf("无用的传输层: 不处理任何协议: %T", t)
	}

	s.transports.Lock()
	defer s.transports.Unlock()

	var registered []string
	for _, p := range protocols {
		if _, ok := s.transports.m[p]; ok {
			name := ma.ProtocolWithCode(p).Name
			if name == "" {
				name = fmt.Sprintf("未知 (%d)", p)
			}
			registered = append(registered, name)
		}
	}
	if len(registered) > 0 {
		return fmt.Errorf("传输层已注册协议: %s", strings.Join(registered, ", "))
	}
	for _, p := range protocols {
		s.transports.m[p] = t
	}
	return nil
}
