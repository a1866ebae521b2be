package swarm

import (
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// interfaceMultiaddrs 返回已启用网卡(包括回环网卡)上的单播地址
func interfaceMultiaddrs() ([]ma.Multiaddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []ma.Multiaddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Debugf("读取网卡 %s 的地址失败: %s", iface.Name, err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsMulticast() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			m, err := manet.FromIP(ipnet.IP)
			if err != nil {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// expandWildcard 将未指定主机的地址展开为同一地址族的所有本机地址
// 已经是具体地址时原样返回
func (s *Swarm) expandWildcard(bound ma.Multiaddr) ([]ma.Multiaddr, error) {
	if !manet.IsIPUnspecified(bound) {
		return []ma.Multiaddr{bound}, nil
	}

	var first []byte
	var family int
	ma.ForEach(bound, func(c ma.Component) bool {
		first = c.Bytes()
		family = c.Protocol().Code
		return false
	})
	rest := bound.Bytes()[len(first):]

	ifaceAddrs, err := s.interfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]ma.Multiaddr, 0, len(ifaceAddrs))
	for _, ia := range ifaceAddrs {
		if _, err := ia.ValueForProtocol(family); err != nil {
			continue
		}
		b := make([]byte, 0, len(ia.Bytes())+len(rest))
		b = append(append(b, ia.Bytes()...), rest...)
		m, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return ma.Unique(out), nil
}
