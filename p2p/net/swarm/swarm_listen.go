package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/core/network"
	"github.com/dep2p/swarmnet/core/transport"

	tec "github.com/jbenet/go-temp-err-catcher"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// listener 是一次 Listen 调用创建的监听器
type listener struct {
	// requested 是调用方请求的地址
	requested ma.Multiaddr
	l         manet.Listener
	// addrs 是展开通配地址后的具体地址
	addrs []ma.Multiaddr

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (l *listener) close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.l.Close()
	})
	return l.closeErr
}

func (l *listener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Listen 在地址上监听入站连接
// 通配主机被展开为本机的单播地址,端口 0 被替换为实际分配的端口
// 参数:
//   - addr: ma.Multiaddr 要监听的地址
//
// 返回值:
//   - []ma.Multiaddr: 实际监听的具体地址,它们被加入本地节点的地址
//   - error: 已在监听时返回 ErrAlreadyListening,没有传输层时返回 ErrUnsupportedTransport
func (s *Swarm) Listen(addr ma.Multiaddr) ([]ma.Multiaddr, error) {
	if !s.IsRunning() {
		return nil, ErrSwarmNotRunning
	}
	key := string(addr.Bytes())

	tpt := s.TransportForListening(addr)
	if tpt == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, addr)
	}

	s.listeners.Lock()
	if _, ok := s.listeners.m[key]; ok {
		s.listeners.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListening, addr)
	}
	// 占位,防止并发的 Listen 重复监听
	s.listeners.m[key] = nil
	s.listeners.Unlock()

	ln, err := s.openListener(tpt, addr)

	s.listeners.Lock()
	if err != nil || !s.IsRunning() {
		delete(s.listeners.m, key)
		s.listeners.Unlock()
		if err == nil {
			ln.close()
			err = ErrSwarmNotRunning
		}
		return nil, err
	}
	s.listeners.m[key] = ln
	s.listeners.Unlock()

	s.self.SetAddrs(append(s.self.Addrs(), ln.addrs...))
	s.emitListener.Emit(event.EvtListenerEstablished{
		ListenAddr: addr,
		Addrs:      append([]ma.Multiaddr(nil), ln.addrs...),
	})
	log.Infof("开始监听 %s: %v", addr, ln.addrs)

	s.refs.Add(1)
	go s.acceptLoop(ln)
	return append([]ma.Multiaddr(nil), ln.addrs...), nil
}

func (s *Swarm) openListener(tpt transport.Transport, addr ma.Multiaddr) (*listener, error) {
	l, err := tpt.Listen(addr)
	if err != nil {
		log.Debugf("监听 %s 失败: %s", addr, err)
		return nil, err
	}
	addrs, err := s.expandWildcard(l.Multiaddr())
	if err != nil {
		l.Close()
		return nil, err
	}
	if len(addrs) == 0 {
		l.Close()
		return nil, fmt.Errorf("%w: %s 没有可用的本机地址", ErrNoReachableAddress, addr)
	}
	return &listener{
		requested: addr,
		l:         l,
		addrs:     addrs,
		closed:    make(chan struct{}),
	}, nil
}

// StopListening 关闭由 addr 创建的监听器
// addr 可以是请求监听的地址,也可以是它展开得到的任一具体地址
// 监听器的所有具体地址都从本地节点移除,正在协商的入站连接不受影响
func (s *Swarm) StopListening(addr ma.Multiaddr) error {
	s.listeners.Lock()
	var (
		found *listener
		key   string
	)
	for k, ln := range s.listeners.m {
		if ln == nil {
			continue
		}
		if ln.requested.Equal(addr) || ma.Contains(ln.addrs, addr) {
			found, key = ln, k
			break
		}
	}
	if found != nil {
		delete(s.listeners.m, key)
	}
	s.listeners.Unlock()

	if found == nil {
		return fmt.Errorf("没有在 %s 上监听", addr)
	}
	s.self.RemoveAddrs(found.addrs...)
	log.Infof("停止监听 %s", found.requested)
	return found.close()
}

// acceptLoop 接受入站连接并在单独的协程中升级
func (s *Swarm) acceptLoop(ln *listener) {
	defer s.refs.Done()

	var catcher tec.TempErrCatcher
	for {
		c, err := ln.l.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				log.Debugf("接受连接时出现临时错误: %s", err)
				continue
			}
			if !ln.isClosed() && !errors.Is(err, transport.ErrListenerClosed) && !errors.Is(err, net.ErrClosed) {
				log.Errorf("监听器 %s 接受连接失败: %s", ln.requested, err)
			}
			return
		}
		catcher.Reset()

		raddr := c.RemoteMultiaddr()
		if !s.policy.InterceptAccept(raddr) {
			log.Debugf("地址策略拒绝来自 %s 的连接", raddr)
			c.Close()
			continue
		}
		key := string(raddr.Bytes())
		if !s.beginInbound(key) {
			log.Debugf("%s: %s", ErrDuplicateInboundAttempt, raddr)
			c.Close()
			continue
		}

		release := s.upgrader.InboundSlot()
		s.refs.Add(1)
		go func() {
			defer s.refs.Done()
			defer release()
			defer s.endInbound(key)
			s.handleInbound(c)
		}()
	}
}

func (s *Swarm) beginInbound(key string) bool {
	s.inbound.Lock()
	defer s.inbound.Unlock()
	if _, ok := s.inbound.m[key]; ok {
		return false
	}
	s.inbound.m[key] = struct{}{}
	return true
}

func (s *Swarm) endInbound(key string) {
	s.inbound.Lock()
	delete(s.inbound.m, key)
	s.inbound.Unlock()
}

// handleInbound 升级入站连接,失败只记录日志
func (s *Swarm) handleInbound(raw manet.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout)
	defer cancel()

	c := s.newConn(raw, network.DirInbound, "")
	if _, err := s.upgradeAndAdmit(ctx, c); err != nil {
		log.Debugf("入站连接 %s 升级失败: %s", raw.RemoteMultiaddr(), err)
	}
}
