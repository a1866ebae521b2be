package websocket

import (
	"net"
	"net/http"
	"sync"

	"github.com/dep2p/swarmnet/core/transport"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var upgrader = ws.Upgrader{
	// 节点之间的连接没有浏览器来源的限制
	CheckOrigin: func(r *http.Request) bool { return true },
}

type listener struct {
	nl     net.Listener
	server http.Server
	laddr  ma.Multiaddr

	closeOnce sync.Once
	closed    chan struct{}
	incoming  chan *Conn
}

var _ manet.Listener = (*listener)(nil)

func newListener(laddr ma.Multiaddr) (*listener, error) {
	rest := laddr.Decapsulate(wsComponent)
	nl, err := manet.Listen(rest)
	if err != nil {
		return nil, err
	}
	bound, err := fromNetAddr(nl.Addr())
	if err != nil {
		nl.Close()
		return nil, err
	}

	l := &listener{
		nl:       manet.NetListener(nl),
		laddr:    bound,
		closed:   make(chan struct{}),
		incoming: make(chan *Conn),
	}
	l.server = http.Server{Handler: l, ErrorLog: stdLog}
	go l.serve()
	return l, nil
}

func (l *listener) serve() {
	defer l.Close()
	if err := l.server.Serve(l.nl); err != nil && err != http.ErrServerClosed {
		log.Debugf("websocket 服务退出: %s", err)
	}
}

func (l *listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		return
	}
	conn, err := NewConn(c)
	if err != nil {
		c.Close()
		return
	}
	select {
	case l.incoming <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *listener) Accept() (manet.Conn, error) {
	select {
	case c, ok := <-l.incoming:
		if !ok {
			return nil, transport.ErrListenerClosed
		}
		return c, nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	}
}

func (l *listener) Addr() net.Addr {
	return l.nl.Addr()
}

func (l *listener) Multiaddr() ma.Multiaddr {
	return l.laddr
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.server.Close()
	})
	return nil
}
