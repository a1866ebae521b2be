package swarm

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/dep2p/swarmnet/core/peer"
)

// ConcurrentFdDials 是同时进行的传输层拨号数量上限,每个拨号占用一个文件描述符
var ConcurrentFdDials = 160

// DefaultPerPeerRateLimit 是对单个节点同时进行的拨号数量上限
var DefaultPerPeerRateLimit = 8

// FdLimitEnv 可以覆盖 ConcurrentFdDials
const FdLimitEnv = "DEP2P_SWARM_FD_LIMIT"

type peerTokens struct {
	ch   chan struct{}
	refs int
}

// dialLimiter 限制全局和单个节点的并发拨号数量
type dialLimiter struct {
	fd chan struct{}

	lk           sync.Mutex
	perPeerLimit int
	perPeer      map[peer.ID]*peerTokens
}

func newDialLimiter() *dialLimiter {
	fd := ConcurrentFdDials
	if env := os.Getenv(FdLimitEnv); env != "" {
		if n, err := strconv.ParseInt(env, 10, 32); err == nil && n > 0 {
			fd = int(n)
		}
	}
	return newDialLimiterWithParams(fd, DefaultPerPeerRateLimit)
}

func newDialLimiterWithParams(fdLimit, perPeerLimit int) *dialLimiter {
	return &dialLimiter{
		fd:           make(chan struct{}, fdLimit),
		perPeerLimit: perPeerLimit,
		perPeer:      make(map[peer.ID]*peerTokens),
	}
}

func (dl *dialLimiter) peerTokens(p peer.ID) *peerTokens {
	dl.lk.Lock()
	defer dl.lk.Unlock()
	pt, ok := dl.perPeer[p]
	if !ok {
		pt = &peerTokens{ch: make(chan struct{}, dl.perPeerLimit)}
		dl.perPeer[p] = pt
	}
	pt.refs++
	return pt
}

func (dl *dialLimiter) unref(p peer.ID) {
	dl.lk.Lock()
	defer dl.lk.Unlock()
	pt := dl.perPeer[p]
	pt.refs--
	if pt.refs == 0 {
		delete(dl.perPeer, p)
	}
}

// acquire 先占用节点令牌再占用文件描述符令牌
// 参数:
//   - ctx: context.Context 等待令牌时的上下文
//   - p: peer.ID 要拨号的节点
//
// 返回值:
//   - func(): 拨号结束后调用以归还令牌
//   - error: 等待期间上下文结束时返回错误
func (dl *dialLimiter) acquire(ctx context.Context, p peer.ID) (func(), error) {
	pt := dl.peerTokens(p)
	select {
	case pt.ch <- struct{}{}:
	case <-ctx.Done():
		dl.unref(p)
		return nil, ctx.Err()
	}

	select {
	case dl.fd <- struct{}{}:
	case <-ctx.Done():
		<-pt.ch
		dl.unref(p)
		return nil, ctx.Err()
	}

	log.Debugf("[限制器] 获取拨号令牌; 对等节点 %s; 使用中: %d", p, len(dl.fd))
	var once sync.Once
	return func() {
		once.Do(func() {
			<-dl.fd
			<-pt.ch
			dl.unref(p)
		})
	}, nil
}
