package swarm

import (
	"context"
	"errors"
	"sync"

	"github.com/dep2p/swarmnet/core/peer"
)

// dialFunc 执行一次到节点的完整拨号
type dialFunc func(context.Context, peer.ID) (*Conn, error)

// errConcurrentDialSuccessful 用于在拨号成功后取消拨号上下文
var errConcurrentDialSuccessful = errors.New("并发拨号成功")

// errAllCallersLeft 表示所有等待者都已放弃
var errAllCallersLeft = errors.New("所有调用方都已取消拨号")

// dialSync 保证任何时刻对每个节点最多只有一个进行中的拨号
// 同一节点的并发调用方共享同一个结果
type dialSync struct {
	mutex sync.Mutex
	dials map[peer.ID]*activeDial

	parent context.Context
	dial   dialFunc
}

// activeDial 是一个进行中的拨号
type activeDial struct {
	refCnt      int
	ctx         context.Context
	cancelCause func(error)

	done chan struct{}
	conn *Conn
	err  error
}

func newDialSync(parent context.Context, dial dialFunc) *dialSync {
	return &dialSync{
		dials:  make(map[peer.ID]*activeDial),
		parent: parent,
		dial:   dial,
	}
}

// getActiveDial 返回节点的进行中拨号,没有时启动一个
func (ds *dialSync) getActiveDial(p peer.ID) *activeDial {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	actd, ok := ds.dials[p]
	if !ok {
		// 使用 swarm 的上下文,第一个调用方取消不影响其他调用方
		ctx, cancel := context.WithCancelCause(ds.parent)
		actd = &activeDial{
			ctx:         ctx,
			cancelCause: cancel,
			done:        make(chan struct{}),
		}
		ds.dials[p] = actd
		go func() {
			actd.conn, actd.err = ds.dial(ctx, p)
			close(actd.done)
		}()
	}
	actd.refCnt++
	return actd
}

// Dial 加入或发起对节点的拨号并等待结果
// 参数:
//   - ctx: context.Context 只控制本调用方的等待
//   - p: peer.ID 目标节点
//
// 返回值:
//   - *Conn: 拨号得到的连接,所有并发调用方得到同一个连接
//   - error: 拨号失败时返回错误
func (ds *dialSync) Dial(ctx context.Context, p peer.ID) (*Conn, error) {
	ad := ds.getActiveDial(p)

	var conn *Conn
	var err error
	select {
	case <-ad.done:
		conn, err = ad.conn, ad.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ad.refCnt--
	if ad.refCnt == 0 {
		select {
		case <-ad.done:
			ad.cancelCause(errConcurrentDialSuccessful)
		default:
			ad.cancelCause(errAllCallersLeft)
		}
		if ds.dials[p] == ad {
			delete(ds.dials, p)
		}
	}
	return conn, err
}

// pending 判断是否有到节点的进行中拨号
func (ds *dialSync) pending(p peer.ID) bool {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ad, ok := ds.dials[p]
	if !ok {
		return false
	}
	select {
	case <-ad.done:
		return false
	default:
		return true
	}
}

// count 返回进行中的拨号数量
func (ds *dialSync) count() int {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	n := 0
	for _, ad := range ds.dials {
		select {
		case <-ad.done:
		default:
			n++
		}
	}
	return n
}
