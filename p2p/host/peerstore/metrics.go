package peerstore

import (
	"sync"
	"time"

	"github.com/dep2p/swarmnet/core/peer"
)

// LatencyEWMASmoothing 控制延迟 EWMA 的衰减速度
// 必须是 0 到 1 之间的值,1 表示完全采用新值,0 表示不变
var LatencyEWMASmoothing = 0.1

// latencyTracker 保存每个节点的延迟指数加权移动平均值
type latencyTracker struct {
	mutex  sync.Mutex
	latmap map[peer.ID]time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{latmap: make(map[peer.ID]time.Duration)}
}

// record 记录一次新的测量值并返回更新后的平均值
func (m *latencyTracker) record(p peer.ID, next time.Duration) time.Duration {
	s := LatencyEWMASmoothing
	if s > 1 || s < 0 {
		s = 0.1
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	ewma, found := m.latmap[p]
	if found {
		next = time.Duration((1.0-s)*float64(ewma) + s*float64(next))
	}
	m.latmap[p] = next
	return next
}

func (m *latencyTracker) remove(p peer.ID) {
	m.mutex.Lock()
	delete(m.latmap, p)
	m.mutex.Unlock()
}
