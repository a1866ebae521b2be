package upgrader

import (
	"sync"
)

// threshold 限制同时进行的入站握手数量
type threshold struct {
	mu   sync.Mutex
	cond sync.Cond

	count     int
	threshold int
}

func newThreshold(cutoff int) *threshold {
	t := &threshold{threshold: cutoff}
	t.cond.L = &t.mu
	return t
}

// acquire 阻塞直到计数低于阈值,然后占用一个名额
func (t *threshold) acquire() {
	t.mu.Lock()
	for t.count >= t.threshold {
		t.cond.Wait()
	}
	t.count++
	t.mu.Unlock()
}

// release 归还一个名额
func (t *threshold) release() {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		panic("计数不能为负数")
	}
	t.count--
	t.cond.Signal()
	t.mu.Unlock()
}
