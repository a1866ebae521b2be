// Package eventbus 实现了基于类型的进程内事件总线
package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/dep2p/log"
	"github.com/dep2p/swarmnet/core/event"
)

var log = logging.Logger("host-eventbus")

// slowConsumerWarningTimeout 是订阅者通道持续阻塞多久后输出警告
const slowConsumerWarningTimeout = time.Second

// basicBus 是基于类型的事件总线
// 每个事件类型对应一个节点,节点持有所有订阅该类型的接收器
type basicBus struct {
	lk            sync.RWMutex           // 保护 nodes
	nodes         map[reflect.Type]*node // 事件类型到节点的映射
	metricsTracer MetricsTracer          // 指标跟踪器
}

var _ event.Bus = (*basicBus)(nil)

// NewBus 创建新的事件总线
// 参数:
//   - opts: 总线选项
//
// 返回值:
//   - event.Bus: 事件总线
func NewBus(opts ...Option) event.Bus {
	bus := &basicBus{
		nodes: map[reflect.Type]*node{},
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// withNode 在持有节点锁的情况下执行 cb
// async 不为空时,节点锁会在 async 在新的协程中执行完之后才释放
func (b *basicBus) withNode(typ reflect.Type, cb func(*node), async func(*node)) {
	b.lk.Lock()

	n, ok := b.nodes[typ]
	if !ok {
		n = newNode(typ, b.metricsTracer)
		b.nodes[typ] = n
	}

	n.lk.Lock()
	b.lk.Unlock()

	cb(n)

	if async == nil {
		n.lk.Unlock()
	} else {
		go func() {
			defer n.lk.Unlock()
			async(n)
		}()
	}
}

// tryDropNode 在节点不再有发射器和订阅者时删除它
func (b *basicBus) tryDropNode(typ reflect.Type) {
	b.lk.Lock()
	defer b.lk.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		return
	}

	n.lk.Lock()
	inUse := n.nEmitters.Load() > 0 || len(n.sinks) > 0
	n.lk.Unlock()
	if !inUse {
		delete(b.nodes, typ)
	}
}

// Subscribe 订阅一个或多个事件类型
// 参数:
//   - evtTypes: 事件指针,或事件指针切片
//   - opts: 订阅选项,见 BufSize 和 Name
//
// 返回值:
//   - event.Subscription: 订阅
//   - error: 参数不是指针时返回错误
func (b *basicBus) Subscribe(evtTypes interface{}, opts ...event.SubscriptionOpt) (event.Subscription, error) {
	settings := newSubSettings()
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			log.Errorf("订阅设置失败: %v", err)
			return nil, err
		}
	}

	types, ok := evtTypes.([]interface{})
	if !ok {
		types = []interface{}{evtTypes}
	}
	for _, etyp := range types {
		if etyp == nil || reflect.TypeOf(etyp).Kind() != reflect.Ptr {
			return nil, errors.New("使用非指针类型调用订阅")
		}
	}

	out := &sub{
		ch:            make(chan interface{}, settings.buffer),
		nodes:         make([]*node, len(types)),
		dropper:       b.tryDropNode,
		metricsTracer: b.metricsTracer,
		name:          settings.name,
	}

	for i, etyp := range types {
		typ := reflect.TypeOf(etyp).Elem()

		b.withNode(typ, func(n *node) {
			n.sinks = append(n.sinks, &namedSink{ch: out.ch, name: out.name})
			out.nodes[i] = n
			if b.metricsTracer != nil {
				b.metricsTracer.AddSubscriber(typ)
			}
		}, func(n *node) {
			// 有状态的发射器会把最后一个事件补发给新订阅者
			if n.keepLast && n.last != nil {
				out.ch <- n.last
			}
		})
	}

	return out, nil
}

// Emitter 为事件类型创建发射器
// 参数:
//   - evtType: 事件指针,例如 new(event.EvtPeerDiscovered)
//   - opts: 发射器选项,见 Stateful
//
// 返回值:
//   - event.Emitter: 发射器
//   - error: 参数不是指针时返回错误
func (b *basicBus) Emitter(evtType interface{}, opts ...event.EmitterOpt) (e event.Emitter, err error) {
	var settings emitterSettings
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			log.Errorf("发射器设置失败: %v", err)
			return nil, err
		}
	}

	typ := reflect.TypeOf(evtType)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.New("使用非指针类型调用发射器")
	}
	typ = typ.Elem()

	b.withNode(typ, func(n *node) {
		n.nEmitters.Add(1)
		n.keepLast = n.keepLast || settings.makeStateful
		e = &emitter{n: n, typ: typ, dropper: b.tryDropNode, metricsTracer: b.metricsTracer}
	}, nil)
	return e, nil
}

// GetAllEventTypes 返回当前有发射器或订阅者的所有事件类型
func (b *basicBus) GetAllEventTypes() []reflect.Type {
	b.lk.RLock()
	defer b.lk.RUnlock()

	types := make([]reflect.Type, 0, len(b.nodes))
	for t := range b.nodes {
		types = append(types, t)
	}
	return types
}

// emitter 是某个事件类型的发射器
type emitter struct {
	n             *node
	typ           reflect.Type
	closed        atomic.Bool
	dropper       func(reflect.Type)
	metricsTracer MetricsTracer
}

// Emit 将事件发送给所有订阅者
func (e *emitter) Emit(evt interface{}) error {
	if e.closed.Load() {
		return fmt.Errorf("发射器已关闭")
	}

	e.n.emit(evt)

	if e.metricsTracer != nil {
		e.metricsTracer.EventEmitted(e.typ)
	}
	return nil
}

// Close 关闭发射器,重复关闭返回错误
func (e *emitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("多次关闭同一个发射器")
	}
	if e.n.nEmitters.Add(-1) == 0 {
		e.dropper(e.typ)
	}
	return nil
}

type namedSink struct {
	name string
	ch   chan interface{}
}

// sub 是一个订阅,可以同时挂在多个节点上
type sub struct {
	ch            chan interface{}
	nodes         []*node
	dropper       func(reflect.Type)
	metricsTracer MetricsTracer
	name          string
	closeOnce     sync.Once
}

var _ event.Subscription = (*sub)(nil)

// Name 返回订阅者名称
func (s *sub) Name() string {
	return s.name
}

// Out 返回事件通道
func (s *sub) Out() <-chan interface{} {
	return s.ch
}

// Close 取消订阅并关闭事件通道
func (s *sub) Close() error {
	// 排空通道,避免正在投递的发射器阻塞
	go func() {
		for range s.ch {
		}
	}()

	s.closeOnce.Do(func() {
		for _, n := range s.nodes {
			n.lk.Lock()
			for i := 0; i < len(n.sinks); i++ {
				if n.sinks[i].ch == s.ch {
					n.sinks[i], n.sinks[len(n.sinks)-1] = n.sinks[len(n.sinks)-1], nil
					n.sinks = n.sinks[:len(n.sinks)-1]
					if s.metricsTracer != nil {
						s.metricsTracer.RemoveSubscriber(n.typ)
					}
					break
				}
			}
			tryDrop := len(n.sinks) == 0 && n.nEmitters.Load() == 0
			n.lk.Unlock()

			if tryDrop {
				s.dropper(n.typ)
			}
		}
		close(s.ch)
	})
	return nil
}

// node 保存某个事件类型的全部接收器
type node struct {
	lk sync.Mutex

	typ       reflect.Type
	nEmitters atomic.Int32

	keepLast bool
	last     interface{}

	sinks         []*namedSink
	metricsTracer MetricsTracer

	slowConsumerTimer *time.Timer
}

func newNode(typ reflect.Type, metricsTracer MetricsTracer) *node {
	return &node{
		typ:           typ,
		metricsTracer: metricsTracer,
	}
}

// emit 按顺序把事件投递给所有接收器
// 节点锁保证同一类型的事件在每个订阅者上保持发出顺序
func (n *node) emit(evt interface{}) {
	typ := reflect.TypeOf(evt)
	if typ != n.typ {
		panic(fmt.Sprintf("使用错误类型调用 Emit。预期: %s, 实际: %s", n.typ, typ))
	}

	n.lk.Lock()
	if n.keepLast {
		n.last = evt
	}

	for _, sink := range n.sinks {
		if n.metricsTracer != nil {
			n.metricsTracer.SubscriberQueueLength(sink.name, len(sink.ch)+1)
		}
		select {
		case sink.ch <- evt:
		default:
			n.slowConsumerTimer = emitAndLogError(n.slowConsumerTimer, n.typ, evt, sink)
		}
	}
	n.lk.Unlock()
}

// emitAndLogError 阻塞投递事件,超过 slowConsumerWarningTimeout 时输出一次警告
func emitAndLogError(timer *time.Timer, typ reflect.Type, evt interface{}, sink *namedSink) *time.Timer {
	if timer == nil {
		timer = time.NewTimer(slowConsumerWarningTimeout)
	} else {
		timer.Reset(slowConsumerWarningTimeout)
	}

	select {
	case sink.ch <- evt:
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
		log.Warnf("名为 \"%s\" 的订阅者是 %s 的慢速消费者,这可能导致事件分发停滞", sink.name, typ)
		sink.ch <- evt
	}
	return timer
}
