package event

import (
	"io"
	"reflect"
)

// SubscriptionOpt 表示订阅者选项
// 使用任何实现提供的选项
type SubscriptionOpt = func(interface{}) error

// EmitterOpt 表示发射器选项
// 使用任何实现提供的选项
type EmitterOpt = func(interface{}) error

// Emitter 表示事件发射器
type Emitter interface {
	io.Closer

	// Emit 发出事件
	// 如果有订阅者的通道已满,Emit 会阻塞,直到事件被所有订阅者接收
	// 在已关闭的发射器上调用 Emit 会返回错误
	Emit(evt interface{}) error
}

// Subscription 表示对一个或多个事件类型的订阅
type Subscription interface {
	io.Closer

	// Out 返回接收事件的通道
	// 通道在 Close 之后关闭
	Out() <-chan interface{}

	// Name 返回订阅的名称
	Name() string
}

// Bus 是基于类型的事件传递系统的接口
type Bus interface {
	// Subscribe 创建一个新的订阅
	//
	// eventType 可以是单个事件指针,例如 new(EvtPeerDiscovered),
	// 也可以是事件指针的切片,表示同时订阅多个事件
	// 同一发射器发出的事件按照发出的顺序投递给每个订阅者
	Subscribe(eventType interface{}, opts ...SubscriptionOpt) (Subscription, error)

	// Emitter 为某个事件类型创建一个新的发射器
	Emitter(eventType interface{}, opts ...EmitterOpt) (Emitter, error)

	// GetAllEventTypes 返回总线已知的所有事件类型
	GetAllEventTypes() []reflect.Type
}
