// Package event 包含本地事件总线的抽象,以及 swarm 层发出的标准事件
//
// 源代码组织如下:
//   - doc.go: 本文件
//   - bus.go: 事件总线的抽象
//   - network.go: 监听、连接和节点生命周期事件,命名约定为
//     Evt[实体(名词)][事件(动词过去式)],例如 EvtConnectionEstablished
package event
