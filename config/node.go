package config

import (
	"context"

	"github.com/dep2p/swarmnet/core/event"
	"github.com/dep2p/swarmnet/p2p/net/autodial"
	"github.com/dep2p/swarmnet/p2p/net/conngater"
	"github.com/dep2p/swarmnet/p2p/net/health"
	"github.com/dep2p/swarmnet/p2p/net/swarm"

	"go.uber.org/fx"
)

// Node 是组装好的节点
// Health 和 AutoDialer 在被禁用时为 nil
type Node struct {
	app *fx.App

	Swarm      *swarm.Swarm
	Bus        event.Bus
	Policy     *conngater.BasicConnectionGater
	Health     *health.Manager
	AutoDialer *autodial.AutoDialer
}

// Close 按启动的相反顺序停止所有组件
func (n *Node) Close() error {
	return n.app.Stop(context.Background())
}
