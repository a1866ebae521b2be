// Package routing 定义节点路由的接口
package routing

import (
	"context"
	"errors"

	"github.com/dep2p/swarmnet/core/peer"
)

// ErrNotFound 在路由器找不到请求的记录时返回
var ErrNotFound = errors.New("路由: 未找到")

// PeerRouting 是查找特定节点地址信息的方法
// 当一个节点没有任何已知地址时,swarm 会使用它
type PeerRouting interface {
	// FindPeer 搜索具有给定 ID 的节点,返回包含相关地址的 peer.Info
	FindPeer(context.Context, peer.ID) (peer.Info, error)
}
