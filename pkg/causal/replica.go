package causal

import (
	"fmt"

	"github.com/shinyes/yep_core/pkg/hlc"
)

// Replica 是显式传入的副本上下文：本地 ActorID 与混合逻辑时钟。
// 它的生命周期与拥有它的进程/会话绑定，不是全局状态。
//
// 下一个序号并不保存在 Replica 中，而是由每个对象自己的 Context 推导
// (Max(actor)+1)，因此调用方必须对同一对象的本地变更串行化，否则两个交错的变更可能铸造出相同的 dot。
type Replica struct {
	ID    ActorID
	Clock *hlc.Clock
}

// NewReplica 使用给定 ID 创建副本上下文。
func NewReplica(id ActorID, opts ...hlc.Option) (*Replica, error) {
	if id == "" {
		return nil, fmt.Errorf("replica id must not be empty")
	}
	return &Replica{ID: id, Clock: hlc.New(opts...)}, nil
}

// Mint 为 ctx 所属对象铸造一个新的本地 dot，并立即在 ctx 中记录。
func (r *Replica) Mint(ctx *Context) Dot {
	d := ctx.Next(r.ID)
	ctx.Observe(d)
	return d
}

// Now 返回本地 HLC 时间戳。
func (r *Replica) Now() int64 {
	return r.Clock.Now()
}

// CheckRemote 检查对端上下文是否声称见过本地 actor 尚未铸造的 dot。
// 这只可能由 ActorID 被复用或本地状态丢失导致，视为因果违规。
func (r *Replica) CheckRemote(local, remote *Context) error {
	if remote == nil {
		return nil
	}
	if theirs, ours := remote.Max(r.ID), local.Max(r.ID); theirs > ours {
		return &ViolationError{
			Dot:    Dot{Actor: r.ID, Seq: theirs},
			Reason: fmt.Sprintf("peer claims local sequence %d, local replica minted only %d", theirs, ours),
		}
	}
	return nil
}
