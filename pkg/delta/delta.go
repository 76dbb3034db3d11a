// Package delta 计算与应用增量状态 (delta-state)。
//
// 增量本身就是一个 CRDT 状态：本地状态限制在对端缺失的 dot 上的投影，
// 上下文是本地上下文减去对端上下文。应用增量与全量合并使用同一个 join，
// 因此增量的正确性直接来自合并的半格性质。
package delta

import (
	"errors"
	"fmt"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

// DefaultFullSyncRatio 是默认的全量回退阈值：对端缺失的 dot 占本地上下文的比例达到该值时发送全量状态。
const DefaultFullSyncRatio = 0.9

// Delta 是一个部分状态及其代表的因果上下文范围 (即 State.Context())。
type Delta struct {
	State crdt.State
	// Full 表示这是全量状态而不是最小增量。
	Full bool
}

// IsEmpty 报告增量是否不包含任何对端缺失的信息。
func (d Delta) IsEmpty() bool {
	return d.State == nil || d.State.Context().IsEmpty()
}

// Dots 返回增量代表的 dot 数量。
func (d Delta) Dots() uint64 {
	if d.State == nil {
		return 0
	}
	return d.State.Context().Len()
}

type options struct {
	fullSyncRatio float64
}

// Option 定制 Diff 的行为。
type Option func(*options)

// WithFullSyncRatio 设置全量回退阈值。r <= 0 或 r > 1 时关闭比例回退。
func WithFullSyncRatio(r float64) Option {
	return func(o *options) {
		o.fullSyncRatio = r
	}
}

// Missing 返回 local 中有而 remote 中没有的 dot。
func Missing(local, remote *causal.Context) *causal.Context {
	return local.Subtract(remote)
}

// Diff 计算对端 (上下文为 remoteCtx) 缺失的增量。localCtx 为 nil 时使用 local 自身的上下文。
//
// 以下情况回退为全量状态：对端上下文为空 (对本地一无所知)、两个上下文没有共同的 actor、
// 或缺失的 dot 占比达到阈值。此时计算投影不再比直接发送全量状态划算。
//
// 对端上下文未覆盖 local 的回收下限 (Floor) 时同样回退为全量状态：投影中不包含已回收的条目，
// 对端无法得知它们已被删除。全量状态合并后对端继承该下限，再向下游传播。
func Diff(local crdt.State, localCtx, remoteCtx *causal.Context, opts ...Option) Delta {
	o := options{fullSyncRatio: DefaultFullSyncRatio}
	for _, opt := range opts {
		opt(&o)
	}
	if localCtx == nil {
		localCtx = local.Context()
	}

	missing := Missing(localCtx, remoteCtx)
	if missing.IsEmpty() {
		return Delta{State: crdt.Restrict(local, missing)}
	}
	if remoteCtx.IsEmpty() || !localCtx.Overlaps(remoteCtx) || !remoteCtx.Contains(local.Floor()) {
		return Delta{State: local.Clone(), Full: true}
	}
	if o.fullSyncRatio > 0 && o.fullSyncRatio <= 1 {
		if float64(missing.Len()) >= o.fullSyncRatio*float64(localCtx.Len()) {
			return Delta{State: local.Clone(), Full: true}
		}
	}
	return Delta{State: crdt.Restrict(local, missing)}
}

// Apply 将增量合并到 local，返回新状态，不修改任何一方。
func Apply(local crdt.State, d Delta) (crdt.State, error) {
	if d.State == nil {
		return local.Clone(), nil
	}
	return crdt.Merge(local, d.State)
}

// ErrNothingToCompact 表示 Compact 没有收到任何增量。
var ErrNothingToCompact = errors.New("no deltas to compact")

// Compact 将多个增量合并为一个，用于压缩本地待发送的变更日志。
// 任一输入为全量状态时结果也视为全量状态。
func Compact(deltas ...Delta) (Delta, error) {
	var out Delta
	for i, d := range deltas {
		if d.State == nil {
			continue
		}
		if out.State == nil {
			out = Delta{State: d.State.Clone(), Full: d.Full}
			continue
		}
		if err := out.State.Join(d.State); err != nil {
			return Delta{}, fmt.Errorf("compact delta %d: %w", i, err)
		}
		out.Full = out.Full || d.Full
	}
	if out.State == nil {
		return Delta{}, ErrNothingToCompact
	}
	return out, nil
}
