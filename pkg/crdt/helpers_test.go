package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/hlc"
)

// newReplica 创建一个物理时钟固定在 phys 的副本，使 LWW 时间戳可预测。
func newReplica(t testing.TB, id string, phys int64) *causal.Replica {
	t.Helper()
	rep, err := causal.NewReplica(causal.ActorID(id), hlc.WithSource(func() int64 { return phys }))
	require.NoError(t, err)
	return rep
}

func mustApply(t testing.TB, s State, rep *causal.Replica, op Op) causal.Dot {
	t.Helper()
	d, err := s.ApplyLocal(rep, op)
	require.NoError(t, err)
	return d
}

func mustMerge(t testing.TB, a, b State) State {
	t.Helper()
	out, err := Merge(a, b)
	require.NoError(t, err)
	return out
}

// exchange 让两个状态互相合并。
func exchange(t testing.TB, a, b State) {
	t.Helper()
	snapshot := a.Clone()
	require.NoError(t, a.Join(b))
	require.NoError(t, b.Join(snapshot))
}
