package crdt

import (
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// count 是某个 actor 在计数器上的累计值，以及产生该值的最新 dot。
// 同一 actor 的累计值随序号单调增长，因此按序号取最大即可合并。
type count struct {
	Total uint64
	Seq   uint64
}

func (c count) newer(o count) bool {
	if c.Seq != o.Seq {
		return c.Seq > o.Seq
	}
	return c.Total > o.Total
}

// GCounter 实现只增计数器。值是所有 actor 累计值之和。
type GCounter struct {
	base
	counts map[causal.ActorID]count
}

// NewGCounter 创建一个空的 GCounter。
func NewGCounter() *GCounter {
	return mustNew(TypeGCounter, causal.NewContext()).(*GCounter)
}

func (c *GCounter) Type() Type { return TypeGCounter }

func (c *GCounter) Value() any { return c.Total() }

// Total 返回计数器的值。
func (c *GCounter) Total() uint64 {
	return sumCounts(c.counts)
}

// Increment 将计数器增加 n。
func (c *GCounter) Increment(rep *causal.Replica, n uint64) (causal.Dot, error) {
	return c.ApplyLocal(rep, OpIncrement{By: n})
}

func (c *GCounter) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(c, rep, op)
}

func (c *GCounter) check(op Op) error {
	if _, ok := op.(OpIncrement); !ok {
		return invalidOp(TypeGCounter, op)
	}
	return nil
}

func (c *GCounter) applyDot(_ *causal.Replica, d causal.Dot, op Op) {
	bump(c.counts, d, op.(OpIncrement).By)
}

func (c *GCounter) Join(other State) error { return join(c, other) }

func (c *GCounter) joinStore(other State, _, _ *causal.Context) {
	joinCounts(c.counts, other.(*GCounter).counts)
}

func (c *GCounter) Clone() State { return clone(c) }

func (c *GCounter) cloneWith(ctx *causal.Context) State {
	return &GCounter{base: base{ctx: ctx}, counts: maps.Clone(c.counts)}
}

func (c *GCounter) restrict(keep, ctx *causal.Context) State {
	return &GCounter{base: base{ctx: ctx}, counts: restrictCounts(c.counts, keep)}
}

func (c *GCounter) Equal(other State) bool { return equal(c, other) }

func (c *GCounter) equalStore(other State) bool {
	return maps.Equal(c.counts, other.(*GCounter).counts)
}

func (c *GCounter) isEmptyStore() bool { return len(c.counts) == 0 }

// Collect 计数器没有墓碑。
func (c *GCounter) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(c, stable, caughtUp)
}

func (c *GCounter) collectStore(*causal.Context, bool, *causal.Context) int { return 0 }

func (c *GCounter) payloads(prefix string, fn func(string, causal.Dot, string)) {
	countPayloads(prefix+"p", c.counts, fn)
}

func (c *GCounter) visitDots(fn func(causal.Dot)) {
	for a, e := range c.counts {
		fn(causal.Dot{Actor: a, Seq: e.Seq})
	}
}

func bump(counts map[causal.ActorID]count, d causal.Dot, by uint64) {
	e := counts[d.Actor]
	counts[d.Actor] = count{Total: e.Total + by, Seq: d.Seq}
}

func sumCounts(counts map[causal.ActorID]count) uint64 {
	var total uint64
	for _, e := range counts {
		total += e.Total
	}
	return total
}

func joinCounts(mine, theirs map[causal.ActorID]count) {
	for a, e := range theirs {
		if cur, ok := mine[a]; !ok || e.newer(cur) {
			mine[a] = e
		}
	}
}

func restrictCounts(src map[causal.ActorID]count, keep *causal.Context) map[causal.ActorID]count {
	out := make(map[causal.ActorID]count)
	for a, e := range src {
		if keep.Covers(causal.Dot{Actor: a, Seq: e.Seq}) {
			out[a] = e
		}
	}
	return out
}

func countPayloads(store string, counts map[causal.ActorID]count, fn func(string, causal.Dot, string)) {
	for _, a := range slices.Sorted(maps.Keys(counts)) {
		e := counts[a]
		fn(store, causal.Dot{Actor: a, Seq: e.Seq}, u64(e.Total))
	}
}
