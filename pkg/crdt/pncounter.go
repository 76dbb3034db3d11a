package crdt

import (
	"maps"

	"github.com/shinyes/yep_core/pkg/causal"
)

// PNCounter 实现正负计数器：两个共享因果上下文的只增计数器之差。
type PNCounter struct {
	base
	pos map[causal.ActorID]count // 每个节点的增量
	neg map[causal.ActorID]count // 每个节点的减量
}

// NewPNCounter 创建一个新的 PNCounter。
func NewPNCounter() *PNCounter {
	return mustNew(TypePNCounter, causal.NewContext()).(*PNCounter)
}

func (c *PNCounter) Type() Type { return TypePNCounter }

func (c *PNCounter) Value() any { return c.Total() }

// Total 返回计数器的值。
func (c *PNCounter) Total() int64 {
	return int64(sumCounts(c.pos) - sumCounts(c.neg))
}

// Increment 将计数器增加 n。
func (c *PNCounter) Increment(rep *causal.Replica, n uint64) (causal.Dot, error) {
	return c.ApplyLocal(rep, OpIncrement{By: n})
}

// Decrement 将计数器减少 n。
func (c *PNCounter) Decrement(rep *causal.Replica, n uint64) (causal.Dot, error) {
	return c.ApplyLocal(rep, OpDecrement{By: n})
}

func (c *PNCounter) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(c, rep, op)
}

func (c *PNCounter) check(op Op) error {
	switch op.(type) {
	case OpIncrement, OpDecrement:
		return nil
	default:
		return invalidOp(TypePNCounter, op)
	}
}

func (c *PNCounter) applyDot(_ *causal.Replica, d causal.Dot, op Op) {
	switch o := op.(type) {
	case OpIncrement:
		bump(c.pos, d, o.By)
	case OpDecrement:
		bump(c.neg, d, o.By)
	}
}

func (c *PNCounter) Join(other State) error { return join(c, other) }

func (c *PNCounter) joinStore(other State, _, _ *causal.Context) {
	o := other.(*PNCounter)
	joinCounts(c.pos, o.pos)
	joinCounts(c.neg, o.neg)
}

func (c *PNCounter) Clone() State { return clone(c) }

func (c *PNCounter) cloneWith(ctx *causal.Context) State {
	return &PNCounter{base: base{ctx: ctx}, pos: maps.Clone(c.pos), neg: maps.Clone(c.neg)}
}

func (c *PNCounter) restrict(keep, ctx *causal.Context) State {
	return &PNCounter{base: base{ctx: ctx}, pos: restrictCounts(c.pos, keep), neg: restrictCounts(c.neg, keep)}
}

func (c *PNCounter) Equal(other State) bool { return equal(c, other) }

func (c *PNCounter) equalStore(other State) bool {
	o := other.(*PNCounter)
	return maps.Equal(c.pos, o.pos) && maps.Equal(c.neg, o.neg)
}

func (c *PNCounter) isEmptyStore() bool { return len(c.pos) == 0 && len(c.neg) == 0 }

func (c *PNCounter) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(c, stable, caughtUp)
}

func (c *PNCounter) collectStore(*causal.Context, bool, *causal.Context) int { return 0 }

func (c *PNCounter) payloads(prefix string, fn func(string, causal.Dot, string)) {
	countPayloads(prefix+"p", c.pos, fn)
	countPayloads(prefix+"n", c.neg, fn)
}

func (c *PNCounter) visitDots(fn func(causal.Dot)) {
	for a, e := range c.pos {
		fn(causal.Dot{Actor: a, Seq: e.Seq})
	}
	for a, e := range c.neg {
		fn(causal.Dot{Actor: a, Seq: e.Seq})
	}
}
