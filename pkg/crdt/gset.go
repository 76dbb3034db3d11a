package crdt

import (
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// GSet 实现只增集合。每个元素记录首次添加它的 dot (按 dot 顺序取最小者)，
// 使所有副本对同一元素保存同一个 dot。
type GSet struct {
	base
	elems map[string]causal.Dot
}

// NewGSet 创建一个空的 GSet。
func NewGSet() *GSet {
	return mustNew(TypeGSet, causal.NewContext()).(*GSet)
}

func (s *GSet) Type() Type { return TypeGSet }

// Value 返回按字典序排列的元素。
func (s *GSet) Value() any { return s.Elements() }

// Elements 返回按字典序排列的元素。
func (s *GSet) Elements() []string {
	return slices.Sorted(maps.Keys(s.elems))
}

// Contains 报告元素是否存在。
func (s *GSet) Contains(e string) bool {
	_, ok := s.elems[e]
	return ok
}

// Add 添加元素。
func (s *GSet) Add(rep *causal.Replica, e string) (causal.Dot, error) {
	return s.ApplyLocal(rep, OpAdd{Element: e})
}

func (s *GSet) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(s, rep, op)
}

func (s *GSet) check(op Op) error {
	if _, ok := op.(OpAdd); !ok {
		return invalidOp(TypeGSet, op)
	}
	return nil
}

func (s *GSet) applyDot(_ *causal.Replica, d causal.Dot, op Op) {
	s.put(op.(OpAdd).Element, d)
}

func (s *GSet) put(e string, d causal.Dot) {
	if cur, ok := s.elems[e]; !ok || d.Less(cur) {
		s.elems[e] = d
	}
}

func (s *GSet) Join(other State) error { return join(s, other) }

func (s *GSet) joinStore(other State, _, _ *causal.Context) {
	for e, d := range other.(*GSet).elems {
		s.put(e, d)
	}
}

func (s *GSet) Clone() State { return clone(s) }

func (s *GSet) cloneWith(ctx *causal.Context) State {
	return &GSet{base: base{ctx: ctx}, elems: maps.Clone(s.elems)}
}

func (s *GSet) restrict(keep, ctx *causal.Context) State {
	out := &GSet{base: base{ctx: ctx}, elems: make(map[string]causal.Dot)}
	for e, d := range s.elems {
		if keep.Covers(d) {
			out.elems[e] = d
		}
	}
	return out
}

func (s *GSet) Equal(other State) bool { return equal(s, other) }

func (s *GSet) equalStore(other State) bool {
	return maps.Equal(s.elems, other.(*GSet).elems)
}

func (s *GSet) isEmptyStore() bool { return len(s.elems) == 0 }

func (s *GSet) Collect(stable *causal.Context, caughtUp bool) int { return collect(s, stable, caughtUp) }

func (s *GSet) collectStore(*causal.Context, bool, *causal.Context) int { return 0 }

func (s *GSet) payloads(prefix string, fn func(string, causal.Dot, string)) {
	for e, d := range s.elems {
		fn(prefix+"g", d, e)
	}
}

func (s *GSet) visitDots(fn func(causal.Dot)) {
	for _, d := range s.elems {
		fn(d)
	}
}
