package crdt

import (
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// ORSet 实现观察-移除集合 (Observed-Remove Set)，并发的添加与移除以添加胜出。
//
// 每次添加铸造一个添加 dot；每次移除铸造一个移除 dot，并记录它覆盖的、
// 本地已观察到的该元素的添加 dot。元素存在，当且仅当它至少有一个未被覆盖的添加 dot。
// 移除记录是墓碑，在因果稳定后由 Collect 连同它覆盖的添加 dot 一起回收。
type ORSet struct {
	base
	adds    map[causal.Dot]string
	removes map[causal.Dot][]causal.Dot
}

// NewORSet 创建一个空的 ORSet。
func NewORSet() *ORSet {
	return mustNew(TypeORSet, causal.NewContext()).(*ORSet)
}

func (s *ORSet) Type() Type { return TypeORSet }

// Value 返回按字典序排列的元素。
func (s *ORSet) Value() any { return s.Elements() }

// Elements 返回按字典序排列的元素。
func (s *ORSet) Elements() []string {
	covered := coveredBy(s.removes)
	set := make(map[string]struct{})
	for d, e := range s.adds {
		if _, ok := covered[d]; !ok {
			set[e] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Contains 报告元素是否存在。
func (s *ORSet) Contains(e string) bool {
	return len(s.live(e)) > 0
}

// Len 返回元素数量。
func (s *ORSet) Len() int { return len(s.Elements()) }

// Tombstones 返回尚未回收的移除记录数量。
func (s *ORSet) Tombstones() int { return len(s.removes) }

// live 返回元素 e 未被覆盖的添加 dot，按 dot 排序。
func (s *ORSet) live(e string) []causal.Dot {
	covered := coveredBy(s.removes)
	var out []causal.Dot
	for d, v := range s.adds {
		if v != e {
			continue
		}
		if _, ok := covered[d]; !ok {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, causal.Dot.Compare)
	return out
}

// Add 添加元素。
func (s *ORSet) Add(rep *causal.Replica, e string) (causal.Dot, error) {
	return s.ApplyLocal(rep, OpAdd{Element: e})
}

// Remove 移除元素。元素不存在时是空操作。
func (s *ORSet) Remove(rep *causal.Replica, e string) (causal.Dot, error) {
	return s.ApplyLocal(rep, OpRemove{Element: e})
}

func (s *ORSet) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(s, rep, op)
}

func (s *ORSet) check(op Op) error {
	switch o := op.(type) {
	case OpAdd:
		return nil
	case OpRemove:
		if !s.Contains(o.Element) {
			return errNoop
		}
		return nil
	default:
		return invalidOp(TypeORSet, op)
	}
}

func (s *ORSet) applyDot(_ *causal.Replica, d causal.Dot, op Op) {
	switch o := op.(type) {
	case OpAdd:
		s.adds[d] = o.Element
	case OpRemove:
		s.removes[d] = s.live(o.Element)
	}
}

func (s *ORSet) Join(other State) error { return join(s, other) }

func (s *ORSet) joinStore(other State, mine, theirs *causal.Context) {
	o := other.(*ORSet)
	joinDots(s.adds, o.adds, mine, theirs, same[string])
	joinDots(s.removes, o.removes, mine, theirs, slices.Clone[[]causal.Dot])
}

func (s *ORSet) Clone() State { return clone(s) }

func (s *ORSet) cloneWith(ctx *causal.Context) State {
	return &ORSet{
		base:    base{ctx: ctx},
		adds:    maps.Clone(s.adds),
		removes: cloneDots(s.removes, slices.Clone[[]causal.Dot]),
	}
}

func (s *ORSet) restrict(keep, ctx *causal.Context) State {
	return &ORSet{
		base:    base{ctx: ctx},
		adds:    restrictDots(s.adds, keep, same[string]),
		removes: restrictDots(s.removes, keep, slices.Clone[[]causal.Dot]),
	}
}

func (s *ORSet) Equal(other State) bool { return equal(s, other) }

func (s *ORSet) equalStore(other State) bool {
	o := other.(*ORSet)
	return maps.Equal(s.adds, o.adds) && maps.EqualFunc(s.removes, o.removes, slices.Equal[[]causal.Dot])
}

func (s *ORSet) isEmptyStore() bool { return len(s.adds) == 0 && len(s.removes) == 0 }

func (s *ORSet) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(s, stable, caughtUp)
}

func (s *ORSet) collectStore(stable *causal.Context, _ bool, gone *causal.Context) int {
	return collectTombstones(s.adds, s.removes, stable, gone)
}

func (s *ORSet) payloads(prefix string, fn func(string, causal.Dot, string)) {
	for d, e := range s.adds {
		fn(prefix+"a", d, e)
	}
	removesFingerprints(prefix, s.removes, fn)
}

func (s *ORSet) visitDots(fn func(causal.Dot)) {
	for d := range s.adds {
		fn(d)
	}
	for r, covered := range s.removes {
		fn(r)
		for _, c := range covered {
			fn(c)
		}
	}
}
