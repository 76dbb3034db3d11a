package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// ORMap 实现键 -> 嵌套 CRDT 的观察-移除映射。
//
// 键集合的语义与 ORSet 相同 (添加胜出)。嵌套值与映射共享同一个因果上下文，
// 对嵌套值的每次更新都使用同一个 dot 同时记录一次键添加，因此并发的更新胜过删除。
// 删除键只隐藏它，嵌套值保留：键被重新添加时，旧内容会在所有副本上以相同方式重新出现。
// 同一键上出现不同类型的并发嵌套值时，保留类型标签较大的一方。
type ORMap struct {
	base
	keys    map[causal.Dot]string
	removes map[causal.Dot][]causal.Dot
	values  map[string]State
}

// NewORMap 创建一个空的 ORMap。
func NewORMap() *ORMap {
	return mustNew(TypeMap, causal.NewContext()).(*ORMap)
}

func (m *ORMap) Type() Type { return TypeMap }

// Value 返回所有存在的键及其嵌套值的 Value。缺少嵌套值的键不出现在结果中。
func (m *ORMap) Value() any {
	out := make(map[string]any)
	for _, k := range m.Keys() {
		if v, ok := m.values[k]; ok && v != nil {
			out[k] = v.Value()
		}
	}
	return out
}

// Keys 按字典序返回存在的键。
func (m *ORMap) Keys() []string {
	covered := coveredBy(m.removes)
	set := make(map[string]struct{})
	for d, k := range m.keys {
		if _, ok := covered[d]; !ok {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Len 返回存在的键数量。
func (m *ORMap) Len() int { return len(m.Keys()) }

// Has 报告键是否存在。
func (m *ORMap) Has(key string) bool {
	return len(m.live(key)) > 0
}

// Get 返回键下的嵌套值。返回值与映射共享状态，不应直接修改。
func (m *ORMap) Get(key string) (State, bool) {
	if !m.Has(key) {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok && v != nil
}

// Lookup 以具体类型返回键下的嵌套值。
func Lookup[T State](m *ORMap, key string) (T, error) {
	var zero T
	v, ok := m.Get(key)
	if !ok {
		return zero, &KeyNotFoundError{Key: key}
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Key: key, ExpectedType: zero.Type(), GotType: v.Type()}
	}
	return t, nil
}

// Put 确保键存在并持有 t 类型的嵌套值。
func (m *ORMap) Put(rep *causal.Replica, key string, t Type) (causal.Dot, error) {
	return m.ApplyLocal(rep, OpPut{Key: key, Type: t})
}

// Update 对键下的嵌套值执行 op。
func (m *ORMap) Update(rep *causal.Replica, key string, t Type, op Op) (causal.Dot, error) {
	return m.ApplyLocal(rep, OpUpdate{Key: key, Type: t, Op: op})
}

// Delete 删除键。键不存在时是空操作。
func (m *ORMap) Delete(rep *causal.Replica, key string) (causal.Dot, error) {
	return m.ApplyLocal(rep, OpDeleteKey{Key: key})
}

func (m *ORMap) live(key string) []causal.Dot {
	covered := coveredBy(m.removes)
	var out []causal.Dot
	for d, k := range m.keys {
		if k != key {
			continue
		}
		if _, ok := covered[d]; !ok {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, causal.Dot.Compare)
	return out
}

func (m *ORMap) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(m, rep, op)
}

func (m *ORMap) check(op Op) error {
	switch o := op.(type) {
	case OpPut:
		return m.checkSlot(o.Key, o.Type)
	case OpUpdate:
		if err := m.checkSlot(o.Key, o.Type); err != nil {
			return err
		}
		if o.Op == nil {
			return fmt.Errorf("%w: 键 '%s' 的嵌套操作不能为 nil", ErrInvalidOp, o.Key)
		}
		nested, ok := m.values[o.Key]
		if !ok {
			nested = mustNew(o.Type, m.ctx)
		}
		// 嵌套操作即使是空操作也要记录键添加
		if err := nested.check(o.Op); err != nil && err != errNoop {
			return err
		}
		return nil
	case OpDeleteKey:
		if !m.Has(o.Key) {
			return errNoop
		}
		return nil
	default:
		return invalidOp(TypeMap, op)
	}
}

func (m *ORMap) checkSlot(key string, t Type) error {
	if key == "" {
		return fmt.Errorf("%w: 键不能为空", ErrInvalidOp)
	}
	if !t.Valid() {
		return &TypeMismatchError{Key: key, GotType: t}
	}
	if v, ok := m.values[key]; ok && v.Type() != t {
		return &TypeMismatchError{Key: key, ExpectedType: v.Type(), GotType: t}
	}
	return nil
}

func (m *ORMap) applyDot(rep *causal.Replica, d causal.Dot, op Op) {
	switch o := op.(type) {
	case OpPut:
		m.keys[d] = o.Key
		m.slot(o.Key, o.Type)
	case OpUpdate:
		m.keys[d] = o.Key
		nested := m.slot(o.Key, o.Type)
		if nested.check(o.Op) == nil {
			nested.applyDot(rep, d, o.Op)
		}
	case OpDeleteKey:
		m.removes[d] = m.live(o.Key)
	}
}

func (m *ORMap) slot(key string, t Type) State {
	v, ok := m.values[key]
	if !ok {
		v = mustNew(t, m.ctx)
		m.values[key] = v
	}
	return v
}

func (m *ORMap) Join(other State) error { return join(m, other) }

func (m *ORMap) joinStore(other State, mine, theirs *causal.Context) {
	o := other.(*ORMap)
	joinDots(m.keys, o.keys, mine, theirs, same[string])
	joinDots(m.removes, o.removes, mine, theirs, slices.Clone[[]causal.Dot])

	for _, k := range unionKeys(m.values, o.values) {
		mv, mok := m.values[k]
		tv, tok := o.values[k]
		switch {
		case !tok:
			tv = mustNew(mv.Type(), theirs)
		case !mok:
			mv = mustNew(tv.Type(), m.ctx)
		case tv.Type() > mv.Type():
			mv = mustNew(tv.Type(), m.ctx)
		case tv.Type() < mv.Type():
			tv = mustNew(mv.Type(), theirs)
		}
		mv.joinStore(tv, mine, theirs)
		m.values[k] = mv
	}
}

func unionKeys(a, b map[string]State) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

func (m *ORMap) Clone() State { return clone(m) }

func (m *ORMap) cloneWith(ctx *causal.Context) State {
	out := &ORMap{
		base:    base{ctx: ctx},
		keys:    maps.Clone(m.keys),
		removes: cloneDots(m.removes, slices.Clone[[]causal.Dot]),
		values:  make(map[string]State, len(m.values)),
	}
	for k, v := range m.values {
		out.values[k] = v.cloneWith(ctx)
	}
	return out
}

func (m *ORMap) restrict(keep, ctx *causal.Context) State {
	out := &ORMap{
		base:    base{ctx: ctx},
		keys:    restrictDots(m.keys, keep, same[string]),
		removes: restrictDots(m.removes, keep, slices.Clone[[]causal.Dot]),
		values:  make(map[string]State),
	}
	touched := make(map[string]struct{})
	for _, k := range out.keys {
		touched[k] = struct{}{}
	}
	for k, v := range m.values {
		nested := v.restrict(keep, ctx)
		if _, ok := touched[k]; ok || !nested.isEmptyStore() {
			out.values[k] = nested
		}
	}
	return out
}

func (m *ORMap) Equal(other State) bool { return equal(m, other) }

func (m *ORMap) equalStore(other State) bool {
	o := other.(*ORMap)
	if !maps.Equal(m.keys, o.keys) || !maps.EqualFunc(m.removes, o.removes, slices.Equal[[]causal.Dot]) {
		return false
	}
	return maps.EqualFunc(m.values, o.values, func(a, b State) bool {
		return a.Type() == b.Type() && a.equalStore(b)
	})
}

func (m *ORMap) isEmptyStore() bool {
	if len(m.keys) > 0 || len(m.removes) > 0 {
		return false
	}
	for _, v := range m.values {
		if !v.isEmptyStore() {
			return false
		}
	}
	return true
}

// Tombstones 返回尚未回收的键删除记录数量 (不含嵌套值中的墓碑)。
func (m *ORMap) Tombstones() int { return len(m.removes) }

func (m *ORMap) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(m, stable, caughtUp)
}

func (m *ORMap) collectStore(stable *causal.Context, caughtUp bool, gone *causal.Context) int {
	n := collectTombstones(m.keys, m.removes, stable, gone)
	for _, v := range m.values {
		n += v.collectStore(stable, caughtUp, gone)
	}
	return n
}

func (m *ORMap) payloads(prefix string, fn func(string, causal.Dot, string)) {
	for d, k := range m.keys {
		fn(prefix+"k", d, k)
	}
	removesFingerprints(prefix, m.removes, fn)
	for k, v := range m.values {
		v.payloads(prefix+"v/"+k+"/", fn)
	}
}

func (m *ORMap) visitDots(fn func(causal.Dot)) {
	for d := range m.keys {
		fn(d)
	}
	for r, covered := range m.removes {
		fn(r)
		for _, c := range covered {
			fn(c)
		}
	}
	for _, v := range m.values {
		v.visitDots(fn)
	}
}
