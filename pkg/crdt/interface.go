package crdt

import (
	"fmt"

	"github.com/shinyes/yep_core/pkg/causal"
)

// Type 标识 CRDT 的类型。编码时写入头部的类型标签字节。
type Type byte

const (
	TypeLWW       Type = 0x01
	TypeORSet     Type = 0x02
	TypePNCounter Type = 0x03
	TypeRGA       Type = 0x04
	TypeMap       Type = 0x05
	_             Type = 0x06 // 保留
	TypeGCounter  Type = 0x07
	TypeGSet      Type = 0x08
)

func (t Type) String() string {
	switch t {
	case TypeLWW:
		return "LWWRegister"
	case TypeORSet:
		return "ORSet"
	case TypePNCounter:
		return "PNCounter"
	case TypeRGA:
		return "RGA"
	case TypeMap:
		return "ORMap"
	case TypeGCounter:
		return "GCounter"
	case TypeGSet:
		return "GSet"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Valid 报告 t 是否是已知的类型标签。
func (t Type) Valid() bool {
	switch t {
	case TypeLWW, TypeORSet, TypePNCounter, TypeRGA, TypeMap, TypeGCounter, TypeGSet:
		return true
	}
	return false
}

// State 是所有 CRDT 状态的通用接口：一个点存储 (dot store) 加上因果上下文。
//
// 状态构成一个 join 半格：Join 满足交换律、结合律和幂等律。
// 接口是封闭的，只有本包内的类型可以实现。
type State interface {
	// Type 返回 CRDT 的类型。
	Type() Type

	// Value 返回面向用户的值。
	Value() any

	// Context 返回状态的因果上下文。调用方不应修改返回值。
	Context() *causal.Context

	// ApplyLocal 在本地副本上执行一次变更，铸造一个新 dot 并返回它。
	// 对已不存在的元素执行删除是空操作，返回零值 Dot。
	ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error)

	// Join 将 other 合并到当前状态 (原地)。
	Join(other State) error

	// Clone 返回深拷贝。
	Clone() State

	// Equal 报告两个状态 (包括上下文) 是否完全一致。
	Equal(other State) bool

	// Collect 回收 stable 中所有副本都已见过的墓碑，返回被物理删除的条目数量。
	// caughtUp 表示本地上下文已包含所有副本确认过的上下文。被回收的 dot 并入 Floor。
	Collect(stable *causal.Context, caughtUp bool) int

	// Floor 返回已被回收 (不再有对应条目) 的 dot。
	// 上下文不包含 Floor 的副本可能仍持有被回收删除所覆盖的条目，只能通过全量状态收敛。
	Floor() *causal.Context

	// 以下方法作用于点存储本身，嵌套状态通过它们共享父级上下文。

	check(op Op) error
	applyDot(rep *causal.Replica, d causal.Dot, op Op)
	joinStore(other State, mine, theirs *causal.Context)
	restrict(keep, ctx *causal.Context) State
	cloneWith(ctx *causal.Context) State
	collectStore(stable *causal.Context, caughtUp bool, gone *causal.Context) int
	equalStore(other State) bool
	isEmptyStore() bool
	payloads(prefix string, fn func(store string, d causal.Dot, fingerprint string))
	visitDots(fn func(causal.Dot))
	export(w *wireWriter) *WireState
	bind(ctx *causal.Context)
	root() *base
}

// base 持有因果上下文，嵌入到每个具体状态中。
// 嵌套在 ORMap 中的状态与父级共享同一个 *causal.Context；floor 只在顶层状态上维护。
type base struct {
	ctx   *causal.Context
	floor *causal.Context // nil 表示从未回收过
}

func (b *base) Context() *causal.Context { return b.ctx }

func (b *base) Floor() *causal.Context {
	if b.floor == nil {
		return causal.NewContext()
	}
	return b.floor
}

func (b *base) bind(ctx *causal.Context) { b.ctx = ctx }

func (b *base) root() *base { return b }

// raiseFloor 把 gone 并入 floor。
func (b *base) raiseFloor(gone *causal.Context) {
	if gone.IsEmpty() {
		return
	}
	if b.floor == nil {
		b.floor = causal.NewContext()
	}
	b.floor.MergeFrom(gone)
}

// New 创建指定类型的空状态。
func New(t Type) (State, error) {
	return newBound(t, causal.NewContext())
}

func newBound(t Type, ctx *causal.Context) (State, error) {
	switch t {
	case TypeGCounter:
		return &GCounter{base: base{ctx: ctx}, counts: make(map[causal.ActorID]count)}, nil
	case TypePNCounter:
		return &PNCounter{base: base{ctx: ctx}, pos: make(map[causal.ActorID]count), neg: make(map[causal.ActorID]count)}, nil
	case TypeLWW:
		return &LWWRegister{base: base{ctx: ctx}}, nil
	case TypeGSet:
		return &GSet{base: base{ctx: ctx}, elems: make(map[string]causal.Dot)}, nil
	case TypeORSet:
		return &ORSet{base: base{ctx: ctx}, adds: make(map[causal.Dot]string), removes: make(map[causal.Dot][]causal.Dot)}, nil
	case TypeMap:
		return &ORMap{
			base:    base{ctx: ctx},
			keys:    make(map[causal.Dot]string),
			removes: make(map[causal.Dot][]causal.Dot),
			values:  make(map[string]State),
		}, nil
	case TypeRGA:
		return &RGA{base: base{ctx: ctx}, nodes: make(map[causal.Dot]rgaNode), removes: make(map[causal.Dot]causal.Dot)}, nil
	default:
		return nil, &TypeMismatchError{GotType: t}
	}
}

func mustNew(t Type, ctx *causal.Context) State {
	s, err := newBound(t, ctx)
	if err != nil {
		panic(err)
	}
	return s
}

// Merge 返回 a 与 b 的 join，不修改任何一方。
func Merge(a, b State) (State, error) {
	out := a.Clone()
	if err := out.Join(b); err != nil {
		return nil, err
	}
	return out, nil
}

// Restrict 返回只包含 keep 中 dot 的子状态，用作增量。
// 子状态的上下文是 keep 与 s 上下文的交集，Floor 为空。
func Restrict(s State, keep *causal.Context) State {
	return s.restrict(keep, keep.Intersect(s.Context()))
}

// apply 是 ApplyLocal 的公共实现：先校验，再铸造 dot 并写入存储。
func apply(s State, rep *causal.Replica, op Op) (causal.Dot, error) {
	if rep == nil {
		return causal.Dot{}, fmt.Errorf("%w: replica is nil", ErrInvalidOp)
	}
	if err := s.check(op); err != nil {
		if err == errNoop {
			return causal.Dot{}, nil
		}
		return causal.Dot{}, err
	}
	d := rep.Mint(s.Context())
	s.applyDot(rep, d, op)
	return d, nil
}

// join 是 Join 的公共实现：先按合并前的两个上下文合并点存储，再合并上下文。
func join(s, other State) error {
	if other == nil {
		return nil
	}
	if s.Type() != other.Type() {
		return &TypeMismatchError{ExpectedType: s.Type(), GotType: other.Type()}
	}
	s.joinStore(other, s.Context(), other.Context())
	s.Context().MergeFrom(other.Context())
	// 对方已回收的条目在合并中同样被丢弃，本地从此也缺少它们
	s.root().raiseFloor(other.root().floor)
	return nil
}

// clone 是 Clone 的公共实现。
func clone(s State) State {
	out := s.cloneWith(s.Context().Clone())
	out.root().raiseFloor(s.root().floor)
	return out
}

// collect 是 Collect 的公共实现。
func collect(s State, stable *causal.Context, caughtUp bool) int {
	gone := causal.NewContext()
	n := s.collectStore(stable, caughtUp, gone)
	s.root().raiseFloor(gone)
	return n
}

// equal 是 Equal 的公共实现。
func equal(s, other State) bool {
	if other == nil || s.Type() != other.Type() {
		return false
	}
	return s.Context().Equal(other.Context()) && s.root().floor.Equal(other.root().floor) && s.equalStore(other)
}
