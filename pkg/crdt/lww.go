package crdt

import (
	"bytes"
	"slices"
	"strconv"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/hlc"
)

// lwwEntry 是寄存器当前的胜出写入。
type lwwEntry struct {
	Value     []byte
	Dot       causal.Dot
	Timestamp int64 // HLC 时间戳
}

// wins 报告 e 是否胜过 o：先比较时间戳，再比较 actor (字典序大者胜)，再比较序号。
// 同一个 dot 只会对应一个写入，值的比较只是为了在异常输入下也保持确定性。
func (e *lwwEntry) wins(o *lwwEntry) bool {
	if o == nil {
		return true
	}
	if c := hlc.Compare(e.Timestamp, o.Timestamp); c != 0 {
		return c > 0
	}
	if c := e.Dot.Compare(o.Dot); c != 0 {
		return c > 0
	}
	return bytes.Compare(e.Value, o.Value) > 0
}

func (e *lwwEntry) clone() *lwwEntry {
	if e == nil {
		return nil
	}
	return &lwwEntry{Value: slices.Clone(e.Value), Dot: e.Dot, Timestamp: e.Timestamp}
}

// LWWRegister 实现最后写入胜出 (Last-Write-Wins) 寄存器。
type LWWRegister struct {
	base
	entry *lwwEntry
}

// NewLWWRegister 创建一个未赋值的 LWWRegister。
func NewLWWRegister() *LWWRegister {
	return mustNew(TypeLWW, causal.NewContext()).(*LWWRegister)
}

func (r *LWWRegister) Type() Type { return TypeLWW }

// Value 返回当前值，未赋值时为 nil。
func (r *LWWRegister) Value() any {
	if r.entry == nil {
		return []byte(nil)
	}
	return slices.Clone(r.entry.Value)
}

// Bytes 返回当前值。
func (r *LWWRegister) Bytes() []byte {
	return r.Value().([]byte)
}

// Timestamp 返回胜出写入的 HLC 时间戳，未赋值时为 0。
func (r *LWWRegister) Timestamp() int64 {
	if r.entry == nil {
		return 0
	}
	return r.entry.Timestamp
}

// Set 赋值。
func (r *LWWRegister) Set(rep *causal.Replica, v []byte) (causal.Dot, error) {
	return r.ApplyLocal(rep, OpAssign{Value: v})
}

func (r *LWWRegister) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(r, rep, op)
}

func (r *LWWRegister) check(op Op) error {
	if _, ok := op.(OpAssign); !ok {
		return invalidOp(TypeLWW, op)
	}
	return nil
}

// applyDot 写入的时间戳至少比当前胜出者大 1，保证本地写入总是胜过它已观察到的值。
func (r *LWWRegister) applyDot(rep *causal.Replica, d causal.Dot, op Op) {
	ts := rep.Now()
	if r.entry != nil && ts <= r.entry.Timestamp {
		rep.Clock.Update(r.entry.Timestamp)
		ts = rep.Now()
	}
	r.entry = &lwwEntry{Value: slices.Clone(op.(OpAssign).Value), Dot: d, Timestamp: ts}
}

func (r *LWWRegister) Join(other State) error { return join(r, other) }

func (r *LWWRegister) joinStore(other State, _, _ *causal.Context) {
	if o := other.(*LWWRegister).entry; o != nil && o.wins(r.entry) {
		r.entry = o.clone()
	}
}

func (r *LWWRegister) Clone() State { return clone(r) }

func (r *LWWRegister) cloneWith(ctx *causal.Context) State {
	return &LWWRegister{base: base{ctx: ctx}, entry: r.entry.clone()}
}

func (r *LWWRegister) restrict(keep, ctx *causal.Context) State {
	out := &LWWRegister{base: base{ctx: ctx}}
	if r.entry != nil && keep.Covers(r.entry.Dot) {
		out.entry = r.entry.clone()
	}
	return out
}

func (r *LWWRegister) Equal(other State) bool { return equal(r, other) }

func (r *LWWRegister) equalStore(other State) bool {
	a, b := r.entry, other.(*LWWRegister).entry
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Dot == b.Dot && a.Timestamp == b.Timestamp && bytes.Equal(a.Value, b.Value)
}

func (r *LWWRegister) isEmptyStore() bool { return r.entry == nil }

func (r *LWWRegister) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(r, stable, caughtUp)
}

func (r *LWWRegister) collectStore(*causal.Context, bool, *causal.Context) int { return 0 }

func (r *LWWRegister) payloads(prefix string, fn func(string, causal.Dot, string)) {
	if r.entry != nil {
		fn(prefix+"r", r.entry.Dot, strconv.FormatInt(r.entry.Timestamp, 10)+":"+string(r.entry.Value))
	}
}

func (r *LWWRegister) visitDots(fn func(causal.Dot)) {
	if r.entry != nil {
		fn(r.entry.Dot)
	}
}
