package datatype

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

// Mode 决定 Number 的合并语义，按字段选择。
type Mode int

const (
	// Counter 模式下并发的增减全部累加 (PNCounter)。
	Counter Mode = iota
	// Register 模式下最后一次写入胜出 (LWWRegister)。
	Register
)

func (m Mode) String() string {
	switch m {
	case Counter:
		return "Counter"
	case Register:
		return "Register"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Number 是数值字段。
type Number struct {
	mode    Mode
	counter *crdt.PNCounter
	reg     *crdt.LWWRegister
}

// NewNumber 创建指定模式的数值，初始值为 0。
func NewNumber(mode Mode) (*Number, error) {
	switch mode {
	case Counter:
		return &Number{mode: mode, counter: crdt.NewPNCounter()}, nil
	case Register:
		return &Number{mode: mode, reg: crdt.NewLWWRegister()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown number mode %v", crdt.ErrInvalidOp, mode)
	}
}

// NumberFrom 按状态类型推断模式并包装。
func NumberFrom(s crdt.State) (*Number, error) {
	switch v := s.(type) {
	case *crdt.PNCounter:
		return &Number{mode: Counter, counter: v}, nil
	case *crdt.LWWRegister:
		if _, err := decodeFloat(v.Bytes()); err != nil {
			return nil, err
		}
		return &Number{mode: Register, reg: v}, nil
	default:
		return nil, &crdt.TypeMismatchError{ExpectedType: crdt.TypePNCounter, GotType: s.Type()}
	}
}

// Mode 返回数值的合并模式。
func (n *Number) Mode() Mode { return n.mode }

// State 返回底层状态。
func (n *Number) State() crdt.State {
	if n.mode == Counter {
		return n.counter
	}
	return n.reg
}

// Value 返回当前值。
func (n *Number) Value() float64 {
	if n.mode == Counter {
		return float64(n.counter.Total())
	}
	f, _ := decodeFloat(n.reg.Bytes())
	return f
}

// Int 返回计数器的整数值。寄存器模式下截断小数部分。
func (n *Number) Int() int64 {
	if n.mode == Counter {
		return n.counter.Total()
	}
	return int64(n.Value())
}

// Add 累加 delta，只在 Counter 模式下可用。delta 为 0 时是空操作。
func (n *Number) Add(rep *causal.Replica, delta int64) (causal.Dot, error) {
	if n.mode != Counter {
		return causal.Dot{}, &crdt.InvalidOpError{CRDTType: crdt.TypeLWW, GotOp: crdt.OpIncrement{}.Name()}
	}
	switch {
	case delta > 0:
		return n.counter.Increment(rep, uint64(delta))
	case delta < 0:
		return n.counter.Decrement(rep, uint64(-delta))
	default:
		return causal.Dot{}, nil
	}
}

// Set 写入 v，只在 Register 模式下可用。
func (n *Number) Set(rep *causal.Replica, v float64) (causal.Dot, error) {
	if n.mode != Register {
		return causal.Dot{}, &crdt.InvalidOpError{CRDTType: crdt.TypePNCounter, GotOp: crdt.OpAssign{}.Name()}
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return causal.Dot{}, fmt.Errorf("encode number: %w", err)
	}
	return n.reg.Set(rep, b)
}

// Merge 合并另一个同模式的数值。
func (n *Number) Merge(other *Number) error {
	return n.State().Join(other.State())
}

// decodeFloat 解码寄存器中的数值，空寄存器为 0。
func decodeFloat(b []byte) (float64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	var f float64
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return 0, crdt.NewInvalidDataError(crdt.TypeLWW, "寄存器中不是数值: "+err.Error())
	}
	return f, nil
}
