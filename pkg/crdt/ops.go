package crdt

import (
	"fmt"

	"github.com/shinyes/yep_core/pkg/causal"
)

// Op 代表对 CRDT 的一次本地变更。操作集合是封闭的。
type Op interface {
	// Name 返回操作名称，用于错误信息。
	Name() string
	isOp()
}

// OpIncrement 增加计数器 (GCounter, PNCounter)。
type OpIncrement struct {
	By uint64
}

// OpDecrement 减少计数器 (PNCounter)。
type OpDecrement struct {
	By uint64
}

// OpAssign 设置寄存器的值 (LWWRegister)。
type OpAssign struct {
	Value []byte
}

// OpAdd 向集合添加元素 (GSet, ORSet)。
type OpAdd struct {
	Element string
}

// OpRemove 从集合移除元素 (ORSet)。只移除本地已观察到的添加。
type OpRemove struct {
	Element string
}

// OpInsert 在 After 之后插入元素 (RGA)。After 为零值表示插入到序列头部。
type OpInsert struct {
	After causal.Dot
	Value string
}

// OpDelete 删除 Target 标识的元素 (RGA)。
type OpDelete struct {
	Target causal.Dot
}

// OpPut 确保键存在并持有 Type 类型的嵌套值 (ORMap)。
type OpPut struct {
	Key  string
	Type Type
}

// OpUpdate 对键下的嵌套值执行 Op，必要时隐式创建该键 (ORMap)。
type OpUpdate struct {
	Key  string
	Type Type
	Op   Op
}

// OpDeleteKey 删除键 (ORMap)。并发的 OpUpdate 胜出 (add-wins)。
type OpDeleteKey struct {
	Key string
}

func (OpIncrement) Name() string { return "OpIncrement" }
func (OpDecrement) Name() string { return "OpDecrement" }
func (OpAssign) Name() string    { return "OpAssign" }
func (OpAdd) Name() string       { return "OpAdd" }
func (OpRemove) Name() string    { return "OpRemove" }
func (OpInsert) Name() string    { return "OpInsert" }
func (OpDelete) Name() string    { return "OpDelete" }
func (OpPut) Name() string       { return "OpPut" }
func (o OpUpdate) Name() string {
	if o.Op == nil {
		return "OpUpdate(nil)"
	}
	return fmt.Sprintf("OpUpdate(%s)", o.Op.Name())
}
func (OpDeleteKey) Name() string { return "OpDeleteKey" }

func (OpIncrement) isOp() {}
func (OpDecrement) isOp() {}
func (OpAssign) isOp()    {}
func (OpAdd) isOp()       {}
func (OpRemove) isOp()    {}
func (OpInsert) isOp()    {}
func (OpDelete) isOp()    {}
func (OpPut) isOp()       {}
func (OpUpdate) isOp()    {}
func (OpDeleteKey) isOp() {}

func opName(op Op) string {
	if op == nil {
		return "nil"
	}
	return op.Name()
}
