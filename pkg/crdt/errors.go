package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOp       = errors.New("此 CRDT 类型的操作无效")
	ErrInvalidData     = errors.New("无效的 CRDT 数据")
	ErrKeyNotFound     = errors.New("键不存在")
	ErrTypeMismatch    = errors.New("类型不匹配")
	ErrAnchorNotFound  = errors.New("锚点不存在")
	ErrElementNotFound = errors.New("元素不存在")
	ErrIndexOutOfRange = errors.New("索引越界")
)

// errNoop 由 check 返回，表示操作合法但无需铸造 dot。
var errNoop = errors.New("noop")

// InvalidDataError 描述无法解释的状态数据。
type InvalidDataError struct {
	CRDTType   Type
	Reason     string
	DataLength int // -1 表示未知
}

// NewInvalidDataError 创建一个数据长度未知的 InvalidDataError。
func NewInvalidDataError(t Type, reason string) *InvalidDataError {
	return &InvalidDataError{CRDTType: t, Reason: reason, DataLength: -1}
}

func (e *InvalidDataError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v: 类型 %d", ErrInvalidData, e.CRDTType)
	if e.Reason != "" {
		fmt.Fprintf(&sb, ", 原因: %s", e.Reason)
	}
	if e.DataLength >= 0 {
		fmt.Fprintf(&sb, ", 数据长度: %d", e.DataLength)
	}
	return sb.String()
}

func (e *InvalidDataError) Unwrap() error { return ErrInvalidData }

// InvalidOpError 表示操作不适用于该 CRDT 类型。
type InvalidOpError struct {
	CRDTType Type
	GotOp    string
}

func (e *InvalidOpError) Error() string {
	return fmt.Sprintf("操作类型不匹配: CRDT 类型 %d 不支持 %s", e.CRDTType, e.GotOp)
}

func (e *InvalidOpError) Unwrap() error { return ErrInvalidOp }

func invalidOp(t Type, op Op) error {
	return &InvalidOpError{CRDTType: t, GotOp: opName(op)}
}

// KeyNotFoundError 表示 ORMap 中不存在该键。
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("键 '%s' 不存在", e.Key)
}

func (e *KeyNotFoundError) Unwrap() error { return ErrKeyNotFound }

// TypeMismatchError 表示期望的类型与实际类型不同。
type TypeMismatchError struct {
	Key          string
	ExpectedType Type
	GotType      Type
}

func (e *TypeMismatchError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("类型不匹配: 期望类型 %d, 得到类型 %d", e.ExpectedType, e.GotType)
	}
	return fmt.Sprintf("类型不匹配: 键 '%s' 期望类型 %d, 得到类型 %d", e.Key, e.ExpectedType, e.GotType)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }
