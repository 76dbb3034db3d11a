package causal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ActorID 全局唯一地标识一个副本 (设备/进程)。分配后不可变，永不复用。
type ActorID string

// NewActorID 生成一个新的 ActorID (UUIDv7，按创建时间有序)。
func NewActorID() (ActorID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	return ActorID(id.String()), nil
}

// Dot 标识某个 actor 发出的一次原子操作。
// 同一 actor 的序号严格递增且从 1 开始，0 不是合法序号。
type Dot struct {
	Actor ActorID
	Seq   uint64
}

// IsZero 报告 d 是否为零值。RGA 使用零值 Dot 表示虚拟头节点。
func (d Dot) IsZero() bool {
	return d.Actor == "" && d.Seq == 0
}

// Compare 按 (Actor, Seq) 排序，返回 -1, 0, 1。
func (d Dot) Compare(o Dot) int {
	if c := strings.Compare(string(d.Actor), string(o.Actor)); c != 0 {
		return c
	}
	switch {
	case d.Seq < o.Seq:
		return -1
	case d.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

// Less 报告 d 是否排在 o 之前。
func (d Dot) Less(o Dot) bool {
	return d.Compare(o) < 0
}

func (d Dot) String() string {
	return string(d.Actor) + "@" + strconv.FormatUint(d.Seq, 10)
}

// ParseDot 解析 Dot.String 的输出。
func ParseDot(s string) (Dot, error) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 {
		return Dot{}, fmt.Errorf("invalid dot %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Dot{}, fmt.Errorf("invalid dot %q: %w", s, err)
	}
	d := Dot{Actor: ActorID(s[:i]), Seq: seq}
	if err := Validate(d); err != nil {
		return Dot{}, err
	}
	return d, nil
}

// Validate 检查 dot 的基本合法性。
func Validate(d Dot) error {
	if d.Actor == "" {
		return &ViolationError{Dot: d, Reason: "empty actor id"}
	}
	if d.Seq == 0 {
		return &ViolationError{Dot: d, Reason: "sequence number 0"}
	}
	return nil
}

// ErrCausalityViolation 表示观察到了不可能的因果关系，
// 例如序号被复用 (同一个 dot 携带不同内容)。这意味着对端有缺陷或是恶意的，永远不自动修复。
var ErrCausalityViolation = errors.New("causality violation")

// ViolationError 描述一次具体的因果违规。
type ViolationError struct {
	Dot    Dot
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%v: dot %s: %s", ErrCausalityViolation, e.Dot, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrCausalityViolation
}
