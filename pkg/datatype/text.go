// Package datatype 在 CRDT 原语之上提供面向应用的数据类型：Text、Number 与 List。
//
// 每个高层操作都映射为一段确定的原语操作序列，因此任何副本重放操作日志
// 只依赖因果顺序，不依赖到达顺序。数据类型只是外观，真正被同步和持久化的始终是底层状态。
package datatype

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

// Text 是以字素簇 (grapheme cluster) 为元素的协同文本，存储为一个 RGA。
type Text struct {
	rga *crdt.RGA
}

// NewText 创建空文本。
func NewText() *Text {
	return &Text{rga: crdt.NewRGA()}
}

// TextFrom 把已有的 RGA 状态 (例如解码结果或 ORMap 中的嵌套值) 包装为 Text。
func TextFrom(s crdt.State) (*Text, error) {
	r, ok := s.(*crdt.RGA)
	if !ok {
		return nil, &crdt.TypeMismatchError{ExpectedType: crdt.TypeRGA, GotType: s.Type()}
	}
	return &Text{rga: r}, nil
}

// State 返回底层 RGA，用于编码、增量计算与合并。
func (t *Text) State() crdt.State { return t.rga }

// String 返回当前文本。
func (t *Text) String() string {
	var sb strings.Builder
	for _, e := range t.rga.Elements() {
		sb.WriteString(e.Value)
	}
	return sb.String()
}

// Len 返回可见的元素 (字素簇) 数量。
func (t *Text) Len() int { return t.rga.Len() }

// Insert 在第 pos 个元素之前插入 s，pos 的取值范围是 [0, Len()]。
// s 被切分为字素簇，依次插入到前一个簇之后，返回每个簇的 dot。
func (t *Text) Insert(rep *causal.Replica, pos int, s string) ([]causal.Dot, error) {
	if pos < 0 || pos > t.Len() {
		return nil, fmt.Errorf("%w: %d (len %d)", crdt.ErrIndexOutOfRange, pos, t.Len())
	}
	var anchor causal.Dot
	if pos > 0 {
		prev, err := t.rga.At(pos - 1)
		if err != nil {
			return nil, err
		}
		anchor = prev.ID
	}

	var dots []causal.Dot
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		d, err := t.rga.InsertAfter(rep, anchor, g.Str())
		if err != nil {
			return dots, err
		}
		dots = append(dots, d)
		anchor = d
	}
	return dots, nil
}

// Delete 删除从 pos 开始的 n 个元素，返回删除 dot。
// 目标元素在任何删除之前一次性解析，避免位置随删除漂移。
func (t *Text) Delete(rep *causal.Replica, pos, n int) ([]causal.Dot, error) {
	if n < 0 || pos < 0 || pos+n > t.Len() {
		return nil, fmt.Errorf("%w: [%d, %d) (len %d)", crdt.ErrIndexOutOfRange, pos, pos+n, t.Len())
	}
	elems := t.rga.Elements()[pos : pos+n]
	dots := make([]causal.Dot, 0, n)
	for _, e := range elems {
		d, err := t.rga.Delete(rep, e.ID)
		if err != nil {
			return dots, err
		}
		dots = append(dots, d)
	}
	return dots, nil
}

// Replace 用 s 替换从 pos 开始的 n 个元素。
func (t *Text) Replace(rep *causal.Replica, pos, n int, s string) error {
	if _, err := t.Delete(rep, pos, n); err != nil {
		return err
	}
	_, err := t.Insert(rep, pos, s)
	return err
}

// Merge 将另一份文本合并进来。
func (t *Text) Merge(other *Text) error {
	return t.rga.Join(other.rga)
}
