package datatype

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

const (
	orderKey   = "order"
	itemPrefix = "item:"
)

// Item 是列表中的一个可见元素。
type Item struct {
	ID    string
	Value crdt.State
}

// List 是元素为任意 CRDT 的有序列表，存储为一个 ORMap：
// "order" 键下的 RGA 以元素 ID 为值记录顺序，每个元素的状态存放在 "item:<ID>" 键下。
//
// 元素是否可见由顺序决定：删除元素与并发更新该元素时删除胜出，
// 残留的元素状态不可见。
type List struct {
	m *crdt.ORMap
}

// NewList 创建空列表。
func NewList() *List {
	return &List{m: crdt.NewORMap()}
}

// ListFrom 把已有的 ORMap 状态包装为 List。
func ListFrom(s crdt.State) (*List, error) {
	m, ok := s.(*crdt.ORMap)
	if !ok {
		return nil, &crdt.TypeMismatchError{ExpectedType: crdt.TypeMap, GotType: s.Type()}
	}
	if v, ok := m.Get(orderKey); ok && v.Type() != crdt.TypeRGA {
		return nil, &crdt.TypeMismatchError{Key: orderKey, ExpectedType: crdt.TypeRGA, GotType: v.Type()}
	}
	return &List{m: m}, nil
}

// State 返回底层 ORMap。
func (l *List) State() crdt.State { return l.m }

func (l *List) order() *crdt.RGA {
	r, err := crdt.Lookup[*crdt.RGA](l.m, orderKey)
	if err != nil {
		return crdt.NewRGA()
	}
	return r
}

// Items 按顺序返回可见元素。元素状态尚未到达的条目被跳过。
func (l *List) Items() []Item {
	var out []Item
	for _, e := range l.order().Elements() {
		v, ok := l.m.Get(itemPrefix + e.Value)
		if !ok {
			continue
		}
		out = append(out, Item{ID: e.Value, Value: v})
	}
	return out
}

// Values 按顺序返回每个元素的 Value。
func (l *List) Values() []any {
	items := l.Items()
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Value.Value()
	}
	return out
}

// Len 返回可见元素数量。
func (l *List) Len() int { return len(l.Items()) }

// At 返回第 i 个元素。
func (l *List) At(i int) (Item, error) {
	items := l.Items()
	if i < 0 || i >= len(items) {
		return Item{}, fmt.Errorf("%w: %d (len %d)", crdt.ErrIndexOutOfRange, i, len(items))
	}
	return items[i], nil
}

// Insert 在第 pos 个元素之前插入一个 t 类型的新元素，并在其上执行 op (可为 nil)。
// 依次产生两个原语操作：在顺序 RGA 中插入元素 ID，再写入元素状态。
func (l *List) Insert(rep *causal.Replica, pos int, t crdt.Type, op crdt.Op) (string, error) {
	items := l.Items()
	if pos < 0 || pos > len(items) {
		return "", fmt.Errorf("%w: %d (len %d)", crdt.ErrIndexOutOfRange, pos, len(items))
	}
	if !t.Valid() {
		return "", &crdt.TypeMismatchError{GotType: t}
	}
	var anchor causal.Dot
	if pos > 0 {
		anchor = l.elementDot(items[pos-1].ID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	if _, err := l.m.Update(rep, orderKey, crdt.TypeRGA, crdt.OpInsert{After: anchor, Value: id.String()}); err != nil {
		return "", err
	}
	key := itemPrefix + id.String()
	if op == nil {
		_, err = l.m.Put(rep, key, t)
	} else {
		_, err = l.m.Update(rep, key, t, op)
	}
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Update 对第 pos 个元素执行 op。
func (l *List) Update(rep *causal.Replica, pos int, op crdt.Op) (causal.Dot, error) {
	it, err := l.At(pos)
	if err != nil {
		return causal.Dot{}, err
	}
	return l.m.Update(rep, itemPrefix+it.ID, it.Value.Type(), op)
}

// Delete 删除第 pos 个元素：先从顺序中删除，再删除元素状态的键。
func (l *List) Delete(rep *causal.Replica, pos int) error {
	it, err := l.At(pos)
	if err != nil {
		return err
	}
	if _, err := l.m.Update(rep, orderKey, crdt.TypeRGA, crdt.OpDelete{Target: l.elementDot(it.ID)}); err != nil {
		return err
	}
	_, err = l.m.Delete(rep, itemPrefix+it.ID)
	return err
}

// Merge 将另一个列表合并进来。
func (l *List) Merge(other *List) error {
	return l.m.Join(other.m)
}

// String 返回便于调试的表示。
func (l *List) String() string {
	items := l.Items()
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprint(it.Value.Value())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// elementDot 返回元素 ID 在顺序 RGA 中的 dot。
func (l *List) elementDot(id string) causal.Dot {
	for _, e := range l.order().Elements() {
		if e.Value == id {
			return e.ID
		}
	}
	return causal.Dot{}
}
