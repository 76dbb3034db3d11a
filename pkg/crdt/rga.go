package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// rgaNode 是 RGA 中的一个元素。Origin 是插入时紧邻其左侧的元素 (零值 Dot 表示虚拟头节点)。
// Stamp 是 Lamport 时间戳：插入时取本地已见过的最大值加 1，
// 因此新元素总是排在它插入时已观察到的兄弟节点之前。
type rgaNode struct {
	Origin causal.Dot
	Stamp  uint64
	Value  string
}

// Element 是 RGA 中一个可见元素及其稳定标识。
type Element struct {
	ID    causal.Dot
	Value string
}

// RGA 实现复制可增长数组 (Replicated Growable Array)。
//
// 元素以插入 dot 为键存放在 arena 中，通过 Origin 形成一棵以虚拟头节点为根的树。
// 兄弟节点按 (Stamp 降序, Dot 降序) 排列，树的前序遍历即为序列顺序。
// 删除铸造一个删除 dot 并指向目标元素；被删除的元素作为墓碑保留，
// 直到删除因果稳定且该元素成为叶子时才由 Collect 回收。
// 锚点未知的元素 (孤儿) 不可见，直到锚点到达。
type RGA struct {
	base
	nodes   map[causal.Dot]rgaNode
	removes map[causal.Dot]causal.Dot // 删除 dot -> 目标元素
	stamp   uint64                    // 已见过的最大 Lamport 时间戳

	// 派生缓存，存储变更时置空
	order   []causal.Dot
	deleted map[causal.Dot]struct{}
}

// NewRGA 创建一个空的 RGA。
func NewRGA() *RGA {
	return mustNew(TypeRGA, causal.NewContext()).(*RGA)
}

func (r *RGA) Type() Type { return TypeRGA }

// Value 按顺序返回可见元素的值。
func (r *RGA) Value() any {
	elems := r.Elements()
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = e.Value
	}
	return out
}

// Elements 按顺序返回可见元素。
func (r *RGA) Elements() []Element {
	r.ensureOrder()
	out := make([]Element, 0, len(r.order))
	for _, d := range r.order {
		if _, gone := r.deleted[d]; !gone {
			out = append(out, Element{ID: d, Value: r.nodes[d].Value})
		}
	}
	return out
}

// Len 返回可见元素数量。
func (r *RGA) Len() int {
	r.ensureOrder()
	n := 0
	for _, d := range r.order {
		if _, gone := r.deleted[d]; !gone {
			n++
		}
	}
	return n
}

// At 返回第 i 个可见元素。
func (r *RGA) At(i int) (Element, error) {
	elems := r.Elements()
	if i < 0 || i >= len(elems) {
		return Element{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, len(elems))
	}
	return elems[i], nil
}

// IndexOf 返回 id 在可见元素中的位置，不存在或已删除时返回 -1。
func (r *RGA) IndexOf(id causal.Dot) int {
	for i, e := range r.Elements() {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Tombstones 返回尚未回收的被删除元素数量。
func (r *RGA) Tombstones() int {
	n := 0
	for d := range r.nodes {
		if r.isDeleted(d) {
			n++
		}
	}
	return n
}

// InsertAfter 在 after 之后插入 v。after 为零值表示插入到头部。
func (r *RGA) InsertAfter(rep *causal.Replica, after causal.Dot, v string) (causal.Dot, error) {
	return r.ApplyLocal(rep, OpInsert{After: after, Value: v})
}

// InsertAt 使 v 成为第 i 个可见元素，i 的取值范围是 [0, Len()]。
func (r *RGA) InsertAt(rep *causal.Replica, i int, v string) (causal.Dot, error) {
	var after causal.Dot
	if i != 0 {
		prev, err := r.At(i - 1)
		if err != nil {
			return causal.Dot{}, err
		}
		after = prev.ID
	}
	return r.InsertAfter(rep, after, v)
}

// Delete 删除 id 标识的元素。
func (r *RGA) Delete(rep *causal.Replica, id causal.Dot) (causal.Dot, error) {
	return r.ApplyLocal(rep, OpDelete{Target: id})
}

// RemoveAt 删除第 i 个可见元素。
func (r *RGA) RemoveAt(rep *causal.Replica, i int) (causal.Dot, error) {
	e, err := r.At(i)
	if err != nil {
		return causal.Dot{}, err
	}
	return r.Delete(rep, e.ID)
}

func (r *RGA) ApplyLocal(rep *causal.Replica, op Op) (causal.Dot, error) {
	return apply(r, rep, op)
}

func (r *RGA) check(op Op) error {
	switch o := op.(type) {
	case OpInsert:
		if o.After.IsZero() {
			return nil
		}
		// 不允许锚定在墓碑上，否则墓碑回收后新元素会成为孤儿
		if _, ok := r.nodes[o.After]; !ok || r.isDeleted(o.After) || !r.reachable(o.After) {
			return fmt.Errorf("%w: %s", ErrAnchorNotFound, o.After)
		}
		return nil
	case OpDelete:
		if _, ok := r.nodes[o.Target]; !ok {
			return fmt.Errorf("%w: %s", ErrElementNotFound, o.Target)
		}
		if r.isDeleted(o.Target) {
			return errNoop
		}
		return nil
	default:
		return invalidOp(TypeRGA, op)
	}
}

func (r *RGA) applyDot(_ *causal.Replica, d causal.Dot, op Op) {
	switch o := op.(type) {
	case OpInsert:
		r.stamp++
		r.nodes[d] = rgaNode{Origin: o.After, Stamp: r.stamp, Value: o.Value}
	case OpDelete:
		r.removes[d] = o.Target
	}
	r.invalidate()
}

func (r *RGA) Join(other State) error { return join(r, other) }

func (r *RGA) joinStore(other State, mine, theirs *causal.Context) {
	o := other.(*RGA)
	joinDots(r.nodes, o.nodes, mine, theirs, same[rgaNode])
	joinDots(r.removes, o.removes, mine, theirs, same[causal.Dot])
	r.stamp = max(r.stamp, o.stamp)
	r.invalidate()
}

func (r *RGA) Clone() State { return clone(r) }

func (r *RGA) cloneWith(ctx *causal.Context) State {
	return &RGA{base: base{ctx: ctx}, nodes: maps.Clone(r.nodes), removes: maps.Clone(r.removes), stamp: r.stamp}
}

func (r *RGA) restrict(keep, ctx *causal.Context) State {
	out := &RGA{
		base:    base{ctx: ctx},
		nodes:   restrictDots(r.nodes, keep, same[rgaNode]),
		removes: restrictDots(r.removes, keep, same[causal.Dot]),
	}
	out.resetStamp()
	return out
}

func (r *RGA) Equal(other State) bool { return equal(r, other) }

func (r *RGA) equalStore(other State) bool {
	o := other.(*RGA)
	return maps.Equal(r.nodes, o.nodes) && maps.Equal(r.removes, o.removes)
}

func (r *RGA) isEmptyStore() bool { return len(r.nodes) == 0 && len(r.removes) == 0 }

// Collect 回收删除已稳定的叶子墓碑，并重复直到没有新的叶子出现。
// 只有在 caughtUp 时才回收：此时任何以该墓碑为锚点的插入都已在本地可见。
func (r *RGA) Collect(stable *causal.Context, caughtUp bool) int {
	return collect(r, stable, caughtUp)
}

func (r *RGA) collectStore(stable *causal.Context, caughtUp bool, gone *causal.Context) int {
	if !caughtUp {
		return 0
	}
	n := 0
	for {
		parents := make(map[causal.Dot]struct{}, len(r.nodes))
		for _, node := range r.nodes {
			parents[node.Origin] = struct{}{}
		}
		progressed := false
		for rd, target := range r.removes {
			if !stable.Covers(rd) {
				continue
			}
			if _, ok := r.nodes[target]; !ok {
				delete(r.removes, rd)
				gone.Observe(rd)
				n++
				continue
			}
			if _, ok := parents[target]; ok || !stable.Covers(target) {
				continue
			}
			delete(r.nodes, target)
			delete(r.removes, rd)
			gone.Observe(rd)
			gone.Observe(target)
			n += 2
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if n > 0 {
		r.invalidate()
	}
	return n
}

func (r *RGA) payloads(prefix string, fn func(string, causal.Dot, string)) {
	for d, node := range r.nodes {
		fn(prefix+"i", d, node.Origin.String()+"|"+u64(node.Stamp)+"|"+node.Value)
	}
	for rd, target := range r.removes {
		fn(prefix+"d", rd, target.String())
	}
}

func (r *RGA) visitDots(fn func(causal.Dot)) {
	for d, node := range r.nodes {
		fn(d)
		if !node.Origin.IsZero() {
			fn(node.Origin)
		}
	}
	for rd, target := range r.removes {
		fn(rd)
		fn(target)
	}
}

func (r *RGA) invalidate() {
	r.order = nil
	r.deleted = nil
}

func (r *RGA) resetStamp() {
	r.stamp = 0
	for _, node := range r.nodes {
		r.stamp = max(r.stamp, node.Stamp)
	}
}

func (r *RGA) isDeleted(d causal.Dot) bool {
	r.ensureOrder()
	_, ok := r.deleted[d]
	return ok
}

// reachable 报告 d 是否能从头节点到达 (即不是孤儿)。
func (r *RGA) reachable(d causal.Dot) bool {
	for range len(r.nodes) + 1 {
		if d.IsZero() {
			return true
		}
		node, ok := r.nodes[d]
		if !ok {
			return false
		}
		d = node.Origin
	}
	return false
}

// siblingOrder 按 (Stamp 降序, Dot 降序) 排序。
func (r *RGA) siblingOrder(a, b causal.Dot) int {
	sa, sb := r.nodes[a].Stamp, r.nodes[b].Stamp
	if sa != sb {
		if sa > sb {
			return -1
		}
		return 1
	}
	return b.Compare(a)
}

// ensureOrder 重建序列顺序：从头节点出发的迭代前序遍历，孤儿不可达因而不出现。
func (r *RGA) ensureOrder() {
	if r.order != nil {
		return
	}
	children := make(map[causal.Dot][]causal.Dot, len(r.nodes))
	for d, node := range r.nodes {
		children[node.Origin] = append(children[node.Origin], d)
	}
	for _, list := range children {
		slices.SortFunc(list, r.siblingOrder)
	}

	order := make([]causal.Dot, 0, len(r.nodes))
	stack := slices.Clone(children[causal.Dot{}])
	slices.Reverse(stack)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, d)
		kids := children[d]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	deleted := make(map[causal.Dot]struct{}, len(r.removes))
	for _, target := range r.removes {
		deleted[target] = struct{}{}
	}
	r.order = order
	r.deleted = deleted
}
