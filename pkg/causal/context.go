package causal

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Ordering 是两个因果上下文之间的偏序关系。
type Ordering int

const (
	Equal      Ordering = iota // 两者观察到的 dot 完全相同。
	Ancestor                   // 接收者严格被对方包含 (对方见过更多)。
	Descendant                 // 接收者严格包含对方。
	Concurrent                 // 互不包含，离线优先系统中的常见情况。
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Ancestor:
		return "Ancestor"
	case Descendant:
		return "Descendant"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// span 是闭区间 [lo, hi] 内的连续序号。
type span struct {
	lo, hi uint64
}

// Context 记录每个 actor 已观察到的 dot。
//
// 每个 actor 对应一组有序、不相交且不相邻的区间。以 1 开头的区间是该 actor 的连续前沿
// (即版本向量的分量)；其后的区间是乱序到达、尚未连续的 dot，它们被缓冲直到空洞被填补，
// 届时会自动并入前沿。
//
// Context 不是并发安全的，由拥有它的对象负责串行化写入。
type Context struct {
	spans map[ActorID][]span
}

// NewContext 创建一个空的因果上下文。
func NewContext() *Context {
	return &Context{spans: make(map[ActorID][]span)}
}

// Observe 记录 d 为已见。返回 d 是否是新观察到的。
// 非法的 dot (空 actor 或序号 0) 被忽略。
func (c *Context) Observe(d Dot) bool {
	if Validate(d) != nil || c.Covers(d) {
		return false
	}
	c.spans[d.Actor] = insertSpan(c.spans[d.Actor], span{d.Seq, d.Seq})
	return true
}

// AddRange 记录 actor 的 [lo, hi] 区间为已见。
func (c *Context) AddRange(actor ActorID, lo, hi uint64) error {
	if actor == "" || lo == 0 || lo > hi || hi == math.MaxUint64 {
		return fmt.Errorf("invalid range %s [%d, %d]", actor, lo, hi)
	}
	c.spans[actor] = insertSpan(c.spans[actor], span{lo, hi})
	return nil
}

// HasSeen 报告 d 是否在 actor 的连续前沿之内。满足连续性：HasSeen(a, n) 蕴含 HasSeen(a, m) 对所有 m < n 成立。
// 缓冲中的乱序 dot 在空洞填补之前不算已见。
func (c *Context) HasSeen(d Dot) bool {
	return d.Seq > 0 && d.Seq <= c.Frontier(d.Actor)
}

// Covers 报告 d 是否属于上下文的 dot 集合 (包括缓冲中的乱序 dot)。
// 点存储的合并与投影按集合成员关系判断，增量的上下文通常不连续。
func (c *Context) Covers(d Dot) bool {
	list := c.spans[d.Actor]
	i := sort.Search(len(list), func(i int) bool { return list[i].hi >= d.Seq })
	return i < len(list) && list[i].lo <= d.Seq && d.Seq > 0
}

// Frontier 返回 actor 的最高连续序号，即版本向量中的分量。
func (c *Context) Frontier(actor ActorID) uint64 {
	list := c.spans[actor]
	if len(list) == 0 || list[0].lo != 1 {
		return 0
	}
	return list[0].hi
}

// Max 返回 actor 已见的最高序号 (包括缓冲中的乱序 dot)。
func (c *Context) Max(actor ActorID) uint64 {
	list := c.spans[actor]
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1].hi
}

// Buffered 返回 actor 中尚未连续的 dot 数量。
func (c *Context) Buffered(actor ActorID) uint64 {
	var n uint64
	for _, s := range c.spans[actor] {
		if s.lo != 1 {
			n += s.hi - s.lo + 1
		}
	}
	return n
}

// Next 返回 actor 的下一个可用 dot。
func (c *Context) Next(actor ActorID) Dot {
	return Dot{Actor: actor, Seq: c.Max(actor) + 1}
}

// Actors 按字典序返回出现过的 actor。
func (c *Context) Actors() []ActorID {
	actors := make([]ActorID, 0, len(c.spans))
	for a := range c.spans {
		actors = append(actors, a)
	}
	slices.Sort(actors)
	return actors
}

// Ranges 按 actor 字典序、区间升序遍历所有区间。fn 返回 false 时停止。
func (c *Context) Ranges(fn func(actor ActorID, lo, hi uint64) bool) {
	for _, a := range c.Actors() {
		for _, s := range c.spans[a] {
			if !fn(a, s.lo, s.hi) {
				return
			}
		}
	}
}

// Len 返回已见 dot 的总数。
func (c *Context) Len() uint64 {
	var n uint64
	for _, list := range c.spans {
		for _, s := range list {
			n += s.hi - s.lo + 1
		}
	}
	return n
}

// IsEmpty 报告上下文是否没有任何 dot。
func (c *Context) IsEmpty() bool {
	return c == nil || len(c.spans) == 0
}

// VersionVector 返回每个 actor 的连续前沿。
func (c *Context) VersionVector() map[ActorID]uint64 {
	vv := make(map[ActorID]uint64, len(c.spans))
	for a := range c.spans {
		if f := c.Frontier(a); f > 0 {
			vv[a] = f
		}
	}
	return vv
}

// Clone 返回深拷贝。
func (c *Context) Clone() *Context {
	out := &Context{spans: make(map[ActorID][]span, len(c.spans))}
	for a, list := range c.spans {
		out.spans[a] = slices.Clone(list)
	}
	return out
}

// MergeFrom 将 other 并入 c (原地)。
func (c *Context) MergeFrom(other *Context) {
	if other == nil {
		return
	}
	for a, list := range other.spans {
		c.spans[a] = unionSpans(c.spans[a], list)
	}
}

// Merge 返回 c 与 other 的并集，不修改任何一方。
// 并集满足交换律、结合律和幂等律。
func (c *Context) Merge(other *Context) *Context {
	out := c.Clone()
	out.MergeFrom(other)
	return out
}

// Subtract 返回 c 中有而 other 中没有的 dot。
func (c *Context) Subtract(other *Context) *Context {
	out := NewContext()
	for a, list := range c.spans {
		var rest []span
		if other != nil {
			rest = subtractSpans(list, other.spans[a])
		} else {
			rest = slices.Clone(list)
		}
		if len(rest) > 0 {
			out.spans[a] = rest
		}
	}
	return out
}

// Intersect 返回 c 与 other 都见过的 dot (格上的 meet)。
func (c *Context) Intersect(other *Context) *Context {
	out := NewContext()
	if other == nil {
		return out
	}
	for a, list := range c.spans {
		if both := intersectSpans(list, other.spans[a]); len(both) > 0 {
			out.spans[a] = both
		}
	}
	return out
}

// Contains 报告 other 中的每个 dot 是否都被 c 见过。
func (c *Context) Contains(other *Context) bool {
	if other == nil {
		return true
	}
	for a, list := range other.spans {
		mine := c.spans[a]
		for _, s := range list {
			i := sort.Search(len(mine), func(i int) bool { return mine[i].hi >= s.lo })
			if i == len(mine) || mine[i].lo > s.lo || mine[i].hi < s.hi {
				return false
			}
		}
	}
	return true
}

// Overlaps 报告两个上下文是否有共同的 actor。
func (c *Context) Overlaps(other *Context) bool {
	if other == nil {
		return false
	}
	for a := range c.spans {
		if _, ok := other.spans[a]; ok {
			return true
		}
	}
	return false
}

// Compare 比较两个上下文。
func (c *Context) Compare(other *Context) Ordering {
	mine, theirs := c.Contains(other), other.Contains(c)
	switch {
	case mine && theirs:
		return Equal
	case theirs:
		return Ancestor
	case mine:
		return Descendant
	default:
		return Concurrent
	}
}

// Equal 报告两个上下文是否包含完全相同的 dot。
func (c *Context) Equal(other *Context) bool {
	if c.IsEmpty() || other.IsEmpty() {
		return c.IsEmpty() && other.IsEmpty()
	}
	if len(c.spans) != len(other.spans) {
		return false
	}
	for a, list := range c.spans {
		if !slices.Equal(list, other.spans[a]) {
			return false
		}
	}
	return true
}

func (c *Context) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	c.Ranges(func(a ActorID, lo, hi uint64) bool {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		if lo == hi {
			fmt.Fprintf(&sb, "%s:%d", a, lo)
		} else {
			fmt.Fprintf(&sb, "%s:%d-%d", a, lo, hi)
		}
		return true
	})
	sb.WriteByte('}')
	return sb.String()
}

// insertSpan 将 s 并入有序区间列表，合并重叠或相邻的区间。
func insertSpan(list []span, s span) []span {
	i := sort.Search(len(list), func(i int) bool { return list[i].hi >= s.lo-1 })
	j := i
	for j < len(list) && list[j].lo-1 <= s.hi {
		s.lo = min(s.lo, list[j].lo)
		s.hi = max(s.hi, list[j].hi)
		j++
	}
	out := make([]span, 0, len(list)-(j-i)+1)
	out = append(out, list[:i]...)
	out = append(out, s)
	return append(out, list[j:]...)
}

func unionSpans(a, b []span) []span {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return slices.Clone(b)
	}
	all := make([]span, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	slices.SortFunc(all, func(x, y span) int {
		switch {
		case x.lo < y.lo:
			return -1
		case x.lo > y.lo:
			return 1
		default:
			return 0
		}
	})
	out := all[:1]
	for _, s := range all[1:] {
		last := &out[len(out)-1]
		if s.lo-1 <= last.hi {
			last.hi = max(last.hi, s.hi)
			continue
		}
		out = append(out, s)
	}
	return slices.Clip(out)
}

func subtractSpans(a, b []span) []span {
	var out []span
	j := 0
	for _, s := range a {
		cur := s.lo
		for j < len(b) && b[j].hi < cur {
			j++
		}
		k := j
		for k < len(b) && b[k].lo <= s.hi {
			if b[k].lo > cur {
				out = append(out, span{cur, b[k].lo - 1})
			}
			if b[k].hi >= s.hi {
				cur = s.hi + 1
				break
			}
			cur = max(cur, b[k].hi+1)
			k++
		}
		if cur <= s.hi {
			out = append(out, span{cur, s.hi})
		}
	}
	return out
}

func intersectSpans(a, b []span) []span {
	var out []span
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo, hi := max(a[i].lo, b[j].lo), min(a[i].hi, b[j].hi)
		if lo <= hi {
			out = append(out, span{lo, hi})
		}
		if a[i].hi < b[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}
