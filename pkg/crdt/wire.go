package crdt

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/shinyes/yep_core/pkg/causal"
)

// 以下 Wire* 类型是状态的可序列化形式，由 codec 包以 msgpack (当前) 或 JSON (旧版) 编码。
// 所有 dot 通过 actor 表索引引用 actor，actor 表按字典序排列；
// 所有列表都按确定的顺序排列，因此相同的状态总是产生相同的字节。

// WireDot 是 (actor 索引, 序号)。
type WireDot struct {
	_msgpack struct{} `msgpack:",as_array"`
	Actor    uint32   `json:"a"`
	Seq      uint64   `json:"s"`
}

// WireSpan 是某个 actor 的闭区间 [Lo, Hi]。
type WireSpan struct {
	_msgpack struct{} `msgpack:",as_array"`
	Actor    uint32   `json:"a"`
	Lo       uint64   `json:"l"`
	Hi       uint64   `json:"h"`
}

// WireCount 是计数器中某个 actor 的累计值。
type WireCount struct {
	_msgpack struct{} `msgpack:",as_array"`
	Actor    uint32   `json:"a"`
	Seq      uint64   `json:"s"`
	Total    uint64   `json:"t"`
}

// WireRegister 是 LWW 寄存器的胜出写入。
type WireRegister struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Dot       WireDot  `json:"d"`
	Timestamp int64    `json:"ts"`
	Value     []byte   `json:"v"`
}

// WireElem 是带 dot 的集合元素或映射键。
type WireElem struct {
	_msgpack struct{} `msgpack:",as_array"`
	Dot      WireDot  `json:"d"`
	Value    string   `json:"v"`
}

// WireRemove 是删除记录及其覆盖的 dot。RGA 的删除记录只覆盖一个目标元素。
type WireRemove struct {
	_msgpack struct{}  `msgpack:",as_array"`
	Dot      WireDot   `json:"d"`
	Covered  []WireDot `json:"c"`
}

// WireNode 是 RGA 元素。Origin 为 nil 表示锚定在头节点。
type WireNode struct {
	_msgpack struct{} `msgpack:",as_array"`
	Dot      WireDot  `json:"d"`
	Origin   *WireDot `json:"o"`
	Stamp    uint64   `json:"t"`
	Value    string   `json:"v"`
}

// WireEntry 是 ORMap 中的一个嵌套值。
type WireEntry struct {
	_msgpack struct{}   `msgpack:",as_array"`
	Key      string     `json:"k"`
	Type     Type       `json:"t"`
	State    *WireState `json:"s"`
}

// WireContext 是因果上下文的可序列化形式。
type WireContext struct {
	Actors []string   `msgpack:"a,omitempty" json:"a,omitempty"`
	Spans  []WireSpan `msgpack:"c,omitempty" json:"c,omitempty"`
}

// WireState 是状态的可序列化形式。嵌套状态的 Actors 与 Context 为空，沿用顶层的。
type WireState struct {
	Actors   []string      `msgpack:"a,omitempty" json:"a,omitempty"`
	Context  []WireSpan    `msgpack:"c,omitempty" json:"c,omitempty"`
	Pos      []WireCount   `msgpack:"p,omitempty" json:"p,omitempty"`
	Neg      []WireCount   `msgpack:"n,omitempty" json:"n,omitempty"`
	Register *WireRegister `msgpack:"r,omitempty" json:"r,omitempty"`
	Elems    []WireElem    `msgpack:"e,omitempty" json:"e,omitempty"`
	Removes  []WireRemove  `msgpack:"x,omitempty" json:"x,omitempty"`
	Nodes    []WireNode    `msgpack:"g,omitempty" json:"g,omitempty"`
	Entries  []WireEntry   `msgpack:"k,omitempty" json:"k,omitempty"`
	Floor    []WireSpan    `msgpack:"f,omitempty" json:"f,omitempty"`
}

type wireWriter struct {
	actors []causal.ActorID
	index  map[causal.ActorID]uint32
}

func newWireWriter(set map[causal.ActorID]struct{}) *wireWriter {
	w := &wireWriter{actors: slices.Sorted(maps.Keys(set)), index: make(map[causal.ActorID]uint32, len(set))}
	for i, a := range w.actors {
		w.index[a] = uint32(i)
	}
	return w
}

func (w *wireWriter) dot(d causal.Dot) WireDot {
	return WireDot{Actor: w.index[d.Actor], Seq: d.Seq}
}

func (w *wireWriter) dots(ds []causal.Dot) []WireDot {
	sorted := slices.SortedFunc(slices.Values(ds), causal.Dot.Compare)
	out := make([]WireDot, len(sorted))
	for i, d := range sorted {
		out[i] = w.dot(d)
	}
	return out
}

func (w *wireWriter) context(ctx *causal.Context) []WireSpan {
	var out []WireSpan
	ctx.Ranges(func(a causal.ActorID, lo, hi uint64) bool {
		out = append(out, WireSpan{Actor: w.index[a], Lo: lo, Hi: hi})
		return true
	})
	return out
}

func (w *wireWriter) names() []string {
	out := make([]string, len(w.actors))
	for i, a := range w.actors {
		out[i] = string(a)
	}
	return out
}

// Export 将状态转换为可序列化形式。
func Export(s State) *WireState {
	set := make(map[causal.ActorID]struct{})
	for _, a := range s.Context().Actors() {
		set[a] = struct{}{}
	}
	for _, a := range s.Floor().Actors() {
		set[a] = struct{}{}
	}
	s.visitDots(func(d causal.Dot) {
		if d.Actor != "" {
			set[d.Actor] = struct{}{}
		}
	})
	w := newWireWriter(set)
	ws := s.export(w)
	ws.Actors = w.names()
	ws.Context = w.context(s.Context())
	ws.Floor = w.context(s.Floor())
	return ws
}

// ExportContext 将因果上下文转换为可序列化形式。
func ExportContext(ctx *causal.Context) *WireContext {
	set := make(map[causal.ActorID]struct{})
	for _, a := range ctx.Actors() {
		set[a] = struct{}{}
	}
	w := newWireWriter(set)
	return &WireContext{Actors: w.names(), Spans: w.context(ctx)}
}

type wireReader struct {
	t      Type
	actors []causal.ActorID
}

func newWireReader(t Type, names []string) (*wireReader, error) {
	r := &wireReader{t: t, actors: make([]causal.ActorID, len(names))}
	for i, name := range names {
		if name == "" {
			return nil, r.fail("actor 表中存在空 actor")
		}
		if i > 0 && names[i-1] >= name {
			return nil, r.fail("actor 表未按字典序排列或存在重复")
		}
		r.actors[i] = causal.ActorID(name)
	}
	return r, nil
}

func (r *wireReader) fail(format string, args ...any) error {
	return NewInvalidDataError(r.t, fmt.Sprintf(format, args...))
}

func (r *wireReader) actor(idx uint32) (causal.ActorID, error) {
	if int(idx) >= len(r.actors) {
		return "", r.fail("actor 索引 %d 越界 (共 %d 个)", idx, len(r.actors))
	}
	return r.actors[idx], nil
}

func (r *wireReader) dot(wd WireDot) (causal.Dot, error) {
	a, err := r.actor(wd.Actor)
	if err != nil {
		return causal.Dot{}, err
	}
	if wd.Seq == 0 {
		return causal.Dot{}, r.fail("dot %s 的序号为 0", a)
	}
	return causal.Dot{Actor: a, Seq: wd.Seq}, nil
}

func (r *wireReader) dots(wds []WireDot) ([]causal.Dot, error) {
	out := make([]causal.Dot, 0, len(wds))
	for _, wd := range wds {
		d, err := r.dot(wd)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	slices.SortFunc(out, causal.Dot.Compare)
	return slices.Compact(out), nil
}

func (r *wireReader) context(spans []WireSpan) (*causal.Context, error) {
	ctx := causal.NewContext()
	for _, s := range spans {
		a, err := r.actor(s.Actor)
		if err != nil {
			return nil, err
		}
		if err := ctx.AddRange(a, s.Lo, s.Hi); err != nil {
			return nil, r.fail("%v", err)
		}
	}
	return ctx, nil
}

// Import 从可序列化形式重建 t 类型的状态。
// 每个存储中的 dot 都必须被状态自身的上下文覆盖。
func Import(t Type, ws *WireState) (State, error) {
	if !t.Valid() {
		return nil, NewInvalidDataError(t, "未知的类型标签")
	}
	if ws == nil {
		return nil, NewInvalidDataError(t, "状态为 nil")
	}
	r, err := newWireReader(t, ws.Actors)
	if err != nil {
		return nil, err
	}
	ctx, err := r.context(ws.Context)
	if err != nil {
		return nil, err
	}
	floor, err := r.context(ws.Floor)
	if err != nil {
		return nil, err
	}
	if !ctx.Contains(floor) {
		return nil, r.fail("回收下限 %s 超出上下文 %s", floor, ctx)
	}
	s := mustNew(t, ctx)
	s.root().raiseFloor(floor)
	if err := load(s, r, ws); err != nil {
		return nil, err
	}
	var bad error
	s.payloads("", func(_ string, d causal.Dot, _ string) {
		if bad == nil && !ctx.Covers(d) {
			bad = r.fail("dot %s 未被上下文覆盖", d)
		}
	})
	if bad != nil {
		return nil, bad
	}
	return s, nil
}

// ImportContext 从可序列化形式重建因果上下文。
func ImportContext(wc *WireContext) (*causal.Context, error) {
	if wc == nil {
		return causal.NewContext(), nil
	}
	r, err := newWireReader(0, wc.Actors)
	if err != nil {
		return nil, err
	}
	return r.context(wc.Spans)
}

func load(s State, r *wireReader, ws *WireState) error {
	switch st := s.(type) {
	case *GCounter:
		return r.counts(st.counts, ws.Pos)
	case *PNCounter:
		if err := r.counts(st.pos, ws.Pos); err != nil {
			return err
		}
		return r.counts(st.neg, ws.Neg)
	case *LWWRegister:
		if ws.Register == nil {
			return nil
		}
		d, err := r.dot(ws.Register.Dot)
		if err != nil {
			return err
		}
		st.entry = &lwwEntry{Value: slices.Clone(ws.Register.Value), Dot: d, Timestamp: ws.Register.Timestamp}
		return nil
	case *GSet:
		for _, e := range ws.Elems {
			d, err := r.dot(e.Dot)
			if err != nil {
				return err
			}
			if _, dup := st.elems[e.Value]; dup {
				return r.fail("重复的元素 %q", e.Value)
			}
			st.elems[e.Value] = d
		}
		return nil
	case *ORSet:
		if err := r.elems(st.adds, ws.Elems); err != nil {
			return err
		}
		return r.removes(st.removes, ws.Removes)
	case *RGA:
		return r.rga(st, ws)
	case *ORMap:
		if err := r.elems(st.keys, ws.Elems); err != nil {
			return err
		}
		if err := r.removes(st.removes, ws.Removes); err != nil {
			return err
		}
		for _, e := range ws.Entries {
			if !e.Type.Valid() {
				return r.fail("键 '%s' 的类型标签 0x%02x 未知", e.Key, byte(e.Type))
			}
			if e.State == nil {
				return r.fail("键 '%s' 的嵌套状态为 nil", e.Key)
			}
			if _, dup := st.values[e.Key]; dup {
				return r.fail("重复的键 '%s'", e.Key)
			}
			nested := mustNew(e.Type, st.ctx)
			if err := load(nested, r, e.State); err != nil {
				return err
			}
			st.values[e.Key] = nested
		}
		for _, k := range st.keys {
			if _, ok := st.values[k]; !ok {
				return r.fail("键 '%s' 缺少嵌套值", k)
			}
		}
		return nil
	default:
		return r.fail("不支持的状态 %T", s)
	}
}

func (r *wireReader) counts(dst map[causal.ActorID]count, src []WireCount) error {
	for _, c := range src {
		a, err := r.actor(c.Actor)
		if err != nil {
			return err
		}
		if c.Seq == 0 {
			return r.fail("计数器条目 %s 的序号为 0", a)
		}
		if _, dup := dst[a]; dup {
			return r.fail("重复的计数器条目 %s", a)
		}
		dst[a] = count{Total: c.Total, Seq: c.Seq}
	}
	return nil
}

func (r *wireReader) elems(dst map[causal.Dot]string, src []WireElem) error {
	for _, e := range src {
		d, err := r.dot(e.Dot)
		if err != nil {
			return err
		}
		if _, dup := dst[d]; dup {
			return r.fail("重复的 dot %s", d)
		}
		dst[d] = e.Value
	}
	return nil
}

func (r *wireReader) removes(dst map[causal.Dot][]causal.Dot, src []WireRemove) error {
	for _, x := range src {
		d, err := r.dot(x.Dot)
		if err != nil {
			return err
		}
		if _, dup := dst[d]; dup {
			return r.fail("重复的删除记录 %s", d)
		}
		covered, err := r.dots(x.Covered)
		if err != nil {
			return err
		}
		dst[d] = covered
	}
	return nil
}

func (r *wireReader) rga(st *RGA, ws *WireState) error {
	for _, n := range ws.Nodes {
		d, err := r.dot(n.Dot)
		if err != nil {
			return err
		}
		if _, dup := st.nodes[d]; dup {
			return r.fail("重复的元素 %s", d)
		}
		node := rgaNode{Stamp: n.Stamp, Value: n.Value}
		if n.Origin != nil {
			if node.Origin, err = r.dot(*n.Origin); err != nil {
				return err
			}
		}
		st.nodes[d] = node
	}
	for _, x := range ws.Removes {
		d, err := r.dot(x.Dot)
		if err != nil {
			return err
		}
		if len(x.Covered) != 1 {
			return r.fail("RGA 删除记录 %s 必须恰好指向一个元素", d)
		}
		target, err := r.dot(x.Covered[0])
		if err != nil {
			return err
		}
		if _, dup := st.removes[d]; dup {
			return r.fail("重复的删除记录 %s", d)
		}
		st.removes[d] = target
	}
	st.resetStamp()
	return nil
}

func exportCounts(w *wireWriter, counts map[causal.ActorID]count) []WireCount {
	out := make([]WireCount, 0, len(counts))
	for a, e := range counts {
		out = append(out, WireCount{Actor: w.index[a], Seq: e.Seq, Total: e.Total})
	}
	slices.SortFunc(out, func(a, b WireCount) int { return cmp.Compare(a.Actor, b.Actor) })
	return out
}

func exportElems(w *wireWriter, m map[causal.Dot]string) []WireElem {
	out := make([]WireElem, 0, len(m))
	for _, d := range sortedDots(m) {
		out = append(out, WireElem{Dot: w.dot(d), Value: m[d]})
	}
	return out
}

func exportRemoves(w *wireWriter, m map[causal.Dot][]causal.Dot) []WireRemove {
	out := make([]WireRemove, 0, len(m))
	for _, d := range sortedDots(m) {
		out = append(out, WireRemove{Dot: w.dot(d), Covered: w.dots(m[d])})
	}
	return out
}

func (c *GCounter) export(w *wireWriter) *WireState {
	return &WireState{Pos: exportCounts(w, c.counts)}
}

func (c *PNCounter) export(w *wireWriter) *WireState {
	return &WireState{Pos: exportCounts(w, c.pos), Neg: exportCounts(w, c.neg)}
}

func (r *LWWRegister) export(w *wireWriter) *WireState {
	if r.entry == nil {
		return &WireState{}
	}
	return &WireState{Register: &WireRegister{
		Dot:       w.dot(r.entry.Dot),
		Timestamp: r.entry.Timestamp,
		Value:     slices.Clone(r.entry.Value),
	}}
}

func (s *GSet) export(w *wireWriter) *WireState {
	out := make([]WireElem, 0, len(s.elems))
	for _, e := range slices.Sorted(maps.Keys(s.elems)) {
		out = append(out, WireElem{Dot: w.dot(s.elems[e]), Value: e})
	}
	return &WireState{Elems: out}
}

func (s *ORSet) export(w *wireWriter) *WireState {
	return &WireState{Elems: exportElems(w, s.adds), Removes: exportRemoves(w, s.removes)}
}

func (r *RGA) export(w *wireWriter) *WireState {
	nodes := make([]WireNode, 0, len(r.nodes))
	for _, d := range sortedDots(r.nodes) {
		n := r.nodes[d]
		wn := WireNode{Dot: w.dot(d), Stamp: n.Stamp, Value: n.Value}
		if !n.Origin.IsZero() {
			o := w.dot(n.Origin)
			wn.Origin = &o
		}
		nodes = append(nodes, wn)
	}
	removes := make([]WireRemove, 0, len(r.removes))
	for _, d := range sortedDots(r.removes) {
		removes = append(removes, WireRemove{Dot: w.dot(d), Covered: []WireDot{w.dot(r.removes[d])}})
	}
	return &WireState{Nodes: nodes, Removes: removes}
}

func (m *ORMap) export(w *wireWriter) *WireState {
	entries := make([]WireEntry, 0, len(m.values))
	for _, k := range slices.Sorted(maps.Keys(m.values)) {
		v := m.values[k]
		entries = append(entries, WireEntry{Key: k, Type: v.Type(), State: v.export(w)})
	}
	return &WireState{Elems: exportElems(w, m.keys), Removes: exportRemoves(w, m.removes), Entries: entries}
}
