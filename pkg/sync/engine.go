// Package sync 实现副本之间的反熵 (anti-entropy) 同步。
//
// Engine 托管本地对象：每个对象一把锁 (单写者)，状态通过 Storage 持久化。
// 与每个对端的同步由一个 Session 状态机完成，不同对端的会话可以完全并行。
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/codec"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/store"
)

// 以 "_" 开头的 ID 保留给引擎内部使用，ackPrefix 下保存每个对象的对端确认记录。
const (
	reservedPrefix = "_"
	ackPrefix      = "_acks/"
)

// object 是一个被托管的 CRDT 对象。
type object struct {
	mu        sync.Mutex
	id        string
	state     crdt.State
	stability *causal.Stability
}

// Engine 托管本地对象并与对端同步它们。
type Engine struct {
	rep     *causal.Replica
	store   store.Storage
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	mu      sync.Mutex
	objects map[string]*object
}

// NewEngine 创建同步引擎。rep 是本地副本上下文，st 保存对象的编码状态。
func NewEngine(rep *causal.Replica, st store.Storage, opts ...Option) (*Engine, error) {
	if rep == nil {
		return nil, fmt.Errorf("replica must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("storage must not be nil")
	}
	e := &Engine{
		rep:     rep,
		store:   st,
		cfg:     DefaultConfig(),
		logger:  log.NewNopLogger(),
		metrics: NewDiscardMetrics(),
		objects: make(map[string]*object),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.cfg.validate(); err != nil {
		return nil, err
	}
	e.logger = log.With(e.logger, "component", "sync", "replica", string(rep.ID))
	return e, nil
}

// Replica 返回本地副本上下文。
func (e *Engine) Replica() *causal.Replica { return e.rep }

// Config 返回生效的配置。
func (e *Engine) Config() Config { return e.cfg }

func validID(id string) error {
	if id == "" || strings.HasPrefix(id, reservedPrefix) {
		return fmt.Errorf("%w: %q", store.ErrInvalidID, id)
	}
	return nil
}

// Create 创建一个 t 类型的空对象。对象已存在且类型相同时什么也不做。
func (e *Engine) Create(id string, t crdt.Type) error {
	if err := validID(id); err != nil {
		return err
	}
	o, err := e.load(id)
	if err == nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.state.Type() != t {
			return &crdt.TypeMismatchError{Key: id, ExpectedType: o.state.Type(), GotType: t}
		}
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	s, err := crdt.New(t)
	if err != nil {
		return err
	}
	o, created := e.adopt(id, s)
	if !created {
		// 并发的 Create 已经放入了对象
		return e.Create(id, t)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.persist(o)
}

// adopt 把新状态登记为对象，已有同名对象时返回已有对象。
func (e *Engine) adopt(id string, s crdt.State) (*object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.objects[id]; ok {
		return o, false
	}
	o := &object{id: id, state: s, stability: causal.NewStability()}
	e.objects[id] = o
	return o, true
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// load 返回内存中的对象，必要时从存储中解码。
func (e *Engine) load(id string) (*object, error) {
	e.mu.Lock()
	o, ok := e.objects[id]
	e.mu.Unlock()
	if ok {
		return o, nil
	}

	b, ok, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	s, err := codec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	acks, err := e.loadAcks(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.objects[id]; ok {
		return o, nil
	}
	o = &object{id: id, state: s, stability: acks}
	e.objects[id] = o
	return o, nil
}

// persist 写入对象的编码状态。调用方必须持有 o.mu。
func (e *Engine) persist(o *object) error {
	b, err := codec.Encode(o.state)
	if err != nil {
		return err
	}
	return e.store.Put(o.id, b)
}

// persistAcks 写入对象的对端确认记录。重启后丢失确认会让 GC 误判稳定性，因此与状态一起持久化。
func (e *Engine) persistAcks(o *object, peers []causal.ActorID) error {
	acks := make(map[string][]byte, len(peers))
	for _, p := range peers {
		ctx, ok := o.stability.Acknowledged(p)
		if !ok {
			continue
		}
		b, err := codec.EncodeContext(ctx)
		if err != nil {
			return err
		}
		acks[string(p)] = b
	}
	if prev, ok, err := e.store.Get(ackPrefix + o.id); err != nil {
		return err
	} else if ok {
		var old map[string][]byte
		if err := msgpack.Unmarshal(prev, &old); err != nil {
			level.Warn(e.logger).Log("msg", "discarding unreadable ack record", "object", o.id, "err", err)
		}
		for p, b := range old {
			if _, ok := acks[p]; !ok {
				acks[p] = b
			}
		}
	}
	b, err := msgpack.Marshal(acks)
	if err != nil {
		return err
	}
	return e.store.Put(ackPrefix+o.id, b)
}

func (e *Engine) loadAcks(id string) (*causal.Stability, error) {
	st := causal.NewStability()
	b, ok, err := e.store.Get(ackPrefix + id)
	if err != nil || !ok {
		return st, err
	}
	var acks map[string][]byte
	if err := msgpack.Unmarshal(b, &acks); err != nil {
		return nil, fmt.Errorf("load acks of %s: %w", id, err)
	}
	for p, raw := range acks {
		ctx, err := codec.DecodeContext(raw)
		if err != nil {
			return nil, fmt.Errorf("load acks of %s: %w", id, err)
		}
		st.Acknowledge(causal.ActorID(p), ctx)
	}
	return st, nil
}

// Update 在对象的独占区内执行 fn，然后持久化对象。fn 中应使用 Replica() 执行本地变更。
// 即使 fn 返回错误，已铸造的变更也会被持久化。
func (e *Engine) Update(id string, fn func(s crdt.State) error) error {
	o, err := e.load(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	fnErr := fn(o.state)
	if err := e.persist(o); err != nil {
		return err
	}
	return fnErr
}

// Apply 对对象执行一次本地操作并返回铸造的 dot。
func (e *Engine) Apply(id string, op crdt.Op) (causal.Dot, error) {
	var d causal.Dot
	err := e.Update(id, func(s crdt.State) error {
		var err error
		d, err = s.ApplyLocal(e.rep, op)
		return err
	})
	return d, err
}

// Snapshot 返回对象状态的拷贝。
func (e *Engine) Snapshot(id string) (crdt.State, error) {
	o, err := e.load(id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone(), nil
}

// Objects 按字典序返回已加载或已持久化的对象 ID。
func (e *Engine) Objects() ([]string, error) {
	set := make(map[string]struct{})
	e.mu.Lock()
	for id := range e.objects {
		set[id] = struct{}{}
	}
	e.mu.Unlock()

	if l, ok := e.store.(store.Lister); ok {
		ids, err := l.List("")
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !strings.HasPrefix(id, reservedPrefix) {
				set[id] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Sync 在 s 上与一个对端运行一次完整的同步会话。
func (e *Engine) Sync(ctx context.Context, s Stream) (Result, error) {
	return NewSession(e, s).Run(ctx)
}

// Forget 移除 peer 在所有已加载对象上的确认记录 (例如副本被永久下线)。
func (e *Engine) Forget(peer causal.ActorID) {
	e.mu.Lock()
	objs := make([]*object, 0, len(e.objects))
	for _, o := range e.objects {
		objs = append(objs, o)
	}
	e.mu.Unlock()

	for _, o := range objs {
		o.stability.Forget(peer)
	}
}

// Collect 对所有对象执行因果稳定性 GC，返回回收的条目总数。
//
// 对象的稳定上下文是本地上下文与每个已知副本最近确认的上下文的交集；
// 只要有一个已知副本从未确认，该对象就跳过。
func (e *Engine) Collect() (int, error) {
	ids, err := e.Objects()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		o, err := e.load(id)
		if err != nil {
			return total, err
		}
		n, err := e.collect(o)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		e.metrics.TombstonesCollected.Add(float64(total))
	}
	return total, nil
}

func (e *Engine) collect(o *object) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	localCtx := o.state.Context()
	stable, ok := o.stability.Stable(e.rep.ID, localCtx)
	if !ok {
		level.Debug(e.logger).Log("msg", "object not stable, skip gc", "object", o.id)
		return 0, nil
	}
	caughtUp := !e.cfg.RequireCaughtUpForGC || o.stability.CaughtUp(localCtx)
	n := o.state.Collect(stable, caughtUp)
	if n == 0 {
		return 0, nil
	}
	level.Debug(e.logger).Log("msg", "collected tombstones", "object", o.id, "count", n)
	return n, e.persist(o)
}
