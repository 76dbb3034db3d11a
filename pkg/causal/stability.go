package causal

import "sync"

// Stability 跟踪单个对象上各副本已确认 (acknowledged) 的因果上下文，用于判定因果稳定性。
//
// 稳定策略："所有已知副本均已确认"。已知副本 = 对象上下文中出现过的所有 actor
// 加上曾与本地同步过该对象的所有对端。只要有一个已知副本从未确认，就没有任何 dot 是稳定的。
type Stability struct {
	mu   sync.Mutex
	acks map[ActorID]*Context
}

// NewStability 创建一个空的稳定性跟踪器。
func NewStability() *Stability {
	return &Stability{acks: make(map[ActorID]*Context)}
}

// Acknowledge 记录 peer 至少已见过 ctx 中的所有 dot。确认是单调的。
func (s *Stability) Acknowledge(peer ActorID, ctx *Context) {
	if peer == "" || ctx == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.acks[peer]; ok {
		prev.MergeFrom(ctx)
		return
	}
	s.acks[peer] = ctx.Clone()
}

// Acknowledged 返回 peer 最近确认的上下文副本。
func (s *Stability) Acknowledged(peer ActorID) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.acks[peer]
	if !ok {
		return nil, false
	}
	return ctx.Clone(), true
}

// Peers 返回已确认过的副本数量。
func (s *Stability) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

// Forget 移除 peer 的确认记录 (例如副本被永久下线)。
// 被遗忘的 actor 若仍出现在对象上下文中，稳定性会一直阻塞，直到它再次确认。
func (s *Stability) Forget(peer ActorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acks, peer)
}

// Stable 返回所有已知副本都已见过的 dot 集合。
// 若存在未确认的已知副本，返回 (nil, false)。
func (s *Stability) Stable(local ActorID, localCtx *Context) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range localCtx.Actors() {
		if a == local {
			continue
		}
		if _, ok := s.acks[a]; !ok {
			return nil, false
		}
	}

	stable := localCtx.Clone()
	for peer, ack := range s.acks {
		if peer == local {
			continue
		}
		stable = stable.Intersect(ack)
	}
	return stable, true
}

// CaughtUp 报告本地上下文是否已包含所有已确认的上下文。
// 此时不会再有基于本地未见过元素的插入到达，RGA 可以安全回收叶子墓碑。
func (s *Stability) CaughtUp(localCtx *Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ack := range s.acks {
		if !localCtx.Contains(ack) {
			return false
		}
	}
	return true
}
