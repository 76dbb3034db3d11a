package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/codec"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/delta"
)

// State 是会话状态机的状态。
type State int

const (
	Idle State = iota
	ContextExchange
	DeltaComputation
	Transmission
	Apply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ContextExchange:
		return "ContextExchange"
	case DeltaComputation:
		return "DeltaComputation"
	case Transmission:
		return "Transmission"
	case Apply:
		return "Apply"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result 汇总一次会话。
type Result struct {
	Peer           causal.ActorID
	Objects        int      // 双方涉及的对象数量。
	DeltasSent     int      // 发送的增量数量。
	DeltasReceived int      // 收到的增量数量。
	FullSyncs      int      // 以全量状态发送的增量数量。
	BytesSent      int      // 写出的帧字节数。
	BytesReceived  int      // 读入的帧字节数。
	Applied        []string // 收到增量并已合并的对象。
}

// incoming 是一个已解码、等待应用的增量。
type incoming struct {
	object string
	full   bool
	state  crdt.State
}

// Session 是与一个对端的一次同步：
//
//	Idle -> ContextExchange -> DeltaComputation -> Transmission -> Apply -> Idle
//
// 会话是对称的，两端运行相同的步骤。任何时刻中止都是安全的：已应用的增量本身就是合法的合并步骤，
// 重新从 Idle 开始会重新交换上下文。
type Session struct {
	e      *Engine
	conn   *frameConn
	stream Stream
	state  State
	logger log.Logger

	peer        causal.ActorID
	peerVersion uint64
	remote      map[string]*causal.Context // 对端在 ContextExchange 中报告的上下文
	remoteType  map[string]crdt.Type
	outgoing    []deltaFrame
	received    []incoming
	result      Result
}

// NewSession 在流 s 上创建一个处于 Idle 状态的会话。
func NewSession(e *Engine, s Stream) *Session {
	return &Session{
		e:      e,
		stream: s,
		conn:   &frameConn{s: s, maxFrame: e.cfg.MaxFrameSize},
		logger: e.logger,
	}
}

// State 返回会话当前所处的状态。
func (s *Session) State() State { return s.state }

func (s *Session) enter(st State) {
	level.Debug(s.logger).Log("msg", "session transition", "from", s.state, "to", st)
	s.state = st
}

// Run 运行会话直到回到 Idle 或中止。
func (s *Session) Run(ctx context.Context) (Result, error) {
	s.outgoing, s.received, s.result = nil, nil, Result{}
	s.peer, s.logger = "", s.e.logger
	s.conn.sent, s.conn.received = 0, 0
	if s.e.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.e.cfg.SessionTimeout)
		defer cancel()
	}
	if d, ok := ctx.Deadline(); ok {
		if dl, ok := s.stream.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(d)
		}
	}
	// 取消时关闭流以解除阻塞的读写
	stop := context.AfterFunc(ctx, s.closeStream)
	defer stop()

	s.e.metrics.Sessions.Add(1)
	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{ContextExchange, s.exchangeContexts},
		{DeltaComputation, s.computeDeltas},
		{Transmission, s.transmit},
		{Apply, s.apply},
	}
	for _, step := range steps {
		s.enter(step.state)
		if err := step.run(ctx); err != nil {
			err = s.abort(ctx, err)
			s.state = Idle
			return s.finish(err)
		}
	}
	s.enter(Idle)
	return s.finish(nil)
}

func (s *Session) finish(err error) (Result, error) {
	s.result.Peer = s.peer
	s.result.BytesSent = s.conn.sent
	s.result.BytesReceived = s.conn.received
	s.e.metrics.BytesSent.Add(float64(s.conn.sent))
	s.e.metrics.BytesReceived.Add(float64(s.conn.received))
	if err != nil {
		s.e.metrics.SessionsFailed.Add(1)
		return s.result, err
	}
	level.Info(s.logger).Log("msg", "session complete",
		"sent", s.result.DeltasSent, "received", s.result.DeltasReceived, "full", s.result.FullSyncs)
	return s.result, nil
}

// abort 把错误归类为可重试或致命，记录日志并包装为 AbortError。
func (s *Session) abort(ctx context.Context, err error) error {
	s.closeStream()
	if ctx.Err() != nil && !isFatal(err) && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	ae := &AbortError{State: s.state, Peer: string(s.peer), Err: err, Fatal: isFatal(err)}
	if errors.Is(err, causal.ErrCausalityViolation) {
		level.Error(s.logger).Log("msg", "causality violation, session aborted", "state", s.state, "err", err)
	} else if ae.Fatal {
		level.Error(s.logger).Log("msg", "session failed", "state", s.state, "err", err)
	} else {
		level.Warn(s.logger).Log("msg", "session aborted", "state", s.state, "err", err)
	}
	return ae
}

// isFatal 报告错误是否来自对端的错误数据，而不是传输或存储故障。
func isFatal(err error) bool {
	return errors.Is(err, causal.ErrCausalityViolation) ||
		errors.Is(err, codec.ErrMalformed) ||
		errors.Is(err, codec.ErrUnsupportedVersion) ||
		errors.Is(err, crdt.ErrTypeMismatch) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrFrameTooLarge)
}

// exchange 并发地执行 send 与 recv，net.Pipe 这类无缓冲的流上双方同时写入不会死锁。
// 发送失败时关闭流，使本端的接收和对端都不再阻塞。
func (s *Session) exchange(ctx context.Context, send func(context.Context) error, recv func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := send(gctx)
		if err != nil {
			s.closeStream()
		}
		return err
	})
	g.Go(recv)
	return g.Wait()
}

func (s *Session) closeStream() {
	if c, ok := s.stream.(io.Closer); ok {
		c.Close()
	}
}

// localContexts 对每个对象在其锁内取上下文快照。
func (s *Session) localContexts() ([]objectContext, error) {
	ids, err := s.e.Objects()
	if err != nil {
		return nil, err
	}
	out := make([]objectContext, 0, len(ids))
	for _, id := range ids {
		o, err := s.e.load(id)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		t := o.state.Type()
		b, err := codec.EncodeContextVersion(o.state.Context(), s.e.cfg.WireVersion)
		o.mu.Unlock()
		if err != nil {
			return nil, err
		}
		out = append(out, objectContext{ID: id, Type: uint8(t), Context: b})
	}
	return out, nil
}

func (s *Session) exchangeContexts(ctx context.Context) error {
	mine, err := s.localContexts()
	if err != nil {
		return err
	}
	var theirs *hello
	err = s.exchange(ctx,
		func(context.Context) error {
			return s.conn.write(&envelope{Kind: kindHello, Hello: &hello{
				Actor:      string(s.e.rep.ID),
				MaxVersion: codec.CurrentVersion,
				Objects:    mine,
			}})
		},
		func() error {
			env, err := s.conn.expect(kindHello)
			if err != nil {
				return err
			}
			theirs = env.Hello
			return nil
		})
	if err != nil {
		return err
	}

	if theirs.Actor == "" {
		return fmt.Errorf("%w: hello without actor id", ErrProtocol)
	}
	s.peer = causal.ActorID(theirs.Actor)
	s.logger = log.With(s.logger, "peer", theirs.Actor)
	if s.peer == s.e.rep.ID {
		return &causal.ViolationError{Dot: causal.Dot{Actor: s.peer}, Reason: "peer uses the local actor id"}
	}
	s.peerVersion = min(theirs.MaxVersion, s.e.cfg.WireVersion)
	if s.peerVersion < codec.MinVersion {
		return &codec.DecodeError{Kind: codec.UnsupportedVersion, Version: theirs.MaxVersion}
	}

	s.remote = make(map[string]*causal.Context, len(theirs.Objects))
	s.remoteType = make(map[string]crdt.Type, len(theirs.Objects))
	for _, oc := range theirs.Objects {
		if err := validID(oc.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		rctx, err := codec.DecodeContext(oc.Context)
		if err != nil {
			return fmt.Errorf("context of %s: %w", oc.ID, err)
		}
		s.remote[oc.ID] = rctx
		s.remoteType[oc.ID] = crdt.Type(oc.Type)
	}

	for _, oc := range mine {
		rctx, ok := s.remote[oc.ID]
		if !ok {
			continue
		}
		if t := crdt.Type(oc.Type); t != s.remoteType[oc.ID] {
			return &crdt.TypeMismatchError{Key: oc.ID, ExpectedType: t, GotType: s.remoteType[oc.ID]}
		}
		o, err := s.e.load(oc.ID)
		if err != nil {
			return err
		}
		o.mu.Lock()
		err = s.e.rep.CheckRemote(o.state.Context(), rctx)
		if err == nil {
			// 对端至少见过它报告的上下文
			o.stability.Acknowledge(s.peer, rctx)
		}
		o.mu.Unlock()
		if err != nil {
			return fmt.Errorf("object %s: %w", oc.ID, err)
		}
	}

	s.result.Objects = len(unionIDs(mine, theirs.Objects))
	return nil
}

func unionIDs(a, b []objectContext) map[string]struct{} {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, oc := range a {
		set[oc.ID] = struct{}{}
	}
	for _, oc := range b {
		set[oc.ID] = struct{}{}
	}
	return set
}

func (s *Session) computeDeltas(ctx context.Context) error {
	ids, err := s.e.Objects()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, err := s.e.load(id)
		if err != nil {
			return err
		}
		rctx, ok := s.remote[id]
		if !ok {
			rctx = causal.NewContext()
		}

		o.mu.Lock()
		d := delta.Diff(o.state, nil, rctx, delta.WithFullSyncRatio(s.e.cfg.FullSyncRatio))
		var payload []byte
		if !d.IsEmpty() {
			payload, err = codec.EncodeVersion(d.State, s.peerVersion)
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
		if payload == nil {
			continue
		}
		s.outgoing = append(s.outgoing, deltaFrame{Object: id, Full: d.Full, Payload: payload})
		level.Debug(s.logger).Log("msg", "delta computed", "object", id, "dots", d.Dots(), "full", d.Full, "bytes", len(payload))
	}
	return nil
}

func (s *Session) transmit(ctx context.Context) error {
	return s.exchange(ctx,
		func(ctx context.Context) error {
			for i := range s.outgoing {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.conn.write(&envelope{Kind: kindDelta, Delta: &s.outgoing[i]}); err != nil {
					return err
				}
				s.result.DeltasSent++
				s.e.metrics.DeltasSent.Add(1)
				if s.outgoing[i].Full {
					s.result.FullSyncs++
					s.e.metrics.FullSyncs.Add(1)
				}
			}
			return s.conn.write(&envelope{Kind: kindEnd, End: &endFrame{Count: len(s.outgoing)}})
		},
		func() error {
			for {
				env, err := s.conn.read()
				if err != nil {
					return err
				}
				switch env.Kind {
				case kindDelta:
					in, err := s.decodeDelta(env.Delta)
					if err != nil {
						return err
					}
					s.received = append(s.received, in)
					s.result.DeltasReceived++
					s.e.metrics.DeltasReceived.Add(1)
				case kindEnd:
					if env.End.Count != len(s.received) {
						return fmt.Errorf("%w: peer announced %d deltas, received %d", ErrProtocol, env.End.Count, len(s.received))
					}
					return nil
				default:
					return fmt.Errorf("%w: unexpected %s frame during transmission", ErrProtocol, env.Kind)
				}
			}
		})
}

func (s *Session) decodeDelta(f *deltaFrame) (incoming, error) {
	if err := validID(f.Object); err != nil {
		return incoming{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	st, err := codec.Decode(f.Payload)
	if err != nil {
		return incoming{}, fmt.Errorf("delta for %s: %w", f.Object, err)
	}
	if t, ok := s.remoteType[f.Object]; ok && t != st.Type() {
		return incoming{}, &crdt.TypeMismatchError{Key: f.Object, ExpectedType: t, GotType: st.Type()}
	}
	return incoming{object: f.Object, full: f.Full, state: st}, nil
}

func (s *Session) apply(ctx context.Context) error {
	for _, in := range s.received {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.applyOne(in); err != nil {
			return err
		}
		s.result.Applied = append(s.result.Applied, in.object)
	}
	return s.exchangeAcks(ctx)
}

// applyOne 在对象的独占区内校验并合并一个增量，然后持久化。
func (s *Session) applyOne(in incoming) error {
	o, err := s.e.load(in.object)
	if isNotFound(err) {
		// 对端独有的对象：以同类型的空状态接收
		empty, nerr := crdt.New(in.state.Type())
		if nerr != nil {
			return nerr
		}
		o, _ = s.e.adopt(in.object, empty)
		err = nil
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := crdt.CheckCausality(o.state, in.state); err != nil {
		return fmt.Errorf("object %s: %w", in.object, err)
	}
	if err := o.state.Join(in.state); err != nil {
		return fmt.Errorf("object %s: %w", in.object, err)
	}
	level.Debug(s.logger).Log("msg", "delta applied", "object", in.object, "full", in.full)
	return s.e.persist(o)
}

// exchangeAcks 交换合并之后的上下文，记录为对端的确认。
func (s *Session) exchangeAcks(ctx context.Context) error {
	mine, err := s.localContexts()
	if err != nil {
		return err
	}
	var theirs *ackFrame
	err = s.exchange(ctx,
		func(context.Context) error {
			return s.conn.write(&envelope{Kind: kindAck, Ack: &ackFrame{Objects: mine}})
		},
		func() error {
			env, err := s.conn.expect(kindAck)
			if err != nil {
				return err
			}
			theirs = env.Ack
			return nil
		})
	if err != nil {
		return err
	}

	for _, oc := range theirs.Objects {
		o, err := s.e.load(oc.ID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		rctx, err := codec.DecodeContext(oc.Context)
		if err != nil {
			return fmt.Errorf("ack of %s: %w", oc.ID, err)
		}
		o.mu.Lock()
		if err := s.e.rep.CheckRemote(o.state.Context(), rctx); err != nil {
			o.mu.Unlock()
			return fmt.Errorf("object %s: %w", oc.ID, err)
		}
		o.stability.Acknowledge(s.peer, rctx)
		err = s.e.persistAcks(o, []causal.ActorID{s.peer})
		o.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
