package sync

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/hlc"
	"github.com/shinyes/yep_core/pkg/store"
)

// newTestEngine 创建一个基于内存存储、物理时钟自增的引擎。
func newTestEngine(t testing.TB, id string, opts ...Option) *Engine {
	t.Helper()
	return newTestEngineOn(t, id, store.NewMemoryStore(), opts...)
}

func newTestEngineOn(t testing.TB, id string, st store.Storage, opts ...Option) *Engine {
	t.Helper()
	var phys atomic.Int64
	rep, err := causal.NewReplica(causal.ActorID(id), hlc.WithSource(func() int64 { return phys.Add(1) }))
	require.NoError(t, err)
	e, err := NewEngine(rep, st, opts...)
	require.NoError(t, err)
	return e
}

func mustCreate(t testing.TB, e *Engine, id string, typ crdt.Type) {
	t.Helper()
	require.NoError(t, e.Create(id, typ))
}

func mustApply(t testing.TB, e *Engine, id string, op crdt.Op) causal.Dot {
	t.Helper()
	d, err := e.Apply(id, op)
	require.NoError(t, err)
	return d
}

func mustSnapshot(t testing.TB, e *Engine, id string) crdt.State {
	t.Helper()
	s, err := e.Snapshot(id)
	require.NoError(t, err)
	return s
}

type syncOutcome struct {
	a, b       Result
	errA, errB error
}

// runSync 在一对 net.Pipe 上并发运行两端的会话。
func runSync(ctx context.Context, a, b *Engine, wrapA func(Stream) Stream) syncOutcome {
	ca, cb := net.Pipe()
	var sa Stream = ca
	if wrapA != nil {
		sa = wrapA(ca)
	}
	defer ca.Close()
	defer cb.Close()

	var out syncOutcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.b, out.errB = b.Sync(ctx, cb)
	}()
	out.a, out.errA = a.Sync(ctx, sa)
	<-done
	return out
}

// mustSync 要求两端的会话都成功完成。
func mustSync(t testing.TB, a, b *Engine) syncOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := runSync(ctx, a, b, nil)
	require.NoError(t, out.errA)
	require.NoError(t, out.errB)
	return out
}

// requireConverged 要求所有引擎上 id 的状态完全一致。
func requireConverged(t testing.TB, id string, engines ...*Engine) {
	t.Helper()
	want := mustSnapshot(t, engines[0], id)
	for _, e := range engines[1:] {
		got := mustSnapshot(t, e, id)
		require.Truef(t, want.Equal(got), "%s diverged on %s: %v vs %v", id, e.rep.ID, want.Value(), got.Value())
	}
}

var errInjected = errors.New("injected write failure")

// faultyStream 让第 failAt 次写入 (从 1 开始，每次写入是一帧) 失败，并关闭底层连接。
type faultyStream struct {
	net.Conn
	failAt int
	writes int
}

func (f *faultyStream) Write(p []byte) (int, error) {
	f.writes++
	if f.writes >= f.failAt {
		f.Conn.Close()
		return 0, errInjected
	}
	return f.Conn.Write(p)
}

func failOnWrite(n int) func(Stream) Stream {
	return func(s Stream) Stream {
		return &faultyStream{Conn: s.(net.Conn), failAt: n}
	}
}
