package sync

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "ContextExchange", ContextExchange.String())
	assert.Equal(t, "DeltaComputation", DeltaComputation.String())
	assert.Equal(t, "Transmission", Transmission.String())
	assert.Equal(t, "Apply", Apply.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestSession_AbortLeavesIdle(t *testing.T) {
	a := newTestEngine(t, "A")
	mustCreate(t, a, "tags", crdt.TypeORSet)

	ca, cb := net.Pipe()
	cb.Close()
	s := NewSession(a, ca)
	_, err := s.Run(testContext(t))
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, Idle, s.State())

	var ae *AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ContextExchange, ae.State)
	assert.False(t, ae.Fatal)
	assert.Contains(t, ae.Error(), "sync aborted in ContextExchange")
}

func TestSession_AbortMidTransmissionThenRetry(t *testing.T) {
	a, b := newTestEngine(t, "A"), newTestEngine(t, "B")
	mustCreate(t, a, "tags", crdt.TypeORSet)
	mustCreate(t, b, "tags", crdt.TypeORSet)
	mustApply(t, a, "tags", crdt.OpAdd{Element: "x"})
	mustApply(t, a, "tags", crdt.OpAdd{Element: "y"})
	mustApply(t, b, "tags", crdt.OpAdd{Element: "z"})

	// 第 1 次写入是 hello，第 2 次是第一个增量
	out := runSync(testContext(t), a, b, failOnWrite(2))
	require.Error(t, out.errA)
	assert.ErrorIs(t, out.errA, errInjected)
	assert.True(t, Retryable(out.errA))
	var ae *AbortError
	require.ErrorAs(t, out.errA, &ae)
	assert.Equal(t, Transmission, ae.State)
	assert.Equal(t, "B", ae.Peer)

	require.Error(t, out.errB)
	assert.True(t, Retryable(out.errB))
	assert.Equal(t, []string{"z"}, mustSnapshot(t, b, "tags").(*crdt.ORSet).Elements(), "中止的会话不应用任何增量")

	mustSync(t, a, b)
	requireConverged(t, "tags", a, b)
	assert.Equal(t, []string{"x", "y", "z"}, mustSnapshot(t, b, "tags").(*crdt.ORSet).Elements())
}

func TestSession_CancelUnblocksStream(t *testing.T) {
	a := newTestEngine(t, "A")
	ca, cb := net.Pipe()
	defer cb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	// 对端从不读取，hello 的写入一直阻塞直到取消
	_, err := a.Sync(ctx, ca)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, Retryable(err))
}

func TestSession_DuplicateActorIsFatal(t *testing.T) {
	a1, a2 := newTestEngine(t, "A"), newTestEngine(t, "A")

	out := runSync(testContext(t), a1, a2, nil)
	for _, err := range []error{out.errA, out.errB} {
		require.Error(t, err)
		assert.ErrorIs(t, err, causal.ErrCausalityViolation)
		assert.False(t, Retryable(err))
	}
}

func TestSession_ReusedActorAfterStateLossIsFatal(t *testing.T) {
	a, b := newTestEngine(t, "A"), newTestEngine(t, "B")
	mustCreate(t, a, "tags", crdt.TypeORSet)
	for _, e := range []string{"x", "y", "z"} {
		mustApply(t, a, "tags", crdt.OpAdd{Element: e})
	}
	mustSync(t, a, b)

	// A 丢失了本地状态，以同一个 ActorID 重新开始，会再次铸造 A:1
	lost := newTestEngine(t, "A")
	mustCreate(t, lost, "tags", crdt.TypeORSet)
	mustApply(t, lost, "tags", crdt.OpAdd{Element: "w"})

	out := runSync(testContext(t), lost, b, nil)
	require.Error(t, out.errA)
	assert.ErrorIs(t, out.errA, causal.ErrCausalityViolation)
	assert.False(t, Retryable(out.errA))
	var ae *AbortError
	require.ErrorAs(t, out.errA, &ae)
	assert.Equal(t, ContextExchange, ae.State)
	assert.True(t, ae.Fatal)
	assert.True(t, strings.HasPrefix(ae.Error(), "sync failed"))

	require.Error(t, out.errB)
	assert.Equal(t, []string{"x", "y", "z"}, mustSnapshot(t, b, "tags").(*crdt.ORSet).Elements())
}

func TestSession_TypeMismatchIsFatal(t *testing.T) {
	a, b := newTestEngine(t, "A"), newTestEngine(t, "B")
	mustCreate(t, a, "x", crdt.TypeORSet)
	mustCreate(t, b, "x", crdt.TypePNCounter)

	out := runSync(testContext(t), a, b, nil)
	for _, err := range []error{out.errA, out.errB} {
		require.Error(t, err)
		assert.ErrorIs(t, err, crdt.ErrTypeMismatch)
		assert.False(t, Retryable(err))
	}
}

func TestSession_FrameTooLarge(t *testing.T) {
	a := newTestEngine(t, "A")
	b := newTestEngine(t, "B", WithMaxFrameSize(512))
	mustCreate(t, a, "blob", crdt.TypeORSet)
	mustApply(t, a, "blob", crdt.OpAdd{Element: strings.Repeat("x", 2048)})

	out := runSync(testContext(t), a, b, nil)
	require.Error(t, out.errB)
	assert.ErrorIs(t, out.errB, ErrFrameTooLarge)
	assert.False(t, Retryable(out.errB))
	require.Error(t, out.errA)

	_, err := b.Snapshot("blob")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestSession_RejectsGarbageFrames(t *testing.T) {
	a := newTestEngine(t, "A")
	ca, cb := net.Pipe()
	defer cb.Close()

	go func() {
		// 长度合法但内容不是 msgpack 信封
		_, _ = cb.Write([]byte{0, 0, 0, 3, 0xc1, 0xc1, 0xc1})
		buf := make([]byte, 1024)
		for {
			if _, err := cb.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := a.Sync(testContext(t), ca)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, Retryable(err))
}

func TestSession_RejectsOversizedLengthHeaders(t *testing.T) {
	a := newTestEngine(t, "A")
	ca, cb := net.Pipe()
	defer cb.Close()

	go func() {
		// hello.o 声明了 2^32-1 个对象，帧里只有 11 字节
		body := []byte{0x81, 0xa1, 'h', 0x81, 0xa1, 'o', 0xdd, 0xff, 0xff, 0xff, 0xff}
		_, _ = cb.Write(append([]byte{0, 0, 0, byte(len(body))}, body...))
		buf := make([]byte, 1024)
		for {
			if _, err := cb.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := a.Sync(testContext(t), ca)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestAbortError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	retry := &AbortError{State: Apply, Err: cause}
	assert.ErrorIs(t, retry, ErrSyncAborted)
	assert.ErrorIs(t, retry, cause)

	fatal := &AbortError{State: Apply, Peer: "B", Err: cause, Fatal: true}
	assert.NotErrorIs(t, fatal, ErrSyncAborted)
	assert.ErrorIs(t, fatal, cause)
	assert.Equal(t, "sync failed in Apply with B: boom", fatal.Error())
}
