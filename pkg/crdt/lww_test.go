package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWW_TieBreakByActor(t *testing.T) {
	x, y := newReplica(t, "X", 100), newReplica(t, "Y", 100)
	a, b := NewLWWRegister(), NewLWWRegister()

	_, err := a.Set(x, []byte("a"))
	require.NoError(t, err)
	_, err = b.Set(y, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, a.Timestamp(), b.Timestamp(), "两个写入应具有相同的时间戳")

	exchange(t, a, b)
	assert.Equal(t, []byte("b"), a.Bytes(), "时间戳相同时 actor 字典序较大者胜出")
	assert.True(t, a.Equal(b))
}

func TestLWW_LaterTimestampWins(t *testing.T) {
	early, late := newReplica(t, "Z", 10), newReplica(t, "A", 20)
	a, b := NewLWWRegister(), NewLWWRegister()

	_, err := a.Set(early, []byte("old"))
	require.NoError(t, err)
	_, err = b.Set(late, []byte("new"))
	require.NoError(t, err)

	merged := mustMerge(t, a, b).(*LWWRegister)
	assert.Equal(t, []byte("new"), merged.Bytes())
}

func TestLWW_LocalWriteBeatsObservedValue(t *testing.T) {
	// 本地时钟落后于已观察到的写入时，新写入仍然必须胜出
	fast, slow := newReplica(t, "A", 1000), newReplica(t, "B", 5)
	reg := NewLWWRegister()
	_, err := reg.Set(fast, []byte("first"))
	require.NoError(t, err)

	_, err = reg.Set(slow, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), reg.Bytes())
	assert.Greater(t, reg.Timestamp(), int64(1000)<<16)
}

func TestLWW_UnsetAndValueIsolation(t *testing.T) {
	reg := NewLWWRegister()
	assert.Nil(t, reg.Bytes())

	rep := newReplica(t, "A", 1)
	buf := []byte("abc")
	_, err := reg.Set(rep, buf)
	require.NoError(t, err)
	buf[0] = 'x'
	assert.Equal(t, []byte("abc"), reg.Bytes(), "寄存器不应与调用方共享底层数组")
}
