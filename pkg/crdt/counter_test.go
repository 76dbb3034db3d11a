package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCounter_ConcurrentIncrements(t *testing.T) {
	ra, rb := newReplica(t, "A", 1), newReplica(t, "B", 1)
	a, b := NewGCounter(), NewGCounter()

	_, err := a.Increment(ra, 3)
	require.NoError(t, err)
	_, err = a.Increment(ra, 2)
	require.NoError(t, err)
	_, err = b.Increment(rb, 7)
	require.NoError(t, err)

	exchange(t, a, b)
	assert.Equal(t, uint64(12), a.Total())
	assert.True(t, a.Equal(b))

	// 重复合并是幂等的
	require.NoError(t, a.Join(b))
	assert.Equal(t, uint64(12), a.Value())
}

func TestGCounter_RejectsDecrement(t *testing.T) {
	_, err := NewGCounter().ApplyLocal(newReplica(t, "A", 1), OpDecrement{By: 1})
	assert.ErrorIs(t, err, ErrInvalidOp)
}

func TestPNCounter_IncrementAndDecrement(t *testing.T) {
	ra, rb := newReplica(t, "A", 1), newReplica(t, "B", 1)
	a, b := NewPNCounter(), NewPNCounter()

	mustApply(t, a, ra, OpIncrement{By: 10})
	mustApply(t, b, rb, OpDecrement{By: 4})
	mustApply(t, b, rb, OpDecrement{By: 10})

	exchange(t, a, b)
	assert.Equal(t, int64(-4), a.Total())
	assert.Equal(t, int64(-4), b.Value())
	assert.True(t, a.Equal(b))
}

func TestPNCounter_StaleStateDoesNotRegress(t *testing.T) {
	ra := newReplica(t, "A", 1)
	a := NewPNCounter()
	mustApply(t, a, ra, OpIncrement{By: 1})
	old := a.Clone()
	mustApply(t, a, ra, OpIncrement{By: 1})

	require.NoError(t, a.Join(old))
	assert.Equal(t, int64(2), a.Total())
}
