package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORSet_AddRemove(t *testing.T) {
	rep := newReplica(t, "A", 1)
	s := NewORSet()

	_, err := s.Add(rep, "apple")
	require.NoError(t, err)
	_, err = s.Add(rep, "banana")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana"}, s.Elements())

	d, err := s.Remove(rep, "apple")
	require.NoError(t, err)
	assert.False(t, d.IsZero())
	assert.False(t, s.Contains("apple"))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Tombstones())

	// 移除不存在的元素是空操作，不铸造 dot
	before := s.Context().Len()
	d, err = s.Remove(rep, "cherry")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
	assert.Equal(t, before, s.Context().Len())
}

func TestORSet_AddWins(t *testing.T) {
	ra, rb := newReplica(t, "A", 1), newReplica(t, "B", 1)
	a := NewORSet()
	_, err := a.Add(ra, "x")
	require.NoError(t, err)
	b := a.Clone().(*ORSet)

	// A 移除 x，B 并发地再次添加 x
	_, err = a.Remove(ra, "x")
	require.NoError(t, err)
	_, err = b.Add(rb, "x")
	require.NoError(t, err)

	exchange(t, a, b)
	assert.True(t, a.Contains("x"), "并发添加应胜过移除")
	assert.True(t, a.Equal(b))
}

func TestORSet_RemoveOnlyObservedAdds(t *testing.T) {
	ra, rb := newReplica(t, "A", 1), newReplica(t, "B", 1)
	a, b := NewORSet(), NewORSet()
	_, err := a.Add(ra, "x")
	require.NoError(t, err)
	_, err = b.Add(rb, "x")
	require.NoError(t, err)

	// A 只观察到自己的添加
	_, err = a.Remove(ra, "x")
	require.NoError(t, err)
	exchange(t, a, b)
	assert.True(t, a.Contains("x"))

	// 观察到全部添加后再移除
	_, err = a.Remove(ra, "x")
	require.NoError(t, err)
	exchange(t, a, b)
	assert.False(t, b.Contains("x"))
	assert.Empty(t, b.Elements())
}

func TestGSet_Union(t *testing.T) {
	ra, rb := newReplica(t, "A", 1), newReplica(t, "B", 1)
	a, b := NewGSet(), NewGSet()

	_, err := a.Add(ra, "x")
	require.NoError(t, err)
	_, err = b.Add(rb, "x")
	require.NoError(t, err)
	_, err = b.Add(rb, "y")
	require.NoError(t, err)

	exchange(t, a, b)
	assert.Equal(t, []string{"x", "y"}, a.Elements())
	assert.True(t, a.Contains("y"))
	assert.True(t, a.Equal(b), "同一元素在所有副本上应记录相同的 dot")

	_, err = a.ApplyLocal(ra, OpRemove{Element: "x"})
	assert.ErrorIs(t, err, ErrInvalidOp)
}
