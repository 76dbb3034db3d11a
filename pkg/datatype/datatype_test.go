package datatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/hlc"
)

func replica(t *testing.T, id string, phys int64) *causal.Replica {
	t.Helper()
	rep, err := causal.NewReplica(causal.ActorID(id), hlc.WithSource(func() int64 { return phys }))
	require.NoError(t, err)
	return rep
}

func TestText_GraphemeEditing(t *testing.T) {
	rep := replica(t, "A", 1)
	text := NewText()

	dots, err := text.Insert(rep, 0, "héllo 🇨🇳")
	require.NoError(t, err)
	assert.Len(t, dots, 7, "组合字符与国旗各是一个字素簇")
	assert.Equal(t, 7, text.Len())

	_, err = text.Insert(rep, 5, ",")
	require.NoError(t, err)
	assert.Equal(t, "héllo, 🇨🇳", text.String())

	_, err = text.Delete(rep, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "hllo, 🇨🇳", text.String())

	require.NoError(t, text.Replace(rep, 0, 4, "HELLO"))
	assert.Equal(t, "HELLO, 🇨🇳", text.String())

	_, err = text.Insert(rep, 99, "x")
	assert.ErrorIs(t, err, crdt.ErrIndexOutOfRange)
	_, err = text.Delete(rep, 5, 5)
	assert.ErrorIs(t, err, crdt.ErrIndexOutOfRange)
}

func TestText_ConcurrentEditsConverge(t *testing.T) {
	ra, rb := replica(t, "A", 1), replica(t, "B", 1)
	a := NewText()
	_, err := a.Insert(ra, 0, "cat")
	require.NoError(t, err)

	b, err := TextFrom(a.State().Clone())
	require.NoError(t, err)

	_, err = a.Insert(ra, 3, "s")
	require.NoError(t, err)
	_, err = b.Insert(rb, 0, "the ")
	require.NoError(t, err)
	_, err = b.Delete(rb, 4, 1)
	require.NoError(t, err)

	snapshot, err := TextFrom(a.State().Clone())
	require.NoError(t, err)
	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(snapshot))

	assert.Equal(t, "the ats", a.String())
	assert.Equal(t, a.String(), b.String())
	assert.True(t, a.State().Equal(b.State()))

	_, err = TextFrom(crdt.NewORSet())
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch)
}

func TestNumber_CounterMode(t *testing.T) {
	ra, rb := replica(t, "A", 1), replica(t, "B", 1)
	a, err := NewNumber(Counter)
	require.NoError(t, err)
	_, err = a.Add(ra, 10)
	require.NoError(t, err)

	b, err := NumberFrom(a.State().Clone())
	require.NoError(t, err)
	assert.Equal(t, Counter, b.Mode())

	_, err = a.Add(ra, -3)
	require.NoError(t, err)
	_, err = b.Add(rb, 5)
	require.NoError(t, err)
	d, err := b.Add(rb, 0)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	require.NoError(t, a.Merge(b))
	assert.Equal(t, int64(12), a.Int(), "并发的增减全部累加")
	assert.Equal(t, 12.0, a.Value())

	_, err = a.Set(ra, 1)
	assert.ErrorIs(t, err, crdt.ErrInvalidOp)
}

func TestNumber_RegisterMode(t *testing.T) {
	ra, rb := replica(t, "A", 100), replica(t, "B", 200)
	a, err := NewNumber(Register)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Value())

	_, err = a.Set(ra, 1.5)
	require.NoError(t, err)
	b, err := NumberFrom(a.State().Clone())
	require.NoError(t, err)
	assert.Equal(t, Register, b.Mode())

	_, err = a.Set(ra, 7)
	require.NoError(t, err)
	_, err = b.Set(rb, 2.5)
	require.NoError(t, err)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, 2.5, a.Value(), "时间戳较大的写入胜出")
	assert.Equal(t, int64(2), a.Int())

	_, err = a.Add(ra, 1)
	assert.ErrorIs(t, err, crdt.ErrInvalidOp)

	junk := crdt.NewLWWRegister()
	_, err = junk.Set(ra, []byte{0xc1})
	require.NoError(t, err)
	_, err = NumberFrom(junk)
	assert.ErrorIs(t, err, crdt.ErrInvalidData)

	_, err = NewNumber(Mode(7))
	assert.ErrorIs(t, err, crdt.ErrInvalidOp)
}

func TestList_InsertUpdateDelete(t *testing.T) {
	rep := replica(t, "A", 1)
	l := NewList()

	_, err := l.Insert(rep, 0, crdt.TypeLWW, crdt.OpAssign{Value: []byte("b")})
	require.NoError(t, err)
	_, err = l.Insert(rep, 0, crdt.TypeLWW, crdt.OpAssign{Value: []byte("a")})
	require.NoError(t, err)
	_, err = l.Insert(rep, 2, crdt.TypeGCounter, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("a"), []byte("b"), uint64(0)}, l.Values())

	_, err = l.Update(rep, 2, crdt.OpIncrement{By: 4})
	require.NoError(t, err)
	it, err := l.At(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), it.Value.Value())

	_, err = l.Update(rep, 0, crdt.OpIncrement{By: 1})
	assert.ErrorIs(t, err, crdt.ErrInvalidOp)

	require.NoError(t, l.Delete(rep, 1))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []any{[]byte("a"), uint64(4)}, l.Values())

	_, err = l.At(5)
	assert.ErrorIs(t, err, crdt.ErrIndexOutOfRange)
	assert.ErrorIs(t, l.Delete(rep, 2), crdt.ErrIndexOutOfRange)
	_, err = l.Insert(rep, 0, crdt.Type(0x06), nil)
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch)
}

func TestList_ConcurrentEditsConverge(t *testing.T) {
	ra, rb := replica(t, "A", 1), replica(t, "B", 1)
	a := NewList()
	_, err := a.Insert(ra, 0, crdt.TypeORSet, crdt.OpAdd{Element: "milk"})
	require.NoError(t, err)
	b, err := ListFrom(a.State().Clone())
	require.NoError(t, err)

	// A 删除元素，B 并发地更新它：顺序删除胜出
	require.NoError(t, a.Delete(ra, 0))
	_, err = b.Update(rb, 0, crdt.OpAdd{Element: "eggs"})
	require.NoError(t, err)
	_, err = b.Insert(rb, 1, crdt.TypeLWW, crdt.OpAssign{Value: []byte("note")})
	require.NoError(t, err)

	snapshot := a.State().Clone()
	require.NoError(t, a.Merge(b))
	require.NoError(t, b.State().Join(snapshot))

	assert.Equal(t, []any{[]byte("note")}, a.Values())
	assert.Equal(t, a.Values(), b.Values())
	assert.True(t, a.State().Equal(b.State()))
}

func TestList_ItemStateArrivesLater(t *testing.T) {
	rep := replica(t, "A", 1)
	src := NewList()
	_, err := src.Insert(rep, 0, crdt.TypeGCounter, crdt.OpIncrement{By: 1})
	require.NoError(t, err)

	// 只发送顺序插入的 dot，元素状态的 dot 尚未到达
	first := causal.NewContext()
	first.Observe(causal.Dot{Actor: "A", Seq: 1})
	dst, err := ListFrom(crdt.Restrict(src.State(), first))
	require.NoError(t, err)
	assert.Equal(t, 0, dst.Len())

	require.NoError(t, dst.Merge(src))
	assert.Equal(t, []any{uint64(1)}, dst.Values())

	_, err = ListFrom(crdt.NewRGA())
	assert.ErrorIs(t, err, crdt.ErrTypeMismatch)
}
