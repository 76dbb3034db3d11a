package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/hlc"
)

var allTypes = []crdt.Type{crdt.TypeGCounter, crdt.TypePNCounter, crdt.TypeLWW, crdt.TypeGSet, crdt.TypeORSet, crdt.TypeRGA, crdt.TypeMap}

func replica(t testing.TB, id string) *causal.Replica {
	t.Helper()
	rep, err := causal.NewReplica(causal.ActorID(id), hlc.WithSource(func() int64 { return 1 }))
	require.NoError(t, err)
	return rep
}

func letter(r *rand.Rand) string { return string(rune('a' + r.IntN(5))) }

func randomOp(r *rand.Rand, s crdt.State) crdt.Op {
	switch st := s.(type) {
	case *crdt.GCounter:
		return crdt.OpIncrement{By: uint64(r.IntN(9) + 1)}
	case *crdt.PNCounter:
		if r.IntN(2) == 0 {
			return crdt.OpDecrement{By: uint64(r.IntN(9) + 1)}
		}
		return crdt.OpIncrement{By: uint64(r.IntN(9) + 1)}
	case *crdt.LWWRegister:
		return crdt.OpAssign{Value: []byte(letter(r))}
	case *crdt.GSet:
		return crdt.OpAdd{Element: letter(r)}
	case *crdt.ORSet:
		if elems := st.Elements(); len(elems) > 0 && r.IntN(3) == 0 {
			return crdt.OpRemove{Element: elems[r.IntN(len(elems))]}
		}
		return crdt.OpAdd{Element: letter(r)}
	case *crdt.RGA:
		elems := st.Elements()
		if len(elems) > 0 && r.IntN(3) == 0 {
			return crdt.OpDelete{Target: elems[r.IntN(len(elems))].ID}
		}
		var after causal.Dot
		if i := r.IntN(len(elems) + 1); i > 0 {
			after = elems[i-1].ID
		}
		return crdt.OpInsert{After: after, Value: letter(r)}
	case *crdt.ORMap:
		switch r.IntN(4) {
		case 0:
			return crdt.OpDeleteKey{Key: "tags"}
		case 1:
			return crdt.OpUpdate{Key: "title", Type: crdt.TypeLWW, Op: crdt.OpAssign{Value: []byte(letter(r))}}
		case 2:
			return crdt.OpUpdate{Key: "tags", Type: crdt.TypeORSet, Op: crdt.OpAdd{Element: letter(r)}}
		default:
			return crdt.OpUpdate{Key: "likes", Type: crdt.TypeGCounter, Op: crdt.OpIncrement{By: 1}}
		}
	}
	panic("unreachable")
}

// randomState 在两个副本上生成状态并合并，使上下文包含多个 actor。
func randomState(t testing.TB, r *rand.Rand, typ crdt.Type) crdt.State {
	t.Helper()
	a, err := crdt.New(typ)
	require.NoError(t, err)
	b, err := crdt.New(typ)
	require.NoError(t, err)
	ra, rb := replica(t, "alice"), replica(t, "bob")
	for range r.IntN(20) {
		_, err := a.ApplyLocal(ra, randomOp(r, a))
		require.NoError(t, err)
		_, err = b.ApplyLocal(rb, randomOp(r, b))
		require.NoError(t, err)
	}
	require.NoError(t, a.Join(b))
	return a
}

func TestCodec_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, typ := range allTypes {
		t.Run(typ.String(), func(t *testing.T) {
			for range 25 {
				s := randomState(t, r, typ)
				for _, v := range []uint64{VersionJSON, VersionMsgpack} {
					b, err := EncodeVersion(s, v)
					require.NoError(t, err)
					back, err := Decode(b)
					require.NoError(t, err)
					assert.True(t, s.Equal(back), "version %d", v)
					assert.Equal(t, s.Value(), back.Value())
				}
			}
		})
	}
}

func TestCodec_Canonical(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for _, typ := range allTypes {
		s := randomState(t, r, typ)
		first, err := Encode(s)
		require.NoError(t, err)
		second, err := Encode(s.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, second, typ.String())

		back, err := Decode(first)
		require.NoError(t, err)
		third, err := Encode(back)
		require.NoError(t, err)
		assert.Equal(t, first, third, "解码后重新编码应得到相同的字节")
	}
}

func TestCodec_Header(t *testing.T) {
	b, err := Encode(crdt.NewGCounter())
	require.NoError(t, err)
	assert.Equal(t, byte(crdt.TypeGCounter), b[0])
	v, n := binary.Uvarint(b[1:])
	assert.Equal(t, CurrentVersion, v)
	assert.Equal(t, 1, n)

	typ, err := PeekType(b)
	require.NoError(t, err)
	assert.Equal(t, crdt.TypeGCounter, typ)
}

func TestCodec_UnsupportedVersion(t *testing.T) {
	for _, v := range []uint64{0, CurrentVersion + 1, 1 << 40} {
		b := binary.AppendUvarint([]byte{byte(crdt.TypeORSet)}, v)
		b = append(b, 0x80)
		_, err := Decode(b)
		require.ErrorIs(t, err, ErrUnsupportedVersion)

		var derr *DecodeError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, UnsupportedVersion, derr.Kind)
		assert.Equal(t, v, derr.Version)
	}

	_, err := EncodeVersion(crdt.NewORSet(), 9)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCodec_Malformed(t *testing.T) {
	rep := replica(t, "alice")
	s := crdt.NewORSet()
	_, err := s.Add(rep, "x")
	require.NoError(t, err)
	good, err := Encode(s)
	require.NoError(t, err)

	badIndex, err := msgpack.Marshal(&crdt.WireState{
		Actors:  []string{"alice"},
		Context: []crdt.WireSpan{{Actor: 0, Lo: 1, Hi: 1}},
		Elems:   []crdt.WireElem{{Dot: crdt.WireDot{Actor: 3, Seq: 1}, Value: "x"}},
	})
	require.NoError(t, err)
	hugeSpan, err := msgpack.Marshal(&crdt.WireState{
		Actors:  []string{"alice"},
		Context: []crdt.WireSpan{{Actor: 0, Lo: 1, Hi: ^uint64(0)}},
	})
	require.NoError(t, err)
	header := binary.AppendUvarint([]byte{byte(crdt.TypeORSet)}, CurrentVersion)

	cases := map[string][]byte{
		"empty":             nil,
		"unknown tag":       append([]byte{0x7f}, good[1:]...),
		"missing version":   {byte(crdt.TypeORSet)},
		"truncated body":    good[:len(good)-2],
		"trailing bytes":    append(append([]byte{}, good...), 0x00),
		"actor index":       append(append([]byte{}, header...), badIndex...),
		"max uint64 span":   append(append([]byte{}, header...), hugeSpan...),
		"not msgpack":       append(append([]byte{}, header...), 0xc1),
		"wrong shape":       append(append([]byte{}, header...), 0x93, 0x01, 0x02, 0x03),
		"json wrong fields": append(binary.AppendUvarint([]byte{byte(crdt.TypeORSet)}, VersionJSON), []byte(`{"zz":1}`)...),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.NotErrorIs(t, err, ErrUnsupportedVersion)
		})
	}
}

func TestCodec_MapKeyWithoutEntry(t *testing.T) {
	ws := &crdt.WireState{
		Actors:  []string{"alice"},
		Context: []crdt.WireSpan{{Actor: 0, Lo: 1, Hi: 1}},
		Elems:   []crdt.WireElem{{Dot: crdt.WireDot{Actor: 0, Seq: 1}, Value: "title"}},
	}
	packed, err := msgpack.Marshal(ws)
	require.NoError(t, err)
	text, err := json.Marshal(ws)
	require.NoError(t, err)

	for v, body := range map[uint64][]byte{VersionMsgpack: packed, VersionJSON: text} {
		b := append(binary.AppendUvarint([]byte{byte(crdt.TypeMap)}, v), body...)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrMalformed, "version %d", v)
	}
}

// corrupt 返回一个 ORSet 编码，其主体中的元素数组长度头被改写为 n。
func corrupt(t testing.TB, n uint32) []byte {
	t.Helper()
	body, err := msgpack.Marshal(&crdt.WireState{
		Actors:  []string{"alice"},
		Context: []crdt.WireSpan{{Actor: 0, Lo: 1, Hi: 1}},
		Elems:   []crdt.WireElem{{Dot: crdt.WireDot{Actor: 0, Seq: 1}, Value: "x"}},
	})
	require.NoError(t, err)
	// "e" 之后紧跟单元素的 fixarray 头
	i := bytes.Index(body, []byte{0xa1, 'e', 0x91})
	require.GreaterOrEqual(t, i, 0)
	var hdr [5]byte
	hdr[0] = 0xdd
	binary.BigEndian.PutUint32(hdr[1:], n)
	mutated := append(append(append([]byte{}, body[:i+2]...), hdr[:]...), body[i+3:]...)
	return append(binary.AppendUvarint([]byte{byte(crdt.TypeORSet)}, VersionMsgpack), mutated...)
}

func TestCodec_OversizedLengthHeaders(t *testing.T) {
	header := binary.AppendUvarint([]byte{byte(crdt.TypeORSet)}, VersionMsgpack)
	deep := append(bytes.Repeat([]byte{0x91}, MaxNesting+8), 0xc0)
	cases := map[string][]byte{
		"array32":       corrupt(t, 0xffffffff),
		"array32 short": corrupt(t, 2),
		"map32":         append(append([]byte{}, header...), 0xdf, 0xff, 0xff, 0xff, 0xff),
		"str32":         append(append([]byte{}, header...), 0x81, 0xa1, 'a', 0x91, 0xdb, 0xff, 0xff, 0xff, 0x00),
		"bin32":         append(append([]byte{}, header...), 0xc6, 0x7f, 0xff, 0xff, 0xff),
		"deep nesting":  append(append([]byte{}, header...), deep...),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := Decode(b)
			runtime.ReadMemStats(&after)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "allocation must not follow the length header")
		})
	}

	good := corrupt(t, 1)
	_, err := Decode(good)
	require.NoError(t, err, "未改写的长度头")
}

func TestCheckBounds_AcceptsRealEncodings(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for _, typ := range allTypes {
		body, err := marshal(crdt.Export(randomState(t, r, typ)), VersionMsgpack)
		require.NoError(t, err)
		assert.NoError(t, CheckBounds(body), typ.String())
		assert.Error(t, CheckBounds(body[:len(body)-1]), "截断的 %s", typ)
	}
	assert.NoError(t, CheckBounds(append(bytes.Repeat([]byte{0x91}, MaxNesting), 0xc0)))
}

// 任意输入只能得到错误或可用的状态，不能崩溃。
func FuzzDecode(f *testing.F) {
	r := rand.New(rand.NewPCG(9, 10))
	for _, typ := range allTypes {
		for range 3 {
			s := randomState(f, r, typ)
			for _, v := range []uint64{VersionJSON, VersionMsgpack} {
				b, err := EncodeVersion(s, v)
				require.NoError(f, err)
				f.Add(b)
			}
		}
	}
	f.Add(corrupt(f, 0xffffffff))

	f.Fuzz(func(t *testing.T, b []byte) {
		s, err := Decode(b)
		if err != nil {
			if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrUnsupportedVersion) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		_ = s.Value()
		if _, err := Encode(s); err != nil {
			t.Fatalf("re-encode decoded state: %v", err)
		}
	})
}

func TestCodec_Context(t *testing.T) {
	ctx := causal.NewContext()
	for _, d := range []causal.Dot{{Actor: "b", Seq: 1}, {Actor: "b", Seq: 2}, {Actor: "a", Seq: 5}} {
		ctx.Observe(d)
	}
	for _, v := range []uint64{VersionJSON, VersionMsgpack} {
		b, err := EncodeContextVersion(ctx, v)
		require.NoError(t, err)
		back, err := DecodeContext(b)
		require.NoError(t, err)
		assert.True(t, ctx.Equal(back))
	}

	b, err := EncodeContext(nil)
	require.NoError(t, err)
	back, err := DecodeContext(b)
	require.NoError(t, err)
	assert.True(t, back.IsEmpty())

	_, err = DecodeContext([]byte{0x05, 0x80})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
