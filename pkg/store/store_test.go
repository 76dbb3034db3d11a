package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore interface {
	Storage
	Lister
	Deleter
	Close() error
}

func openStores(t *testing.T) map[string]testStore {
	t.Helper()
	badgerStore, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	memBadger, err := NewBadgerStore("", WithBadgerInMemory())
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)

	stores := map[string]testStore{
		"memory":          NewMemoryStore(),
		"badger":          badgerStore,
		"badger-inmemory": memBadger,
		"bolt":            boltStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStorage_PutGet(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put("doc-1", []byte{0x02, 0x02, 0x80}))
			b, ok, err := s.Get("doc-1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte{0x02, 0x02, 0x80}, b)

			// 返回值是拷贝
			b[0] = 0xff
			again, _, err := s.Get("doc-1")
			require.NoError(t, err)
			assert.Equal(t, byte(0x02), again[0])

			require.NoError(t, s.Put("doc-1", []byte("v2")))
			b, _, err = s.Get("doc-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), b)

			assert.ErrorIs(t, s.Put("", []byte("x")), ErrInvalidID)
		})
	}
}

func TestStorage_ListAndDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"doc/b", "doc/a", "img/1"} {
				require.NoError(t, s.Put(id, []byte(id)))
			}
			ids, err := s.List("doc/")
			require.NoError(t, err)
			assert.Equal(t, []string{"doc/a", "doc/b"}, ids)

			all, err := s.List("")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.Delete("doc/a"))
			require.NoError(t, s.Delete("never-existed"))
			ids, err = s.List("doc/")
			require.NoError(t, err)
			assert.Equal(t, []string{"doc/b"}, ids)
		})
	}
}

func TestBadgerStore_Options(t *testing.T) {
	_, err := NewBadgerStore(t.TempDir(), WithBadgerValueLogFileSize(0))
	assert.Error(t, err)

	s, err := NewBadgerStore(t.TempDir(), nil, WithBadgerValueLogFileSize(1<<20))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("doc", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	b, ok, err := s.Get("doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("persisted"), b)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, _, err := s.Get("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put("x", nil), ErrClosed)
}
