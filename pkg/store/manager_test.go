package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiStore_GetRejectsInvalidNamespace(t *testing.T) {
	ms := NewMultiStore(t.TempDir())
	defer ms.CloseAll()

	cases := []string{
		"",
		" ",
		".",
		"..",
		"../escape",
		"space/a",
		`space\b`,
		"space:bad",
		filepath.Join(t.TempDir(), "abs"),
	}

	for _, ns := range cases {
		_, err := ms.Get(ns)
		assert.Error(t, err, "namespace %q should be rejected", ns)
	}
	assert.Error(t, ms.Close("../escape"))
}

func TestMultiStore_ReusesOpenStore(t *testing.T) {
	ms := NewMultiStore(t.TempDir(), WithBadgerValueLogFileSize(1<<20))

	a, err := ms.Get("notes")
	require.NoError(t, err)
	again, err := ms.Get("notes")
	require.NoError(t, err)
	assert.Same(t, a, again)

	require.NoError(t, a.Put("doc", []byte("v1")))
	other, err := ms.Get("photos")
	require.NoError(t, err)
	_, ok, err := other.Get("doc")
	require.NoError(t, err)
	assert.False(t, ok, "命名空间之间互相隔离")

	require.NoError(t, ms.Close("notes"))
	reopened, err := ms.Get("notes")
	require.NoError(t, err)
	b, ok, err := reopened.Get("doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), b)

	require.NoError(t, ms.CloseAll())
}
