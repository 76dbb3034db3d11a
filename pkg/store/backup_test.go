package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_BackupAndRestore(t *testing.T) {
	src, err := NewBadgerStore(filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Put("doc-1", []byte("one")))
	require.NoError(t, src.Put("_acks/doc-1", []byte("ack")))

	backupPath := filepath.Join(t.TempDir(), "backups", "full.badgerbak")
	since, err := src.BackupToFile(backupPath, 0)
	require.NoError(t, err)
	assert.NotZero(t, since)
	_, err = os.Stat(backupPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "临时文件已被替换")

	restorePath := filepath.Join(t.TempDir(), "restore")
	restored, err := RestoreBadgerFromFile(backupPath, restorePath, false)
	require.NoError(t, err)
	defer restored.Close()

	b, ok, err := restored.Get("doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), b)
	ids, err := restored.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"_acks/doc-1", "doc-1"}, ids)
}

func TestBadgerStore_IncrementalBackup(t *testing.T) {
	src, err := NewBadgerStore(filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)
	defer src.Close()

	dir := t.TempDir()
	fullPath := filepath.Join(dir, "full.badgerbak")
	incPath := filepath.Join(dir, "inc.badgerbak")
	require.NoError(t, src.Put("a", []byte("1")))
	since, err := src.BackupToFile(fullPath, 0)
	require.NoError(t, err)

	require.NoError(t, src.Put("b", []byte("2")))
	next, err := src.BackupToFile(incPath, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next, since)

	// 全量恢复后叠加增量
	restored, err := RestoreBadgerFromFile(fullPath, filepath.Join(t.TempDir(), "restore"), false)
	require.NoError(t, err)
	defer restored.Close()
	_, ok, err := restored.Get("b")
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := os.Open(incPath)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, restored.Load(f, 0))

	ids, err := restored.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRestoreBadgerFromFile_RejectsNonEmptyTarget(t *testing.T) {
	src, err := NewBadgerStore(filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)
	require.NoError(t, src.Put("doc-1", []byte("one")))
	backupPath := filepath.Join(t.TempDir(), "full.badgerbak")
	_, err = src.BackupToFile(backupPath, 0)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0o644))
	_, err = RestoreBadgerFromFile(backupPath, target, false)
	assert.Error(t, err)

	restored, err := RestoreBadgerFromFile(backupPath, target, true)
	require.NoError(t, err)
	defer restored.Close()
	_, err = os.Stat(filepath.Join(target, "keep.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = RestoreBadgerFromFile("", target, true)
	assert.Error(t, err)
	_, err = src.BackupToFile(" ", 0)
	assert.Error(t, err)
}
