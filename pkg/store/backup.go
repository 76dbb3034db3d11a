package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultRestoreMaxPendingWrites = 256

// Backup 把 since 之后的数据写入 w，返回可用于下一次增量备份的版本号。since=0 表示全量。
func (s *BadgerStore) Backup(w io.Writer, since uint64) (uint64, error) {
	return s.db.Backup(w, since)
}

// Load 导入 Backup 产生的数据。
func (s *BadgerStore) Load(r io.Reader, maxPendingWrites int) error {
	if maxPendingWrites <= 0 {
		maxPendingWrites = defaultRestoreMaxPendingWrites
	}
	return s.db.Load(r, maxPendingWrites)
}

// BackupToFile 把 since 之后的数据导出到 path。先写入临时文件，成功后再替换目标文件。
func (s *BadgerStore) BackupToFile(path string, since uint64) (uint64, error) {
	backupPath := strings.TrimSpace(path)
	if backupPath == "" {
		return 0, fmt.Errorf("backup path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return 0, err
	}

	tmpPath := backupPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}

	cleanupTmp := true
	defer func() {
		_ = tmpFile.Close()
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	next, err := s.Backup(tmpFile, since)
	if err != nil {
		return 0, err
	}
	if err := tmpFile.Sync(); err != nil {
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}

	if err := replaceFile(backupPath, tmpPath); err != nil {
		return 0, err
	}
	cleanupTmp = false
	return next, nil
}

// replaceFile 用 tmpPath 替换 destPath，失败时恢复原文件。
func replaceFile(destPath, tmpPath string) error {
	oldPath := destPath + ".old"
	hasOriginal := false

	if _, err := os.Stat(destPath); err == nil {
		_ = os.Remove(oldPath)
		if err := os.Rename(destPath, oldPath); err != nil {
			return err
		}
		hasOriginal = true
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		if hasOriginal {
			_ = os.Rename(oldPath, destPath)
		}
		return err
	}
	if hasOriginal {
		_ = os.Remove(oldPath)
	}
	return nil
}

// RestoreBadgerFromFile 把备份文件恢复到 path 下的新 Badger 存储并打开它。
// path 必须为空目录或不存在，除非 replaceExisting 为 true。
func RestoreBadgerFromFile(backupPath, path string, replaceExisting bool, options ...BadgerOption) (*BadgerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("badger path cannot be empty")
	}
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return nil, fmt.Errorf("backup path cannot be empty")
	}

	if replaceExisting {
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("target store path is not empty: %s", path)
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		return nil, err
	}
	defer backupFile.Close()

	s, err := NewBadgerStore(path, options...)
	if err != nil {
		return nil, err
	}
	if err := s.Load(backupFile, 0); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
