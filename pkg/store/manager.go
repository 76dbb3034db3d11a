package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MultiStore 管理多个 BadgerStore 实例，每个命名空间 (例如一个共享空间) 一个目录。
type MultiStore struct {
	rootPath string
	options  []BadgerOption
	mu       sync.RWMutex
	stores   map[string]*BadgerStore
}

// NewMultiStore 创建一个新的 MultiStore 管理器。
// rootPath 是存储所有命名空间数据库的目录。
func NewMultiStore(rootPath string, options ...BadgerOption) *MultiStore {
	return &MultiStore{
		rootPath: rootPath,
		options:  options,
		stores:   make(map[string]*BadgerStore),
	}
}

// validNamespace 拒绝可能逃出根目录或在不同平台上含义不同的名字。
func validNamespace(ns string) error {
	if strings.TrimSpace(ns) == "" || ns == "." || ns == ".." {
		return fmt.Errorf("invalid namespace %q", ns)
	}
	if strings.ContainsAny(ns, `/\:`) || filepath.IsAbs(ns) {
		return fmt.Errorf("invalid namespace %q", ns)
	}
	return nil
}

// Get 返回给定命名空间的存储，尚未打开时打开它。
func (m *MultiStore) Get(ns string) (*BadgerStore, error) {
	if err := validNamespace(ns); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.stores[ns]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 双重检查
	if s, ok := m.stores[ns]; ok {
		return s, nil
	}

	dbPath := filepath.Join(m.rootPath, ns)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create namespace directory: %w", err)
	}

	store, err := NewBadgerStore(dbPath, m.options...)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace store: %w", err)
	}

	m.stores[ns] = store
	return store, nil
}

// Close 关闭给定命名空间的存储。
func (m *MultiStore) Close(ns string) error {
	if err := validNamespace(ns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[ns]
	if !ok {
		return nil
	}

	delete(m.stores, ns)
	return s.Close()
}

// CloseAll 关闭所有打开的存储。
func (m *MultiStore) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, id)
	}
	return firstErr
}
