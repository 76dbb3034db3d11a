package store

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	ErrClosed    = errors.New("store closed")
	ErrInvalidID = errors.New("invalid object id")
)

// Storage 是对象存储的协作接口：按对象 ID 存取不透明的编码块。
// 块的内容 (编解码后的 CRDT 状态) 不由存储解释。
type Storage interface {
	// Get 返回对象的编码块，对象不存在时 ok 为 false。
	Get(id string) (b []byte, ok bool, err error)

	// Put 写入对象的编码块，覆盖旧值。
	Put(id string, b []byte) error
}

// Lister 是可选接口：列出以 prefix 开头的对象 ID，按字典序返回。
type Lister interface {
	List(prefix string) ([]string, error)
}

// Deleter 是可选接口：删除对象。对象不存在时不是错误。
type Deleter interface {
	Delete(id string) error
}

func checkID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	return nil
}

// MemoryStore 是进程内的 Storage 实现，用于测试和临时副本。
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	closed bool
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.blobs[id]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(b), true, nil
}

func (s *MemoryStore) Put(id string, b []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.blobs[id] = slices.Clone(b)
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id := range s.blobs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close 使后续操作返回 ErrClosed。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blobs = nil
	return nil
}
