package blobs

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-machine runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, info SnapshotInfo, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := info.Key()
	if _, ok := s.objects[key]; ok {
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[key] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, info SnapshotInfo) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := info.Key()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %q: %w", key, os.ErrNotExist)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
