package storage

import (
	"sync"
)

// In memory implementation of StopNameStore

type MemoryStorage struct {
	mutex    sync.Mutex
	snapshot *StopNameSnapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) ReadStopNames() (*StopNameSnapshot, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.snapshot == nil {
		return nil, nil
	}
	return copySnapshot(s.snapshot), nil
}

func (s *MemoryStorage) WriteStopNames(snapshot *StopNameSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshot = copySnapshot(snapshot)
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func copySnapshot(s *StopNameSnapshot) *StopNameSnapshot {
	names := make(map[string]string, len(s.Names))
	for id, name := range s.Names {
		names[id] = name
	}
	return &StopNameSnapshot{
		Source:   s.Source,
		LoadedAt: s.LoadedAt,
		Names:    names,
	}
}
