package docs

import (
	"context"
	"sync"
)

// MemoryStore keeps locks in process memory.
type MemoryStore struct {
	lock  sync.Mutex
	locks map[Key]string
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[Key]string)}
}

// Lock implements LockStore.
func (s *MemoryStore) Lock(ctx context.Context, key Key, owner string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if current, ok := s.locks[key]; ok && current != owner {
		return ErrLocked
	}
	s.locks[key] = owner
	return nil
}

// Unlock implements LockStore.
func (s *MemoryStore) Unlock(ctx context.Context, key Key, owner string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	current, ok := s.locks[key]
	if !ok {
		return ErrNotLocked
	}
	if current != owner {
		return ErrNotOwner
	}
	delete(s.locks, key)
	return nil
}

// IsLocked implements LockStore.
func (s *MemoryStore) IsLocked(ctx context.Context, key Key) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, ok := s.locks[key]
	return ok, nil
}

// ReleaseOwner implements LockStore.
func (s *MemoryStore) ReleaseOwner(ctx context.Context, owner string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := 0
	for key, current := range s.locks {
		if current == owner {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

// Close implements LockStore.
func (s *MemoryStore) Close() error {
	return nil
}
