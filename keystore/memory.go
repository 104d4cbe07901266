package keystore

import (
	"context"
	"sync"
)

// inMemoryStore implements SecureStore with process-local storage
type inMemoryStore struct {
	lock  *sync.RWMutex
	items map[string][]byte
}

/*
NewInMemoryStore define an in-memory secure store.

Contents do not survive the process; meant for unit-testing and ephemeral use.

	@return store instance
*/
func NewInMemoryStore() SecureStore {
	return &inMemoryStore{lock: &sync.RWMutex{}, items: make(map[string][]byte)}
}

func (s *inMemoryStore) GetItem(_ context.Context, name string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	item, ok := s.items[name]
	if !ok {
		return nil, ErrItemNotFound
	}
	itemCopy := make([]byte, len(item))
	copy(itemCopy, item)
	return itemCopy, nil
}

func (s *inMemoryStore) SetItem(_ context.Context, name string, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	itemCopy := make([]byte, len(data))
	copy(itemCopy, data)
	s.items[name] = itemCopy
	return nil
}

func (s *inMemoryStore) DeleteItem(_ context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.items, name)
	return nil
}
