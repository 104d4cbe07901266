package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileStore implements SecureStore on top of a restricted-permission directory
type fileStore struct {
	lock    *sync.Mutex
	rootDir string
}

/*
NewFileStore define a file backed secure store.

Each item is one file under the root directory, created with 0600 permissions.
Item names are encoded so arbitrary names cannot escape the root directory.
This is a desktop fallback for platforms without an enclave binding.

	@param rootDir string - directory holding the item files
	@return store instance
*/
func NewFileStore(rootDir string) (SecureStore, error) {
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to prepare secure store directory [%w]", err)
	}
	return &fileStore{lock: &sync.Mutex{}, rootDir: rootDir}, nil
}

// itemPath map an item name to its backing file
func (s *fileStore) itemPath(name string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(name))
	return filepath.Join(s.rootDir, encoded)
}

func (s *fileStore) GetItem(_ context.Context, name string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	content, err := os.ReadFile(s.itemPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to read secure store item '%s' [%w]", name, err)
	}
	return content, nil
}

func (s *fileStore) SetItem(_ context.Context, name string, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := os.WriteFile(s.itemPath(name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write secure store item '%s' [%w]", name, err)
	}
	return nil
}

func (s *fileStore) DeleteItem(_ context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := os.Remove(s.itemPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secure store item '%s' [%w]", name, err)
	}
	return nil
}
