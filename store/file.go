package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileStore keeps one file per key under a directory.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	rename func(oldpath, newpath string) error
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("[NewFileStore] : %w", err)
	}

	return &FileStore{dir: dir, rename: os.Rename}, nil
}

func (fs *FileStore) path(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("[FileStore] : %w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(fs.dir, key), nil
}

func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("[FileStore.Get] : %w", err)
	}

	return data, nil
}

// Set writes to a temp file in the same directory and renames it over the old one.
func (fs *FileStore) Set(_ context.Context, key string, value []byte) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	tmp, err := os.CreateTemp(fs.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("[FileStore.Set] : %w", err)
	}

	tmpName := tmp.Name()

	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("[FileStore.Set] : %w", cause)
	}

	if _, err := tmp.Write(value); err != nil {
		return cleanup(err)
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
		return cleanup(err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("[FileStore.Set] : %w", err)
	}

	if err := fs.rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("[FileStore.Set] : %w", err)
	}

	return nil
}

func (fs *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return fmt.Errorf("[FileStore.Ping] : %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("[FileStore.Ping] : %s is not a directory", fs.dir)
	}

	return nil
}
