// Package storage provides the key/value backends the auth layer persists
// into: a process-scoped memory store for the in-flight login attempt and a
// durable file store for the token cache.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Storage is a string key/value store.
type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryStorage keeps values for the lifetime of the process only. Values are
// never written to disk.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage constructs an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// FileStorage persists all keys as a single JSON object. Every read goes to
// disk so separate processes sharing the file observe each other's writes.
//
// The file is created with 0600 permissions and its directory with 0700.
type FileStorage struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFileStorage returns a store backed by path, creating the parent directory.
func NewFileStorage(path string, logger *slog.Logger) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStorage{path: path, logger: logger}, nil
}

// Path returns the backing file.
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		s.logger.Warn("storage read failed", "path", s.path, "error", err)
		return "", false
	}
	v, ok := items[key]
	return v, ok
}

func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		// A corrupt file is replaced rather than blocking every future write.
		s.logger.Warn("discarding unreadable storage file", "path", s.path, "error", err)
		items = make(map[string]string)
	}
	items[key] = value
	return s.write(items)
}

func (s *FileStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		s.logger.Warn("discarding unreadable storage file", "path", s.path, "error", err)
		items = make(map[string]string)
	} else if _, ok := items[key]; !ok {
		return nil
	}
	delete(items, key)
	return s.write(items)
}

func (s *FileStorage) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage: %w", err)
	}
	items := make(map[string]string)
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode storage: %w", err)
	}
	return items, nil
}

// write replaces the file via a temp file and rename so readers never see a
// partial record.
func (s *FileStorage) write(items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".storage-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}
