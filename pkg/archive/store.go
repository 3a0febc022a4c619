// Package archive keeps a content-addressed copy of every settled plan.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const addressPrefix = "sha256:"

// ErrNotFound is returned when no object is stored under an address.
var ErrNotFound = errors.New("archive: object not found")

// Store is a content-addressed blob store. Addresses have the form "sha256:<hex>".
type Store interface {
	// Put persists data and returns its address. Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under address.
	Get(ctx context.Context, address string) ([]byte, error)
	// Exists reports whether address is stored.
	Exists(ctx context.Context, address string) (bool, error)
}

// Address returns the content address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return addressPrefix + hex.EncodeToString(sum[:])
}

// objectName validates address and returns the object name used by every backend.
func objectName(address string) (string, error) {
	raw, ok := strings.CutPrefix(address, addressPrefix)
	if !ok {
		return "", fmt.Errorf("invalid address format: %s", address)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid address hex: %s", address)
	}
	return raw + ".json", nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	address := Address(data)
	name, err := objectName(address)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: archived records are not secret
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit archive object: %w", err)
	}
	return address, nil
}

func (s *FileStore) Get(ctx context.Context, address string) ([]byte, error) {
	name, err := objectName(address)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, name)) //nolint:gosec // name validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive object: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, address string) (bool, error) {
	name, err := objectName(address)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat archive object: %w", err)
}
