// Package store is the content-addressed bundle store. Every object is
// immutable and keyed by the SHA-256 of its bytes, so a key can never
// refer to two different payloads. The execution core only reads; the
// publish path is the sole writer.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// HashPrefix is the canonical content-hash prefix.
const HashPrefix = "sha256:"

// Store is the contract for content-addressed bundle storage.
type Store interface {
	// Put persists data and returns its content hash. Idempotent:
	// storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks presence without fetching.
	Exists(ctx context.Context, hash string) (bool, error)
}

// HashBytes computes the canonical content hash of a payload.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// rawHash strips and validates the "sha256:" prefix, returning the hex
// portion. All backends share this so a malformed hash can never become
// a storage path or object key.
func rawHash(hash string) (string, error) {
	if !strings.HasPrefix(hash, HashPrefix) {
		return "", fmt.Errorf("store: invalid hash format: %s", hash)
	}
	raw := hash[len(HashPrefix):]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("store: invalid hash hex: %w", err)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("store: hash length %d, want %d", len(raw), sha256.Size*2)
	}
	return raw, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure bundle dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".bundle")
}

// Put writes via temp file + rename so a crashed write can never leave
// a partial object under a valid key.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := HashBytes(data)
	raw := hash[len(HashPrefix):]
	path := s.path(raw)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("store: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("store: commit bundle: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: bundle not found: %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("store: open bundle: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("store: read bundle: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("store: stat bundle: %w", err)
}
