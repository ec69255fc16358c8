package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Store is blob key-value storage with append. Implementations must allow
// concurrent readers; Append is serialized per store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Append(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// FSStore stores blobs as files under a root directory.
type FSStore struct {
	root string

	appendMu sync.Mutex
}

// NewFSStore creates the store, making the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, eris.New("storage: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "storage: create root")
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", eris.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes the blob, creating parent directories.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "storage: mkdir for put")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "storage: write "+key)
	}
	return nil
}

// Get reads the blob.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "storage: read "+key)
	}
	return data, nil
}

// Append adds data to the end of the blob, creating it if absent. Appends
// are serialized across the store (the billing ledger requires a single
// writer).
func (s *FSStore) Append(_ context.Context, key string, data []byte) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "storage: mkdir for append")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "storage: open for append "+key)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write(data); err != nil {
		return eris.Wrap(err, "storage: append "+key)
	}
	return nil
}

// Exists reports whether the key is present.
func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, eris.Wrap(err, "storage: stat "+key)
	}
	return true, nil
}

// List returns all keys under the prefix, sorted.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	dir, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "storage: list "+prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// PutJSON marshals v with indentation and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "storage: marshal "+key)
	}
	return s.Put(ctx, key, data)
}

// GetJSON reads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "storage: unmarshal "+key)
	}
	return nil
}
