package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hexKeyPrefix marks file names that carry a hex-encoded key.
const hexKeyPrefix = "x-"

// FileDB implements DB as one file per key inside a directory. This is the
// layout shared by every layer process on a host: each process owns and
// rewrites only its own files, and readers never take locks.
//
// Writes go through a temp file and a rename, so a concurrent reader sees
// either the previous or the next value, never a torn one.
type FileDB struct {
	dir string
}

// NewFile opens (creating if needed) a file-backed store rooted at dir.
func NewFile(dir string) (*FileDB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileDB{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (f *FileDB) Dir() string {
	return f.dir
}

// Path returns the file path used for key.
func (f *FileDB) Path(key []byte) string {
	return filepath.Join(f.dir, encodeFileKey(key))
}

// Get retrieves a value by key.
func (f *FileDB) Get(key []byte) ([]byte, error) {
	data, err := os.ReadFile(f.Path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file get: %w", err)
	}
	return data, nil
}

// Put stores a key-value pair atomically.
func (f *FileDB) Put(key, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("file put: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file put: %w", err)
	}
	if err := os.Rename(tmpName, f.Path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file put: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (f *FileDB) Delete(key []byte) error {
	err := os.Remove(f.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (f *FileDB) Has(key []byte) (bool, error) {
	_, err := os.Stat(f.Path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("file has: %w", err)
	}
	return true, nil
}

// ForEach iterates over all keys with the given prefix.
// Files that disappear between listing and reading are skipped.
func (f *FileDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("file foreach: %w", err)
	}
	p := string(prefix)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, ok := decodeFileKey(e.Name())
		if !ok || !strings.HasPrefix(string(key), p) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("file foreach: %w", err)
		}
		if err := fn(key, data); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (f *FileDB) Close() error {
	return nil
}

// encodeFileKey keeps human-readable keys as plain file names and hex-encodes
// anything else (separators, binary bytes, leading dots).
func encodeFileKey(key []byte) string {
	if isPlainKey(key) {
		return string(key)
	}
	return hexKeyPrefix + hex.EncodeToString(key)
}

func decodeFileKey(name string) ([]byte, bool) {
	if strings.HasPrefix(name, hexKeyPrefix) {
		b, err := hex.DecodeString(name[len(hexKeyPrefix):])
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return []byte(name), true
}

func isPlainKey(key []byte) bool {
	if len(key) == 0 || key[0] == '.' || strings.HasPrefix(string(key), hexKeyPrefix) {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
