// Package artifacts is the durable, path-keyed object storage under the manifest store.
// Every backend supports a conditional write keyed on the content digest of the object
// currently stored, which is what the manifest store builds compare-and-swap on.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rogpeppe/go-internal/lockedfile"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
)

var (
	ErrNotFound           = errors.New("artifacts: object not found")
	ErrPreconditionFailed = errors.New("artifacts: precondition failed")
	ErrInvalidKey         = errors.New("artifacts: invalid key")
)

// Store persists opaque objects under slash-separated keys.
type Store interface {
	// Put writes data unconditionally and returns its content digest.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// PutIfMatch writes data only if the stored object's digest equals expectedDigest.
	// An empty expectedDigest means the key must not exist yet.
	PutIfMatch(ctx context.Context, key string, data []byte, expectedDigest string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"), strings.Contains(key, `\`):
		return fmt.Errorf("%w: %q must be relative and slash-separated", ErrInvalidKey, key)
	case path.Clean(key) != key:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}

// Digest is the content digest every backend reports for data.
func Digest(data []byte) string {
	return canonicalize.DigestBytes(data)
}

// lockName is the file under baseDir that serializes writers across processes.
const lockName = ".lock"

// FileStore keeps objects as files under baseDir. Writes hold an OS file lock on
// baseDir/.lock, so processes sharing the directory see PutIfMatch as atomic.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	flock   *lockedfile.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, flock: lockedfile.MutexAt(filepath.Join(baseDir, lockName))}, nil
}

// lock takes the in-process write lock and then the directory lock.
func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	unlock, err := s.flock.Lock()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", s.baseDir, err)
	}
	return func() {
		unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	unlock, err := s.lock()
	if err != nil {
		return "", err
	}
	defer unlock()
	if err := writeAtomic(p, data); err != nil {
		return "", err
	}
	return Digest(data), nil
}

func (s *FileStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedDigest string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	unlock, err := s.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := os.ReadFile(p) //nolint:gosec // key validated
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if expectedDigest != "" {
			return "", fmt.Errorf("%w: %s does not exist", ErrPreconditionFailed, key)
		}
	case err != nil:
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	default:
		if expectedDigest == "" || Digest(current) != expectedDigest {
			return "", fmt.Errorf("%w: %s changed", ErrPreconditionFailed, key)
		}
	}
	if err := writeAtomic(p, data); err != nil {
		return "", err
	}
	return Digest(data), nil
}

func writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to stage object: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p) //nolint:gosec // key validated
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if d.Name() == lockName && filepath.Dir(p) == filepath.Clean(s.baseDir) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
