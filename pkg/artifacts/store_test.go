package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	bs, err := NewBadgerStore(BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]Store{
		"file":   fs,
		"memory": NewMemoryStore(),
		"badger": bs,
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "manifest/J1.json")
			assert.True(t, errors.Is(err, ErrNotFound))

			d1, err := s.Put(ctx, "manifest/J1.json", []byte(`{"v":1}`))
			require.NoError(t, err)
			assert.Equal(t, Digest([]byte(`{"v":1}`)), d1)

			got, err := s.Get(ctx, "manifest/J1.json")
			require.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(got))

			ok, err := s.Exists(ctx, "manifest/J1.json")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = s.Put(ctx, "manifest/repair/J1-repair-a.json", []byte(`{}`))
			require.NoError(t, err)
			_, err = s.Put(ctx, "manifest/repair/J1-repair-a.contract.json", []byte(`{}`))
			require.NoError(t, err)

			keys, err := s.List(ctx, "manifest/repair/")
			require.NoError(t, err)
			assert.Equal(t, []string{
				"manifest/repair/J1-repair-a.contract.json",
				"manifest/repair/J1-repair-a.json",
			}, keys)

			require.NoError(t, s.Delete(ctx, "manifest/repair/J1-repair-a.json"))
			require.NoError(t, s.Delete(ctx, "manifest/repair/J1-repair-a.json"), "delete is idempotent")
			ok, err = s.Exists(ctx, "manifest/repair/J1-repair-a.json")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorePutIfMatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "manifest/repair/R1.json"

			_, err := s.PutIfMatch(ctx, key, []byte("v1"), Digest([]byte("v0")))
			assert.True(t, errors.Is(err, ErrPreconditionFailed), "missing object with expected digest")

			d1, err := s.PutIfMatch(ctx, key, []byte("v1"), "")
			require.NoError(t, err)

			_, err = s.PutIfMatch(ctx, key, []byte("v1b"), "")
			assert.True(t, errors.Is(err, ErrPreconditionFailed), "create over existing object")

			d2, err := s.PutIfMatch(ctx, key, []byte("v2"), d1)
			require.NoError(t, err)

			_, err = s.PutIfMatch(ctx, key, []byte("v3"), d1)
			assert.True(t, errors.Is(err, ErrPreconditionFailed), "stale digest")

			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))
			assert.Equal(t, Digest(got), d2)
		})
	}
}

func TestStorePutIfMatchSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "manifest/repair/race.json"
			base, err := s.Put(ctx, key, []byte("base"))
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if _, err := s.PutIfMatch(ctx, key, []byte{byte('a' + i)}, base); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/etc/passwd", "../escape.json", "manifest/../x", "a//b", `a\b`, "./a"} {
				_, err := s.Put(ctx, key, []byte("x"))
				assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
			}
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "manifest/J1.json", []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "manifest"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "J1.json", entries[0].Name())
}

func TestFileStorePutIfMatchAcrossStoreInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFileStore(dir)
	require.NoError(t, err)
	b, err := NewFileStore(dir)
	require.NoError(t, err)

	key := "manifest/repair/shared.json"
	base, err := a.Put(ctx, key, []byte("base"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.PutIfMatch(ctx, key, []byte{byte('a' + i)}, base); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	keys, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}
