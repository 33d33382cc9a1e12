package artifacts

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on an embedded Badger database. Conditional writes run
// inside a single read-write transaction, so a concurrent commit surfaces as
// ErrPreconditionFailed.
type BadgerStore struct {
	db *badger.DB
}

type BadgerStoreConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, fmt.Errorf("badger dir is required")
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("badger put failed for %s: %w", key, err)
	}
	return Digest(data), nil
}

func (s *BadgerStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedDigest string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expectedDigest != "" {
				return fmt.Errorf("%w: %s does not exist", ErrPreconditionFailed, key)
			}
		case err != nil:
			return err
		default:
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if expectedDigest == "" || Digest(current) != expectedDigest {
				return fmt.Errorf("%w: %s changed", ErrPreconditionFailed, key)
			}
		}
		return txn.Set([]byte(key), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return "", fmt.Errorf("%w: %s: %v", ErrPreconditionFailed, key, err)
	}
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return "", err
		}
		return "", fmt.Errorf("badger put failed for %s: %w", key, err)
	}
	return Digest(data), nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("badger get failed for %s: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger get failed for %s: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete failed for %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list failed for %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
