// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// badgerRetries bounds optimistic transaction retries on write conflicts.
const badgerRetries = 16

// BadgerStore is an embedded Store for single-host deployments that still
// want coordination state to survive restarts.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenBadgerInMemory opens a non-persistent instance.
func OpenBadgerInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger in-memory: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func entry(key, value string, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), []byte(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func readItem(txn *badger.Txn, key string) (string, uint64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", 0, err
	}
	return string(val), item.ExpiresAt(), nil
}

// remaining converts a badger unix-seconds expiry back to a TTL.
func remaining(expiresAt uint64) time.Duration {
	if expiresAt == 0 {
		return 0
	}
	d := time.Until(time.Unix(int64(expiresAt), 0))
	if d <= 0 {
		return time.Second
	}
	return d
}

func (s *BadgerStore) Get(_ context.Context, key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		v, _, err := readItem(txn, key)
		out = v
		return err
	})
	return out, err
}

func (s *BadgerStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	return s.update(func(txn *badger.Txn) error {
		v, _, err := readItem(txn, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.SetEntry(entry(key, v, ttl))
	})
}

func (s *BadgerStore) add(key string, delta int64) (int64, error) {
	var next int64
	err := s.update(func(txn *badger.Txn) error {
		v, exp, err := readItem(txn, key)
		var cur int64
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			cur, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("coord: counter %q is not an integer: %w", key, err)
			}
		}
		next = cur + delta
		switch {
		case delta > 0 && next < 1:
			next = 1
		case delta < 0 && next < 0:
			next = 0
		}
		return txn.SetEntry(entry(key, strconv.FormatInt(next, 10), remaining(exp)))
	})
	return next, err
}

func (s *BadgerStore) Incr(_ context.Context, key string) (int64, error) { return s.add(key, 1) }
func (s *BadgerStore) Decr(_ context.Context, key string) (int64, error) { return s.add(key, -1) }

func (s *BadgerStore) TryLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.update(func(txn *badger.Txn) error {
		acquired = false
		_, _, err := readItem(txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		acquired = true
		return txn.SetEntry(entry(key, owner, ttl))
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *BadgerStore) Unlock(_ context.Context, key, owner string) error {
	return s.update(func(txn *badger.Txn) error {
		v, _, err := readItem(txn, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v != owner {
			return nil
		}
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			out = append(out, string(item.KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
