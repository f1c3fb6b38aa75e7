package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/kfocus/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketDailyUsage    = "usage_daily"
	bucketSettingsLocal = "settings_local"
	bucketSettingsSync  = "settings_sync"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketDailyUsage),
			[]byte(bucketSettingsLocal),
			[]byte(bucketSettingsSync),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{db: s.db} }

// Settings returns the settings store.
func (s *Store) Settings() storage.SettingsStore { return &settingsStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// getRaw copies the value out of the transaction, since bbolt memory is only
// valid while the transaction is open.
func getRaw(ctx context.Context, db *bbolt.DB, bucket string, key string) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func putRaw(ctx context.Context, db *bbolt.DB, bucket string, key string, value []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

func deleteBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}
