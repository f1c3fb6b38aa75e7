package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/kfocus/internal/storage"
	"go.etcd.io/bbolt"
)

type settingsStore struct {
	db *bbolt.DB
}

func settingsBucket(scope storage.Scope) (string, error) {
	switch scope {
	case storage.ScopeLocal:
		return bucketSettingsLocal, nil
	case storage.ScopeSync:
		return bucketSettingsSync, nil
	default:
		return "", fmt.Errorf("unknown settings scope: %q", scope)
	}
}

func (s *settingsStore) Get(ctx context.Context, scope storage.Scope, key string) ([]byte, error) {
	bucket, err := settingsBucket(scope)
	if err != nil {
		return nil, err
	}
	return getRaw(ctx, s.db, bucket, key)
}

func (s *settingsStore) Set(ctx context.Context, scope storage.Scope, key string, value []byte) error {
	bucket, err := settingsBucket(scope)
	if err != nil {
		return err
	}
	return putRaw(ctx, s.db, bucket, key, value)
}

func (s *settingsStore) SetIfAbsent(ctx context.Context, scope storage.Scope, key string, value []byte) (bool, error) {
	bucket, err := settingsBucket(scope)
	if err != nil {
		return false, err
	}
	wrote := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		if b.Get([]byte(key)) != nil {
			return nil
		}
		wrote = true
		return b.Put([]byte(key), value)
	})
	return wrote, err
}

func (s *settingsStore) Delete(ctx context.Context, scope storage.Scope, key string) error {
	bucket, err := settingsBucket(scope)
	if err != nil {
		return err
	}
	return deleteBucketValue(ctx, s.db, bucket, key)
}

func (s *settingsStore) List(ctx context.Context, scope storage.Scope) (map[string][]byte, error) {
	bucket, err := settingsBucket(scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}
