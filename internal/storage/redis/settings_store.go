package redis

import (
	"context"
	"errors"

	"github.com/goodtune/kfocus/internal/storage"
	"github.com/redis/go-redis/v9"
)

type settingsStore struct {
	client *redis.Client
}

func (s *settingsStore) Get(ctx context.Context, scope storage.Scope, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, settingsKey(scope), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *settingsStore) Set(ctx context.Context, scope storage.Scope, key string, value []byte) error {
	return s.client.HSet(ctx, settingsKey(scope), key, value).Err()
}

// SetIfAbsent relies on HSETNX so that set-once keys survive racing writers
func (s *settingsStore) SetIfAbsent(ctx context.Context, scope storage.Scope, key string, value []byte) (bool, error) {
	return s.client.HSetNX(ctx, settingsKey(scope), key, value).Result()
}

func (s *settingsStore) Delete(ctx context.Context, scope storage.Scope, key string) error {
	n, err := s.client.HDel(ctx, settingsKey(scope), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *settingsStore) List(ctx context.Context, scope storage.Scope) (map[string][]byte, error) {
	data, err := s.client.HGetAll(ctx, settingsKey(scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(data))
	for k, v := range data {
		out[k] = []byte(v)
	}
	return out, nil
}
