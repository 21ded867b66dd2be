package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

const redisScanCount = 512

// RedisStore serves the engine operations from a Redis server, which lets
// several Lodestar nodes front a shared cache.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	return &RedisStore{client: redis.NewClient(opts)}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	return value, err
}

func (r *RedisStore) Insert(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStore) Add(ctx context.Context, key string, value []byte) error {
	ok, err := r.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}

	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	return nil
}

func (r *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisStore) Count(ctx context.Context) (int64, error) {
	return r.client.DBSize(ctx).Result()
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	// SCAN may return a key more than once
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *RedisStore) ReadRange(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	if length <= 0 {
		return []byte{}, nil
	}

	value, err := r.client.GetRange(ctx, key, offset, offset+int64(length)-1).Bytes()
	if err != nil {
		return nil, err
	}

	return value, nil
}

func (r *RedisStore) WriteRange(ctx context.Context, key string, offset int64, data []byte) error {
	if len(data) == 0 {
		// SETRANGE with an empty value does not create the key
		_, err := r.client.SetNX(ctx, key, []byte{}, 0).Result()
		return err
	}

	return r.client.SetRange(ctx, key, offset, string(data)).Err()
}

func (r *RedisStore) Length(ctx context.Context, key string) (int64, error) {
	pipe := r.client.TxPipeline()
	exists := pipe.Exists(ctx, key)
	length := pipe.StrLen(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	if exists.Val() == 0 {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	return length.Val(), nil
}

var _ Engine = (*RedisStore)(nil)
