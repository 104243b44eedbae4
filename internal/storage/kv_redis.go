package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

type redisKV struct {
	rdb       *redis.Client
	namespace string
}

func newRedisKV(rdb *redis.Client, namespace string) *redisKV {
	return &redisKV{rdb: rdb, namespace: namespace}
}

func (k *redisKV) key(key string) string {
	if k.namespace == "" {
		return key
	}
	return k.namespace + ":" + key
}

func (k *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := k.rdb.Get(ctx, k.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (k *redisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.rdb.Set(ctx, k.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (k *redisKV) Delete(ctx context.Context, key string) error {
	if err := k.rdb.Del(ctx, k.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (k *redisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	full := k.key(prefix)
	trim := len(full) - len(prefix)
	for {
		keys, next, err := k.rdb.Scan(ctx, cursor, full+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			out = append(out, key[trim:])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (k *redisKV) Close() error {
	return k.rdb.Close()
}
