// Package redis is a kv.Backend on Redis. Each region keeps its values in a
// hash and its key order in a sorted set whose members all score 0, so
// ZRANGEBYLEX yields byte order.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/4xmen/kanal/internal/kv"
)

const scanBatch = 256

type Client interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	ZRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type Store struct {
	rdb    Client
	prefix string
}

// Connect dials addr and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	const op = "kv.redis.Connect"

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rdb, nil
}

// New wraps rdb. prefix namespaces every redis key the backend touches.
func New(rdb Client, prefix string) *Store {
	if prefix == "" {
		prefix = "kanal"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) valuesKey(region kv.Region) string {
	return fmt.Sprintf("%s:%d:values", s.prefix, region)
}

func (s *Store) orderKey(region kv.Region) string {
	return fmt.Sprintf("%s:%d:order", s.prefix, region)
}

func (s *Store) Get(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	const op = "kv.redis.Get"

	value, err := s.rdb.HGet(ctx, s.valuesKey(region), string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, region kv.Region, key, value []byte) ([]byte, bool, error) {
	const op = "kv.redis.Put"

	prev, existed, err := s.Get(ctx, region, key)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.valuesKey(region), string(key), value)
		pipe.ZAdd(ctx, s.orderKey(region), redis.Z{Score: 0, Member: string(key)})
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return prev, existed, nil
}

func (s *Store) Delete(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	const op = "kv.redis.Delete"

	prev, existed, err := s.Get(ctx, region, key)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if !existed {
		return nil, false, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.valuesKey(region), string(key))
		pipe.ZRem(ctx, s.orderKey(region), string(key))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return prev, true, nil
}

func (s *Store) Scan(ctx context.Context, region kv.Region, fn func(key, value []byte) error) error {
	const op = "kv.redis.Scan"

	for offset := int64(0); ; offset += scanBatch {
		keys, err := s.rdb.ZRangeByLex(ctx, s.orderKey(region), &redis.ZRangeBy{
			Min:    "-",
			Max:    "+",
			Offset: offset,
			Count:  scanBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(keys) == 0 {
			return nil
		}

		values, err := s.rdb.HMGet(ctx, s.valuesKey(region), keys...).Result()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		for i, key := range keys {
			raw, ok := values[i].(string)
			if !ok {
				// removed between the two reads
				continue
			}
			if err := fn([]byte(key), []byte(raw)); err != nil {
				return err
			}
		}

		if len(keys) < scanBatch {
			return nil
		}
	}
}

func (s *Store) Count(ctx context.Context, region kv.Region) (uint64, error) {
	const op = "kv.redis.Count"

	n, err := s.rdb.HLen(ctx, s.valuesKey(region)).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return uint64(n), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
