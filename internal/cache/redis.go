package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxUpdateAttempts bounds optimistic-lock retries in Update.
const maxUpdateAttempts = 5

// Redis is a Cache backed by a Redis server.
type Redis struct {
	rdb *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to the Redis server at redisURL and checks the
// connection.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis cache: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis cache: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func missOr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}

	return err
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, missOr(err)
	}

	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Redis) GetDel(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.GetDel(ctx, key).Bytes()
	if err != nil {
		return nil, missOr(err)
	}

	return v, nil
}

// Update uses WATCH/MULTI so a concurrent writer aborts the transaction
// and the read-modify-write is retried against the fresh value.
func (r *Redis) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return missOr(err)
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, next, redis.SetArgs{KeepTTL: true})
			return nil
		})

		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("updating %s: too much contention", key)
}
