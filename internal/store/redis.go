package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

type redisStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisStore wraps an already-connected go-redis client.
func NewRedisStore(log *logger.Logger, rdb *goredis.Client) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisStore{
		log: log.With("service", "RedisStore"),
		rdb: rdb,
	}, nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *redisStore) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Push(ctx context.Context, queue, value string) error {
	if err := s.rdb.RPush(ctx, queue, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", queue, err)
	}
	return nil
}

func (s *redisStore) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, goredis.Nil) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis blpop %s: %w", queue, err)
	}
	// BLPop returns [queue, value].
	if len(res) != 2 {
		return "", fmt.Errorf("redis blpop %s: unexpected reply length %d", queue, len(res))
	}
	return res[1], nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// deleteIfEqualsScript keeps the compare and the delete in one atomic step
// on the server.
var deleteIfEqualsScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *redisStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqualsScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete-if-equals %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *redisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return out, nil
}
