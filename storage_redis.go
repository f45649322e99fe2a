package convsync

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 3 * time.Second

// RedisStorage stores cached pages and the offline queue in Redis, for
// clients that share state across processes (e.g. a bot fleet).
type RedisStorage struct {
	cli     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisStorage wraps an existing client. Keys are namespaced by prefix.
func NewRedisStorage(cli redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{cli: cli, prefix: prefix, timeout: defaultRedisTimeout}
}

// DialRedisStorage connects to addr and pings it.
func DialRedisStorage(ctx context.Context, addr, password string, db int, prefix string) (*RedisStorage, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		cli.Close()
		return nil, err
	}
	return NewRedisStorage(cli, prefix), nil
}

func (s *RedisStorage) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	v, err := s.cli.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStorage) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.cli.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisStorage) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.cli.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStorage) Close() error {
	return s.cli.Close()
}
