package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCookieStore shares the session cache between runners.
type RedisCookieStore struct {
	client *redis.Client
	prefix string
}

var _ CookieStore = (*RedisCookieStore)(nil)

func NewRedisCookieStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisCookieStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return &RedisCookieStore{client: client, prefix: prefix}, nil
}

func (s *RedisCookieStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, value != "", nil
}

func (s *RedisCookieStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("cookie cache key is empty")
	}
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisCookieStore) Close() error {
	return s.client.Close()
}

// openCookieStore builds the configured cache backend.
func openCookieStore(ctx context.Context, cfg *Config) (CookieStore, func() error, error) {
	switch cfg.CacheBackend {
	case CacheBackendRedis:
		store, err := NewRedisCookieStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return NewFileCookieStore(cfg.CachePath), func() error { return nil }, nil
	}
}
