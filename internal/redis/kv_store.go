package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
)

const scanBatch = 200

type kvStore struct {
	client    *redis.Client
	namespace string
}

// NewKVStore returns a kv.Store backed by Redis. Every key is stored under
// namespace (e.g. "fitflow:") so several installs can share one server.
// Values never expire: the pipeline relies on dedup flags living forever.
func NewKVStore(client *redis.Client, namespace string) kv.Store {
	return &kvStore{client: client, namespace: namespace}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *kvStore) key(k string) string { return s.namespace + k }

func (s *kvStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.KeyNotFoundError{Key: key}
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *kvStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *kvStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *kvStore) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.key(prefix))+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list %s: %w", prefix, err)
	}

	out := make([]kv.Entry, 0, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// Removed between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", keys[i], err)
		}
		out = append(out, kv.Entry{Key: strings.TrimPrefix(keys[i], s.namespace), Value: data})
	}
	return out, nil
}

// Close is a no-op: the client is owned by the caller.
func (s *kvStore) Close() error { return nil }

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
