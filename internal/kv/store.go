// Package kv is the local persistent store used by every pipeline component
// for durable state: the sync anchor, processed workout IDs, dedup flags,
// unlock records, preferences, progress totals and queue items.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a durable key-value store. Implementations must be safe for
// concurrent use. Get returns *domain.KeyNotFoundError for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	var nf *domain.KeyNotFoundError
	return errors.As(err, &nf)
}

// Has reports whether key exists.
func Has(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetJSON decodes the value at key into v. found is false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// RemovePrefix deletes every key starting with prefix and returns how many were removed.
func RemovePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := s.Remove(ctx, e.Key); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
