package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// LeaderElector grants one instance among several the right to run
// background passes against shared state.
type LeaderElector interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type leaderElector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderElector returns a SETNX-based lease under namespace+"scheduler:leader".
func NewLeaderElector(client *redis.Client, namespace, instanceID string, ttl time.Duration) LeaderElector {
	return &leaderElector{
		client:     client,
		key:        namespace + "scheduler:leader",
		instanceID: instanceID,
		ttl:        ttl,
	}
}

// Acquire takes the lease or renews it when already held.
func (l *leaderElector) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal: %w", err)
	}
	return result == 1, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Release drops the lease if this instance owns it.
func (l *leaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}
