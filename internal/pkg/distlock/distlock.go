// Package distlock provides distributed locking via Redis using SET NX with
// a TTL. A random ownership value plus Lua release/extend prevents one process
// from releasing a lock held by another.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a single-holder lock on a Redis key.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// New creates a lock for the given key.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock. Returns true if this process now holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release releases the lock only if this process still owns it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend pushes out the TTL for long-running work. Returns an error if the
// lock is no longer owned.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return fmt.Errorf("lock %s no longer owned", l.key)
	}
	return nil
}

// WithLock runs fn while holding the lock. If the lock is already held
// elsewhere, fn is skipped and held=false is returned.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(ctx context.Context) error) (held bool, err error) {
	lock := New(client, key, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer lock.Release(ctx)
	return true, fn(ctx)
}
