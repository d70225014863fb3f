package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowCheckScript purges expired members and returns the live count.
// KEYS[1] = window key (sorted set, score = request second)
// ARGV[1] = cutoff; members with score <= cutoff are outside the window
var slidingWindowCheckScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

// RedisWindow is a Limiter shared by every engine replica through Redis.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string

	mu     sync.RWMutex
	limits Limits
}

// NewRedisWindow creates a Redis-backed limiter. Keys are namespaced by prefix.
func NewRedisWindow(client redis.UniversalClient, prefix string, l Limits) (*RedisWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("admission: redis client required")
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "vagus:rl:"
	}
	return &RedisWindow{client: client, prefix: prefix, limits: l}, nil
}

func (w *RedisWindow) key(k Key) string {
	return w.prefix + k.String()
}

// Allow implements Limiter.
func (w *RedisWindow) Allow(ctx context.Context, key Key, now int64) (bool, error) {
	l := w.Limits()
	cutoff := strconv.FormatInt(now-l.WindowSec, 10)
	n, err := slidingWindowCheckScript.Run(ctx, w.client, []string{w.key(key)}, cutoff).Int64()
	if err != nil {
		return false, fmt.Errorf("admission: redis window check: %w", err)
	}
	return n < int64(l.Max), nil
}

// Record implements Limiter.
func (w *RedisWindow) Record(ctx context.Context, key Key, now int64) error {
	l := w.Limits()
	k := w.key(key)
	_, err := w.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: uuid.NewString()})
		p.Expire(ctx, k, time.Duration(l.WindowSec+1)*time.Second)
		return nil
	})
	if err != nil {
		return fmt.Errorf("admission: redis window record: %w", err)
	}
	return nil
}

// Configure implements Limiter.
func (w *RedisWindow) Configure(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits = l
	return nil
}

// Limits implements Limiter.
func (w *RedisWindow) Limits() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.limits
}
