package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// MarkerPrefix is the Redis key prefix for recently-punished markers:
//
//	Key:   punished:<guild>:<user>
//	Value: 1
//	TTL:   dedup window
const MarkerPrefix = "punished:"

// MarkerStore holds short-lived "recently punished" markers.
type MarkerStore interface {
	// Mark sets the marker for key and reports whether it was newly set.
	// false means a marker was already present.
	Mark(ctx context.Context, key string) (bool, error)

	// Release clears the marker so a later attempt can punish again.
	Release(ctx context.Context, key string) error
}

// MemoryMarkers keeps markers in a process-local expirable LRU. Markers are
// lost on restart.
type MemoryMarkers struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryMarkers creates a store whose markers live for window. size bounds
// the number of members tracked at once.
func NewMemoryMarkers(size int, window time.Duration) *MemoryMarkers {
	return &MemoryMarkers{cache: expirable.NewLRU[string, struct{}](size, nil, window)}
}

func (m *MemoryMarkers) Mark(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache.Get(key); ok {
		return false, nil
	}
	m.cache.Add(key, struct{}{})
	return true, nil
}

func (m *MemoryMarkers) Release(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

// RedisMarkers shares markers between moderator replicas.
type RedisMarkers struct {
	client *redis.Client
	window time.Duration
}

// NewRedisMarkers creates a Redis-backed store whose markers expire after
// window.
func NewRedisMarkers(client *redis.Client, window time.Duration) *RedisMarkers {
	return &RedisMarkers{client: client, window: window}
}

func (r *RedisMarkers) Mark(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, MarkerPrefix+key, 1, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("escalation: mark %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisMarkers) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, MarkerPrefix+key).Err(); err != nil {
		return fmt.Errorf("escalation: release %s: %w", key, err)
	}
	return nil
}
