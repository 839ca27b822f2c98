// Package dedup tracks in-flight and recently-completed planned actions
// by their deduplication key so concurrent or repeated submissions of the
// same (actionDefinitionId, inputs, dependencies) tuple coalesce onto a
// single HTTP execution instead of firing it twice.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle of a tracked key.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Entry is the stored record for one dedup key.
type Entry struct {
	State      State
	Result     string // JSON result, populated once State is Completed
	FailedWith string // error message, populated once State is Failed
	StartedAt  time.Time
}

const (
	completedTTL = 5 * time.Minute
	failedTTL    = 30 * time.Second

	// pollInterval is how often a follower re-checks a pending entry
	// while waiting for the leader to finish.
	pollInterval = 250 * time.Millisecond

	// defaultFollowTimeout bounds how long a follower waits for the
	// leader before giving up and treating the wait as a failure.
	defaultFollowTimeout = 5 * time.Minute

	keyPrefix = "dedup:"
)

var ErrFollowTimeout = errors.New("dedup: timed out waiting for the leader to complete")

// Cache is the collaborator interface every implementation below
// satisfies.
type Cache interface {
	// TryLead atomically claims key as the leader if no entry exists yet.
	// ok is true when this caller is the leader and must execute the
	// action; when false, entry carries whatever is already stored
	// (pending, completed, or failed) for the caller to follow.
	TryLead(ctx context.Context, key string) (entry *Entry, ok bool, err error)

	// MarkCompleted records a successful result with the completed TTL.
	MarkCompleted(ctx context.Context, key, resultJSON string) error

	// MarkFailed records a failure with the (shorter) failed TTL.
	MarkFailed(ctx context.Context, key, errMessage string) error

	// Get returns the current entry for key, or nil if it does not exist
	// (expired or never recorded).
	Get(ctx context.Context, key string) (*Entry, error)
}

// Follow blocks until key's entry leaves the Pending state or
// defaultFollowTimeout elapses, polling cache at pollInterval. Callers
// that lost the TryLead race use this to wait for the leader's result
// instead of re-executing the action themselves.
func Follow(ctx context.Context, cache Cache, key string) (*Entry, error) {
	deadline := time.Now().Add(defaultFollowTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		entry, err := cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.State != StatePending {
			return entry, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrFollowTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RedisCache is a Cache backed by Redis, grounded on the key-prefix and
// TTL-refresh conventions the teacher's own gateway deduplication service
// uses against go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing *redis.Client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(key string) string {
	return keyPrefix + key
}

func (c *RedisCache) TryLead(ctx context.Context, key string) (*Entry, bool, error) {
	now := time.Now()
	payload := encodeEntry(&Entry{State: StatePending, StartedAt: now})

	ok, err := c.client.SetNX(ctx, redisKey(key), payload, defaultFollowTimeout).Result()
	if err != nil {
		return nil, false, fmt.Errorf("dedup: redis SETNX: %w", err)
	}
	if ok {
		return &Entry{State: StatePending, StartedAt: now}, true, nil
	}

	existing, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (c *RedisCache) MarkCompleted(ctx context.Context, key, resultJSON string) error {
	entry := &Entry{State: StateCompleted, Result: resultJSON, StartedAt: time.Now()}
	return c.client.Set(ctx, redisKey(key), encodeEntry(entry), completedTTL).Err()
}

func (c *RedisCache) MarkFailed(ctx context.Context, key, errMessage string) error {
	entry := &Entry{State: StateFailed, FailedWith: errMessage, StartedAt: time.Now()}
	return c.client.Set(ctx, redisKey(key), encodeEntry(entry), failedTTL).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: redis GET: %w", err)
	}
	return decodeEntry(raw)
}

// InMemoryCache is a Cache backed by a process-local map, for tests and
// single-process deployments that have no Redis available.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]*inMemoryRecord
}

type inMemoryRecord struct {
	entry     *Entry
	expiresAt time.Time
}

// NewInMemoryCache constructs an empty InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]*inMemoryRecord)}
}

func (c *InMemoryCache) TryLead(ctx context.Context, key string) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.entries[key]; ok && time.Now().Before(rec.expiresAt) {
		return rec.entry, false, nil
	}

	entry := &Entry{State: StatePending, StartedAt: time.Now()}
	c.entries[key] = &inMemoryRecord{entry: entry, expiresAt: time.Now().Add(defaultFollowTimeout)}
	return entry, true, nil
}

func (c *InMemoryCache) MarkCompleted(ctx context.Context, key, resultJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &inMemoryRecord{
		entry:     &Entry{State: StateCompleted, Result: resultJSON, StartedAt: time.Now()},
		expiresAt: time.Now().Add(completedTTL),
	}
	return nil
}

func (c *InMemoryCache) MarkFailed(ctx context.Context, key, errMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &inMemoryRecord{
		entry:     &Entry{State: StateFailed, FailedWith: errMessage, StartedAt: time.Now()},
		expiresAt: time.Now().Add(failedTTL),
	}
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, nil
	}
	return rec.entry, nil
}

// GC removes pending entries older than maxAge, so a leader that crashed
// mid-execution doesn't block followers forever even before its own TTL
// would have expired.
func (c *InMemoryCache) GC(maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, rec := range c.entries {
		if rec.entry.State == StatePending && now.Sub(rec.entry.StartedAt) > maxAge {
			delete(c.entries, key)
			continue
		}
		if now.After(rec.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func encodeEntry(e *Entry) string {
	raw, _ := json.Marshal(e)
	return string(raw)
}

func decodeEntry(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("dedup: malformed cache entry: %w", err)
	}
	return &e, nil
}
