// Package draft provides Redis-backed persistence for signing-session draft
// snapshots, so a recipient can resume after a reload or crash.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docmetrics/api/internal/signing"
)

// RedisStore implements signing.DraftStore using Redis with a TTL per draft.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed draft store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Put stores a draft snapshot, refreshing its TTL. Last write wins; the
// autosave timer and the unload flush both write the same in-memory snapshot.
func (s *RedisStore) Put(ctx context.Context, sessionID string, draft signing.Draft) error {
	jsonData, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	ttl := s.ttl
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour // Default 14 days
	}

	if err := s.client.Set(ctx, s.key(sessionID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Get retrieves a draft. The second return is false when no draft exists.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (signing.Draft, bool, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return signing.Draft{}, false, nil
	}
	if err != nil {
		return signing.Draft{}, false, fmt.Errorf("lookup draft: %w", err)
	}

	var draft signing.Draft
	if err := json.Unmarshal([]byte(jsonData), &draft); err != nil {
		return signing.Draft{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	if draft.Values == nil {
		draft.Values = make(signing.Values)
	}
	return draft, true, nil
}

// Delete removes a draft, used once a session completes or declines.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
