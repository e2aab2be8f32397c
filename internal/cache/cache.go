// Package cache provides Redis-backed caching for the read surface exposed
// to the REST collaborator, keyed by (resource, id, query fingerprint).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "upmon:cache:"

// Cache provides Redis-backed response caching.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a cache on an existing Redis client.
func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger.With("component", "cache"),
	}
}

// TargetKey is the cache key for a single target lookup.
func TargetKey(id string) string {
	return "target:" + id
}

// HistoryKey is the cache key for an observation history query.
func HistoryKey(targetID string, limit int) string {
	return fmt.Sprintf("history:%s:%d", targetID, limit)
}

// GetJSON retrieves and unmarshals a cached JSON value. The second return
// is false on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// InvalidateTarget drops every cached entry derived from one target.
// Called when the REST layer creates, updates, or deletes the target.
func (c *Cache) InvalidateTarget(ctx context.Context, targetID string) error {
	patterns := []string{
		keyPrefix + TargetKey(targetID),
		keyPrefix + "history:" + targetID + ":*",
	}
	for _, pattern := range patterns {
		keys, err := c.client.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
