package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisMissingSessionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisMissingSessionCache(client redis.UniversalClient, prefix string) *RedisMissingSessionCache {
	if prefix == "" {
		prefix = "chat_auth_missing"
	}
	return &RedisMissingSessionCache{client: client, prefix: prefix}
}

func (c *RedisMissingSessionCache) Known(ctx context.Context, tokenID string) (bool, error) {
	if c.client == nil || tokenID == "" {
		return false, nil
	}
	n, err := c.client.Exists(ctx, c.key(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisMissingSessionCache) Remember(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if c.client == nil || tokenID == "" || ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(tokenID), "1", ttl).Err()
}

func (c *RedisMissingSessionCache) key(tokenID string) string {
	return c.prefix + ":" + tokenID
}
