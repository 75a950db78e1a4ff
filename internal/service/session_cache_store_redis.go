package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// epochRetention outlives any entry TTL so an expired epoch key can never
// resurrect entries written under an older epoch.
const epochRetention = 24 * time.Hour

var errStaleEpoch = errors.New("session cache epoch moved")

type RedisSessionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionCacheStore(client redis.UniversalClient, prefix string) *RedisSessionCacheStore {
	if prefix == "" {
		prefix = "chat_auth_session"
	}
	return &RedisSessionCacheStore{client: client, prefix: prefix}
}

func (s *RedisSessionCacheStore) Get(ctx context.Context, userID uint, tokenID string) (*CachedPrincipal, uint64, bool, error) {
	if s.client == nil {
		return nil, 0, false, nil
	}
	epoch, err := readEpoch(ctx, s.client, s.epochKey(userID))
	if err != nil {
		return nil, 0, false, err
	}
	raw, err := s.client.Get(ctx, s.dataKey(epoch, userID, tokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, epoch, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	var p CachedPrincipal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached session: %w", err)
	}
	// TokenID is not serialized with the session row.
	p.Session.TokenID = tokenID
	return &p, epoch, true, nil
}

// Set watches the epoch key so an InvalidateUser landing between the epoch
// check and the write aborts the transaction instead of caching a revoked
// principal.
func (s *RedisSessionCacheStore) Set(ctx context.Context, userID uint, tokenID string, epoch uint64, entry *CachedPrincipal, ttl time.Duration) error {
	if s.client == nil || entry == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	epochKey := s.epochKey(userID)
	key := s.dataKey(epoch, userID, tokenID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readEpoch(ctx, tx, epochKey)
		if err != nil {
			return err
		}
		if current != epoch {
			return errStaleEpoch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}, epochKey)
	if errors.Is(err, errStaleEpoch) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (s *RedisSessionCacheStore) InvalidateUser(ctx context.Context, userID uint) error {
	if s.client == nil {
		return nil
	}
	key := s.epochKey(userID)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, epochRetention)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSessionCacheStore) Name() string { return "redis" }

func (s *RedisSessionCacheStore) dataKey(epoch uint64, userID uint, tokenID string) string {
	return s.prefix + ":" + sessionCacheKey(epoch, userID, tokenID)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readEpoch(ctx context.Context, c stringGetter, key string) (uint64, error) {
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && v == "") {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session cache epoch: %w", err)
	}
	return n, nil
}

func (s *RedisSessionCacheStore) epochKey(userID uint) string {
	return fmt.Sprintf("%s:epoch:u%d", s.prefix, userID)
}
