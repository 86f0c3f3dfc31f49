package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists per-session limiter state so quotas survive a
// restart. Keys expire well past the bucket retention window, so stale
// sessions clean themselves up.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: 48 * time.Hour}
}

func (s *RedisStore) key(sessionKey string) string { return "ratelimit:" + sessionKey }

func (s *RedisStore) Load(ctx context.Context, sessionKey string) (*State, error) {
	raw, err := s.rdb.Get(ctx, s.key(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, sessionKey string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(sessionKey), raw, s.ttl).Err()
}
