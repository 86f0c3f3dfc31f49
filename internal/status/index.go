package status

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex maps provider message ids to "broadcastID|recipient".
// Entries expire after the webhook horizon; a miss falls back to SQL.
type RedisIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func (i *RedisIndex) key(providerMsgID string) string { return "msgidx:" + providerMsgID }

func (i *RedisIndex) Index(ctx context.Context, providerMsgID, broadcastID, recipient string) error {
	return i.rdb.Set(ctx, i.key(providerMsgID), broadcastID+"|"+recipient, i.ttl).Err()
}

func (i *RedisIndex) Lookup(ctx context.Context, providerMsgID string) (string, string, bool, error) {
	raw, err := i.rdb.Get(ctx, i.key(providerMsgID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	for p := 0; p < len(raw); p++ {
		if raw[p] == '|' {
			return raw[:p], raw[p+1:], true, nil
		}
	}
	return "", "", false, nil
}
