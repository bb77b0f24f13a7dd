package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"salesledger/backend/internal/domain"
)

const keyPrefix = "salesledger:policies:"

type RedisPolicyCache struct {
	client *redis.Client
}

func NewRedisPolicyCache(addr string, password string, db int) *RedisPolicyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPolicyCache{client: client}
}

func (c *RedisPolicyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPolicyCache) Close() error {
	return c.client.Close()
}

func (c *RedisPolicyCache) Get(ctx context.Context, key string) ([]domain.CommissionPolicy, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var policies []domain.CommissionPolicy
	if err := json.Unmarshal([]byte(val), &policies); err != nil {
		return nil, false, err
	}
	return policies, true, nil
}

func (c *RedisPolicyCache) Set(ctx context.Context, key string, value []domain.CommissionPolicy, ttl time.Duration) error {
	if value == nil {
		value = []domain.CommissionPolicy{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

func (c *RedisPolicyCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return c.client.Del(ctx, prefixed...).Err()
}
