package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// RedisCache는 Redis 기반 스냅샷 캐시 구현체입니다.
// 여러 서버 프로세스가 같은 캐시를 공유할 때 사용합니다.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewRedisCache는 새로운 Redis 캐시를 생성합니다.
func NewRedisCache(redisAddr string, defaultTTL time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// 연결 확인
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:     client,
		prefix:     "docsync:snapshot:",
		defaultTTL: defaultTTL,
	}, nil
}

// Get은 캐시에서 스냅샷을 조회합니다.
func (c *RedisCache) Get(ctx context.Context, id string) (*Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from Redis: %w", err)
	}

	var snapshot Snapshot
	if err := bson.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// Set은 스냅샷을 캐시에 저장합니다.
func (c *RedisCache) Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error {
	data, err := bson.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if err := c.client.Set(ctx, c.key(snapshot.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in Redis: %w", err)
	}
	return nil
}

// Delete는 캐시에서 스냅샷을 제거합니다.
func (c *RedisCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

// Close는 캐시를 닫습니다.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}
