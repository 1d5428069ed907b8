package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 授权缓存的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisApprovalCache 把授权缓存放在 Redis 中，多个进程共享同一份结果。
type RedisApprovalCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisApprovalCache 创建 Redis 授权缓存并校验连接。
func NewRedisApprovalCache(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisApprovalCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisApprovalCache(client, cfg.Prefix, ttl), nil
}

func newRedisApprovalCache(client *redis.Client, prefix string, ttl time.Duration) *RedisApprovalCache {
	if prefix == "" {
		prefix = "chainpilot"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisApprovalCache{client: client, prefix: prefix + ":approval:", ttl: ttl}
}

func (c *RedisApprovalCache) key(key ApprovalKey) string {
	return c.prefix + key.String()
}

// Valid 查询缓存项，Redis 故障时视为未命中，由链上 allowance 兜底。
func (c *RedisApprovalCache) Valid(ctx context.Context, key ApprovalKey) bool {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return err == nil && n > 0
}

// Remember 写入带 TTL 的缓存项。
func (c *RedisApprovalCache) Remember(ctx context.Context, key ApprovalKey) error {
	if err := c.client.Set(ctx, c.key(key), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入授权缓存失败: %w", err)
	}
	return nil
}

// Forget 删除单个缓存项。
func (c *RedisApprovalCache) Forget(ctx context.Context, key ApprovalKey) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("删除授权缓存失败: %w", err)
	}
	return nil
}

// Clear 通过 SCAN 删除当前前缀下的全部缓存项。
func (c *RedisApprovalCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("清理授权缓存失败: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("扫描授权缓存失败: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("清理授权缓存失败: %w", err)
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisApprovalCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
