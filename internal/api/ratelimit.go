package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
)

// Limiter 判定某个调用方在当前窗口内是否还有配额。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter 基于 Redis 的固定窗口限流。窗口按对齐的时间片切分，
// 同一窗口内的请求计入同一个键。
type RedisLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
}

// NewRedisLimiter 创建限流器并验证 Redis 连通性。
func NewRedisLimiter(ctx context.Context, cfg config.RateLimitConfig) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLimiter{
		client: client,
		max:    int64(cfg.MaxRequests),
		window: time.Duration(cfg.WindowSeconds) * time.Second,
	}, nil
}

// Allow 为 key 记一次访问并判断是否超限。Redis 故障时放行，
// 限流只是保护手段，不能成为单点。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().Unix() / int64(l.window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	return count.Val() <= l.max, nil
}

// Close 释放 Redis 连接。
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
