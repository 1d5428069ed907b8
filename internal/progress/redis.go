package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

// RedisConfig 描述 Redis pub/sub 通道。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration
}

// RedisPublisher 通过 PUBLISH 推送进度，频道为 {channel}:{agentKey}，
// 订阅方可用 PSUBSCRIBE {channel}:* 接收全部智能体。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisPublisher 创建并探活 Redis 通道。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "chainpilot:progress"
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
	return &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: cfg.Timeout,
		logger:  logger.Named("progress.redis"),
	}, nil
}

// Channel 返回某个智能体的频道名。
func (p *RedisPublisher) Channel(agentKey string) string {
	return p.channel + ":" + agentKey
}

// Publish 实现 agent.Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, agentKey string, update agent.ProgressUpdate) {
	payload, err := Encode(agentKey, update)
	if err != nil {
		p.logger.Warn("进度消息序列化失败", slog.Any("error", err))
		return
	}
	pubCtx, cancel := publishContext(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.client.Publish(pubCtx, p.Channel(agentKey), payload).Err(); err != nil {
		metrics.ObserveUpstream("progress.redis", "error", time.Since(start))
		p.logger.Warn("推送进度失败", slog.String("agent", agentKey), slog.Any("error", err))
		return
	}
	metrics.ObserveUpstream("progress.redis", "ok", time.Since(start))
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

var _ agent.Publisher = (*RedisPublisher)(nil)
