package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

// RabbitMQConfig 描述 fanout 交换机。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
	Timeout  time.Duration
}

// RabbitMQPublisher 把进度发布到 fanout 交换机，路由键为 agentKey。
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "chainpilot.progress"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		timeout:  cfg.Timeout,
		logger:   logger.Named("progress.rabbitmq"),
	}, nil
}

// Publish 实现 agent.Publisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, agentKey string, update agent.ProgressUpdate) {
	payload, err := Encode(agentKey, update)
	if err != nil {
		p.logger.Warn("进度消息序列化失败", slog.Any("error", err))
		return
	}
	pubCtx, cancel := publishContext(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	// amqp channel 不是并发安全的。
	p.mu.Lock()
	err = p.ch.PublishWithContext(pubCtx, p.exchange, agentKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   update.At,
		Body:        payload,
	})
	p.mu.Unlock()
	if err != nil {
		metrics.ObserveUpstream("progress.rabbitmq", "error", time.Since(start))
		p.logger.Warn("推送进度失败", slog.String("agent", agentKey), slog.Any("error", err))
		return
	}
	metrics.ObserveUpstream("progress.rabbitmq", "ok", time.Since(start))
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ agent.Publisher = (*RabbitMQPublisher)(nil)
