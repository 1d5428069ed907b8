package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

const (
	defaultRabbitTriggerQueue = "chainpilot.triggers"
	triggerMessageType        = "chainpilot.agent.trigger"
)

// RabbitMQConfig 描述 RabbitMQ 触发队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// RabbitMQQueue 通过默认交换机把触发路由到一个工作队列，多个 chainpilotd 实例
// 可以共同消费。消息手动确认，失败的触发由 broker 重投一次。
type RabbitMQQueue struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	now    func() time.Time
	logger *slog.Logger
}

// NewRabbitMQQueue 建立连接并声明触发队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "触发队列缺少 RabbitMQ 地址")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitTriggerQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接触发队列 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err == nil && cfg.Prefetch > 0 {
		err = ch.Qos(cfg.Prefetch, 0, false)
	}
	if err == nil {
		// 非持久化队列在连接断开后自动删除，适合开发环境。
		_, err = ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil)
	}
	if err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化触发队列失败",
			xerrors.WithMetadata("queue", queue))
	}
	return &RabbitMQQueue{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		now:    time.Now,
		logger: logger.Named("scheduler.trigger"),
	}, nil
}

// Publish 发送一条持久化的触发消息。
func (q *RabbitMQQueue) Publish(ctx context.Context, agentID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "触发队列未初始化")
	}
	requested := q.now().UTC()
	body, err := trigger{AgentID: agentID, RequestedAt: requested}.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         triggerMessageType,
		Timestamp:    requested,
		Body:         body,
	})
}

// Consume 在一个 consumer 上启动 workerCount 个 worker，阻塞直到 ctx 结束或 channel 关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "触发队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	q.mu.Lock()
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	q.mu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅触发队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return xerrors.New(xerrors.CodeQueueFailure, "触发队列 channel 已关闭")
}

// deliver 处理一条投递。首次失败交回 broker 重投，重投后仍失败则丢弃。
func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	t, err := decodeTrigger(d.Body)
	if err != nil {
		q.logger.Warn("丢弃无法解析的触发", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	if d.Redelivered {
		t.Attempt = maxTriggerAttempts - 1
	}
	if err := handler(ctx, t.AgentID); err != nil {
		log := q.logger.With(slog.String("agent_id", t.AgentID), slog.String("message_id", d.MessageId), slog.Any("error", err))
		if t.exhausted() {
			log.Warn("触发多次失败，已丢弃")
		} else {
			log.Info("触发处理失败，交回队列重投")
		}
		_ = d.Nack(false, !t.exhausted())
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
