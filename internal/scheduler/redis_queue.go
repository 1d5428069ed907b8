package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

const (
	defaultRedisTriggerKey = "chainpilot:triggers"
	defaultTriggerWait     = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 触发队列的连接参数。Queue 是 list 的 key。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 把触发写入 Redis list。RunNow 从左侧写入，worker 从右侧阻塞读取，
// 触发按请求顺序执行；处理失败的触发放回右侧，下一个空闲 worker 立即重试。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisQueue 连接 Redis 并校验可用性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "触发队列缺少 Redis 地址")
	}
	q := &RedisQueue{
		key:    cfg.Queue,
		wait:   cfg.BlockWait,
		now:    time.Now,
		logger: logger.Named("scheduler.trigger"),
	}
	if q.key == "" {
		q.key = defaultRedisTriggerKey
	}
	if q.wait <= 0 {
		q.wait = defaultTriggerWait
	}
	q.client = redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := q.client.Ping(ctx).Err(); err != nil {
		_ = q.client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接触发队列 Redis 失败")
	}
	return q, nil
}

// Publish 写入一条新的触发。
func (q *RedisQueue) Publish(ctx context.Context, agentID string) error {
	body, err := trigger{AgentID: agentID, RequestedAt: q.now().UTC()}.encode()
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, body).Err()
}

// Consume 启动 workerCount 个 worker，任一 worker 遇到 Redis 故障时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error { return q.work(gctx, handler) })
	}
	err := group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取触发队列失败")
		}
		if len(values) != 2 {
			continue
		}
		t, err := decodeTrigger([]byte(values[1]))
		if err != nil {
			q.logger.Warn("丢弃无法解析的触发", slog.String("body", values[1]), slog.Any("error", err))
			continue
		}
		if err := handler(ctx, t.AgentID); err != nil {
			q.retry(ctx, t, err)
		}
	}
	return ctx.Err()
}

// retry 把失败的触发放回队列尾部，超过次数后丢弃，等待下一次定时调度。
func (q *RedisQueue) retry(ctx context.Context, t trigger, cause error) {
	log := q.logger.With(slog.String("agent_id", t.AgentID), slog.Int("attempt", t.Attempt+1), slog.Any("error", cause))
	if t.exhausted() {
		log.Warn("触发多次失败，已丢弃")
		return
	}
	t.Attempt++
	body, err := t.encode()
	if err == nil {
		err = q.client.RPush(context.WithoutCancel(ctx), q.key, body).Err()
	}
	if err != nil {
		log.Error("触发重投失败", slog.Any("push_error", err))
		return
	}
	log.Info("触发处理失败，已重投")
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
