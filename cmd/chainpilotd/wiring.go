package main

import (
	"context"
	"fmt"
	"log/slog"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/config"
	"ChainPilot/internal/ledger"
	"ChainPilot/internal/progress"
	"ChainPilot/internal/scheduler"
	"ChainPilot/pkg/logger"
)

func openStore(ctx context.Context, cfg *config.Config) (agent.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		store, err := ledger.NewMySQLStore(ctx, ledger.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func seedAgents(ctx context.Context, store agent.AgentStore, path string) (int, error) {
	agents, err := config.LoadAgents(path)
	if err != nil {
		return 0, err
	}
	for i := range agents {
		if err := store.UpsertAgent(ctx, &agents[i]); err != nil {
			return i, fmt.Errorf("写入智能体 %s 失败: %w", agents[i].ID, err)
		}
	}
	logger.L().Info("智能体种子已写入", slog.Int("count", len(agents)), slog.String("path", path))
	return len(agents), nil
}

func openApprovalCache(ctx context.Context, cfg *config.Config) (cache.ApprovalCache, func() error, error) {
	ttl := cfg.Execution.ApprovalTTL
	switch cfg.Cache.Driver {
	case "", "memory":
		return cache.NewMemoryApprovalCache(ttl), func() error { return nil }, nil
	case "redis":
		c, err := cache.NewRedisApprovalCache(ctx, cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		}, ttl)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func openPublisher(ctx context.Context, cfg *config.Config) (agent.Publisher, func() error, error) {
	logPublisher := progress.NewLogPublisher(nil)
	switch cfg.Progress.Driver {
	case "", "log":
		return logPublisher, func() error { return nil }, nil
	case "redis":
		p, err := progress.NewRedisPublisher(ctx, progress.RedisConfig{
			Address:  cfg.Progress.Redis.Address,
			Password: cfg.Progress.Redis.Password,
			DB:       cfg.Progress.Redis.DB,
			Channel:  cfg.Progress.Redis.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		return progress.Fanout{logPublisher, p}, p.Close, nil
	case "rabbitmq":
		p, err := progress.NewRabbitMQPublisher(progress.RabbitMQConfig{
			URL:      cfg.Progress.RabbitMQ.URL,
			Exchange: cfg.Progress.RabbitMQ.Exchange,
			Durable:  cfg.Progress.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		return progress.Fanout{logPublisher, p}, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的进度通道: %s", cfg.Progress.Driver)
	}
}

func openTriggerQueue(ctx context.Context, cfg *config.Config) (scheduler.Queue, error) {
	switch cfg.Trigger.Driver {
	case "", "memory":
		return scheduler.NewMemoryQueue(1024), nil
	case "redis":
		queue, err := scheduler.NewRedisQueue(ctx, scheduler.RedisQueueConfig{
			Address:   cfg.Trigger.Redis.Address,
			Password:  cfg.Trigger.Redis.Password,
			DB:        cfg.Trigger.Redis.DB,
			Queue:     cfg.Trigger.Redis.Queue,
			BlockWait: cfg.Trigger.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:      cfg.Trigger.RabbitMQ.URL,
			Queue:    cfg.Trigger.RabbitMQ.Queue,
			Prefetch: cfg.Trigger.RabbitMQ.Prefetch,
			Durable:  cfg.Trigger.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的触发队列驱动: %s", cfg.Trigger.Driver)
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Tick:       cfg.Scheduler.Tick,
		RetryDelay: cfg.Scheduler.RetryDelay,
		ClaimTTL:   cfg.Scheduler.ClaimTTL,
		Workers:    cfg.Scheduler.Workers,
	}
}
