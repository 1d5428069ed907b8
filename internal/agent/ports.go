package agent

import (
	"context"
	"time"
)

// AgentStore 持久化智能体配置与调度状态。
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Config, error)
	UpsertAgent(ctx context.Context, cfg *Config) error
	// ListDue 返回 active 且 next_run_at <= now 的智能体。
	ListDue(ctx context.Context, now time.Time, limit int) ([]Config, error)
	// Claim 以条件更新的方式领取智能体，存在未过期的领取时返回 AGENT_BUSY。
	Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*Config, error)
	// ClaimDue 同 Claim，另要求 active 且 next_run_at <= now，否则返回 CONFLICT。
	ClaimDue(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*Config, error)
	// Release 释放领取并写入运行时间，next_run_at 只会前移。
	Release(ctx context.Context, id, owner string, lastRun, nextRun time.Time) error
	// MarkTriggered 记录一次手动触发，独立于调度循环推进 last_run_at/next_run_at。
	MarkTriggered(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// EventLog 是只追加的时间线存储。
type EventLog interface {
	AppendEvent(ctx context.Context, event TimelineEvent) error
	ListEvents(ctx context.Context, agentID string, limit int) ([]TimelineEvent, error)
	// CountTrades 统计 since 之后成功的交易事件数量。
	CountTrades(ctx context.Context, agentID string, since time.Time) (int, error)
}

// PositionStore 持久化钱包头寸。
type PositionStore interface {
	GetPosition(ctx context.Context, wallet, asset string) (*Position, error)
	UpsertPosition(ctx context.Context, position Position) error
	ListPositions(ctx context.Context, wallet string) ([]Position, error)
}

// Store 汇总账本需要提供的全部能力。
type Store interface {
	AgentStore
	EventLog
	PositionStore
	Close() error
}

// PortfolioReader 读取钱包当前的组合估值。
type PortfolioReader interface {
	Snapshot(ctx context.Context, cfg Config, wallet WalletContext) (PortfolioSnapshot, error)
}

// ProgressUpdate 是推送到实时通道的一条进度。
type ProgressUpdate struct {
	AgentID string         `json:"agent_id"`
	RunID   string         `json:"run_id"`
	Stage   Stage          `json:"stage"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher 以 fire-and-forget 的方式推送进度，实现自行处理发送失败。
type Publisher interface {
	Publish(ctx context.Context, agentKey string, update ProgressUpdate)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, ProgressUpdate) {}
