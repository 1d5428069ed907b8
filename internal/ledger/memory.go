package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 以内存方式保存账本数据，主要用于测试和单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*agent.Config
	events    map[string][]agent.TimelineEvent
	positions map[string]agent.Position
	now       func() time.Time
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*MemoryStore)

// WithMemoryClock 替换时间来源。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		agents:    make(map[string]*agent.Config),
		events:    make(map[string][]agent.TimelineEvent),
		positions: make(map[string]agent.Position),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetAgent 返回智能体配置。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*agent.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneConfig(cfg), nil
}

// UpsertAgent 创建或更新智能体配置，已存在时保留调度与领取字段。
func (m *MemoryStore) UpsertAgent(_ context.Context, cfg *agent.Config) error {
	if cfg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 配置不能为空")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	clone := cloneConfig(cfg)
	if existing, ok := m.agents[cfg.ID]; ok {
		clone.NextRunAt = existing.NextRunAt
		clone.LastRunAt = existing.LastRunAt
		clone.ClaimedBy = existing.ClaimedBy
		clone.ClaimedUntil = existing.ClaimedUntil
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.agents[cfg.ID] = clone
	cfg.CreatedAt = clone.CreatedAt
	cfg.UpdatedAt = clone.UpdatedAt
	return nil
}

// ListDue 返回 active、已到期且未被领取的智能体，按 next_run_at 升序。
func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]agent.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	due := make([]agent.Config, 0)
	for _, cfg := range m.agents {
		if !cfg.Active {
			continue
		}
		if !cfg.NextRunAt.IsZero() && cfg.NextRunAt.After(now) {
			continue
		}
		if cfg.ClaimedBy != "" && cfg.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, *cloneConfig(cfg))
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim 领取智能体；只有未被领取或租约已过期时才成功，持有者相同也不例外。
func (m *MemoryStore) Claim(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (*agent.Config, error) {
	return m.claim(id, owner, now, ttl, false)
}

// ClaimDue 在 Claim 的基础上要求智能体 active 且 next_run_at <= now。
func (m *MemoryStore) ClaimDue(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (*agent.Config, error) {
	return m.claim(id, owner, now, ttl, true)
}

func (m *MemoryStore) claim(id, owner string, now time.Time, ttl time.Duration, requireDue bool) (*agent.Config, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if cfg.ClaimedBy != "" && cfg.ClaimedUntil.After(now) {
		return cloneConfig(cfg), ErrAgentBusy
	}
	if requireDue && (!cfg.Active || (!cfg.NextRunAt.IsZero() && cfg.NextRunAt.After(now))) {
		return cloneConfig(cfg), ErrAgentNotDue
	}
	cfg.ClaimedBy = owner
	cfg.ClaimedUntil = now.Add(ttl)
	cfg.UpdatedAt = m.now().UTC()
	return cloneConfig(cfg), nil
}

// Release 释放领取并推进运行时间。
func (m *MemoryStore) Release(_ context.Context, id, owner string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if cfg.ClaimedBy != owner {
		return ErrClaimLost
	}
	cfg.ClaimedBy = ""
	cfg.ClaimedUntil = time.Time{}
	cfg.LastRunAt = lastRun
	cfg.NextRunAt = laterOf(cfg.NextRunAt, nextRun)
	cfg.UpdatedAt = m.now().UTC()
	return nil
}

// MarkTriggered 记录手动触发。
func (m *MemoryStore) MarkTriggered(_ context.Context, id string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	cfg.LastRunAt = lastRun
	cfg.NextRunAt = laterOf(cfg.NextRunAt, nextRun)
	cfg.UpdatedAt = m.now().UTC()
	return nil
}

// AppendEvent 追加时间线事件。
func (m *MemoryStore) AppendEvent(_ context.Context, event agent.TimelineEvent) error {
	if event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件缺少 agent_id")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now().UTC()
	}
	event.Detail = cloneDetail(event.Detail)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.AgentID] = append(m.events[event.AgentID], event)
	return nil
}

// ListEvents 按时间倒序返回最近的事件。
func (m *MemoryStore) ListEvents(_ context.Context, agentID string, limit int) ([]agent.TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.events[agentID]
	out := make([]agent.TimelineEvent, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		ev := src[i]
		ev.Detail = cloneDetail(ev.Detail)
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountTrades 统计 since 之后成功的交易事件。
func (m *MemoryStore) CountTrades(_ context.Context, agentID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, ev := range m.events[agentID] {
		if ev.Type == agent.EventTrade && ev.Outcome == agent.OutcomeSuccess && !ev.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// GetPosition 返回头寸。
func (m *MemoryStore) GetPosition(_ context.Context, wallet, asset string) (*agent.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[positionKey(wallet, asset)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return &pos, nil
}

// UpsertPosition 写入头寸。
func (m *MemoryStore) UpsertPosition(_ context.Context, position agent.Position) error {
	if position.WalletAddress == "" || position.Asset == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "头寸缺少钱包或资产")
	}
	if position.UpdatedAt.IsZero() {
		position.UpdatedAt = m.now().UTC()
	}
	position.Asset = agent.HoldingKey(position.Asset)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey(position.WalletAddress, position.Asset)] = position
	return nil
}

// ListPositions 返回钱包的全部头寸，按资产排序。
func (m *MemoryStore) ListPositions(_ context.Context, wallet string) ([]agent.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := strings.ToLower(wallet) + "|"
	out := make([]agent.Position, 0)
	for key, pos := range m.positions {
		if strings.HasPrefix(key, prefix) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func positionKey(wallet, asset string) string {
	return strings.ToLower(wallet) + "|" + agent.HoldingKey(asset)
}

func cloneConfig(cfg *agent.Config) *agent.Config {
	clone := *cfg
	clone.AllowedAssets = append([]string(nil), cfg.AllowedAssets...)
	clone.BlockedAssets = append([]string(nil), cfg.BlockedAssets...)
	return &clone
}

func cloneDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	clone := make(map[string]any, len(detail))
	for k, v := range detail {
		clone[k] = v
	}
	return clone
}

// ensure interface compliance at compile time
var _ agent.Store = (*MemoryStore)(nil)
