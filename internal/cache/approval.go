package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ApprovalKey 标识一次授权：代币、钱包与被授权方。
type ApprovalKey struct {
	Token   common.Address
	Wallet  common.Address
	Spender common.Address
}

func (k ApprovalKey) String() string {
	return strings.ToLower(k.Token.Hex() + ":" + k.Wallet.Hex() + ":" + k.Spender.Hex())
}

// ApprovalCache 记录近期已确认充足的授权，命中时执行引擎跳过 allowance 读取。
type ApprovalCache interface {
	Valid(ctx context.Context, key ApprovalKey) bool
	Remember(ctx context.Context, key ApprovalKey) error
	Forget(ctx context.Context, key ApprovalKey) error
	Clear(ctx context.Context) error
}

// Option 调整内存缓存的行为。
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 注入时钟，便于测试过期逻辑。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// MemoryApprovalCache 是进程内的授权缓存。
type MemoryApprovalCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[ApprovalKey]time.Time
}

// NewMemoryApprovalCache 创建内存授权缓存，ttl 非正数时取 24h。
func NewMemoryApprovalCache(ttl time.Duration, opts ...Option) *MemoryApprovalCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	o := buildOptions(opts)
	return &MemoryApprovalCache{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[ApprovalKey]time.Time),
	}
}

// Valid 判断缓存项是否存在且未过期，过期项会被顺带清理。
func (c *MemoryApprovalCache) Valid(_ context.Context, key ApprovalKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.now().Before(expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Remember 写入缓存项。
func (c *MemoryApprovalCache) Remember(_ context.Context, key ApprovalKey) error {
	c.mu.Lock()
	c.entries[key] = c.now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// Forget 删除单个缓存项。
func (c *MemoryApprovalCache) Forget(_ context.Context, key ApprovalKey) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear 清空全部缓存项。
func (c *MemoryApprovalCache) Clear(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[ApprovalKey]time.Time)
	c.mu.Unlock()
	return nil
}
