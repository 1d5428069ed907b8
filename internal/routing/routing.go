// Package routing obtains swap quotes and multi-hop routes from an external
// aggregator. Quotes are cached for a short TTL; the cache can be invalidated
// wholesale by bumping its epoch.
package routing

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/cache"
)

// Hop 是路由中的一段兑换。
type Hop struct {
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Quote 是一次报价结果，金额均为链上最小单位。返回值中的 big.Int 视为只读。
type Quote struct {
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Hops      []Hop
}

// Quoter 为给定输入数量给出报价与路由。
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error)
}

// Validate 检查路由首尾衔接且每段都有正的预期输出。
func (q Quote) Validate() error {
	if len(q.Hops) == 0 {
		return fmt.Errorf("报价缺少路由")
	}
	if q.Hops[0].TokenIn != q.TokenIn {
		return fmt.Errorf("路由起点 %s 与输入代币 %s 不一致", q.Hops[0].TokenIn.Hex(), q.TokenIn.Hex())
	}
	for i := 1; i < len(q.Hops); i++ {
		if q.Hops[i].TokenIn != q.Hops[i-1].TokenOut {
			return fmt.Errorf("路由第 %d 段不连续", i)
		}
	}
	if last := q.Hops[len(q.Hops)-1]; last.TokenOut != q.TokenOut {
		return fmt.Errorf("路由终点 %s 与输出代币 %s 不一致", last.TokenOut.Hex(), q.TokenOut.Hex())
	}
	if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
		return fmt.Errorf("报价输出数量无效")
	}
	return nil
}

// CachedQuoter 在 Quoter 之前加一层 TTL 缓存。
type CachedQuoter struct {
	inner Quoter
	cache *cache.TTL[Quote]
}

// NewCachedQuoter 包装 inner，cache 为 nil 时直接透传。
func NewCachedQuoter(inner Quoter, c *cache.TTL[Quote]) *CachedQuoter {
	return &CachedQuoter{inner: inner, cache: c}
}

// Quote 优先返回缓存结果，未命中时请求 inner 并写回缓存。
func (q *CachedQuoter) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error) {
	if q.cache == nil {
		return q.inner.Quote(ctx, tokenIn, tokenOut, amountIn)
	}
	key := cacheKey(tokenIn, tokenOut, amountIn)
	if cached, ok := q.cache.Get(key); ok {
		return cached, nil
	}
	quote, err := q.inner.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return Quote{}, err
	}
	q.cache.Set(key, quote)
	return quote, nil
}

// Invalidate 使全部缓存报价失效。
func (q *CachedQuoter) Invalidate() {
	if q.cache != nil {
		q.cache.Invalidate()
	}
}

func cacheKey(tokenIn, tokenOut common.Address, amountIn *big.Int) string {
	amount := "0"
	if amountIn != nil {
		amount = amountIn.String()
	}
	return strings.ToLower(tokenIn.Hex() + ">" + tokenOut.Hex() + ":" + amount)
}
