package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
)

// 头寸写入失败只记录日志：链上交易已经确认，不能因账本写入失败而报告执行失败。

func (e *Engine) loadPosition(ctx context.Context, wallet, key string) (agent.Position, bool) {
	if e.positions == nil {
		return agent.Position{}, false
	}
	pos, err := e.positions.GetPosition(ctx, wallet, key)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			e.logger.Warn("读取头寸失败", slog.String("asset", key), slog.Any("error", err))
		}
		return agent.Position{}, false
	}
	return *pos, true
}

func (e *Engine) savePosition(ctx context.Context, pos agent.Position) {
	if e.positions == nil {
		return
	}
	if err := e.positions.UpsertPosition(ctx, pos); err != nil {
		e.logger.Error("写入头寸失败",
			slog.String("wallet", pos.WalletAddress),
			slog.String("asset", pos.Asset),
			slog.Any("error", err),
		)
	}
}

// recordEntry 增加头寸，成本按加权累计；已清空的头寸重新建仓时刷新建仓时间。
func (e *Engine) recordEntry(ctx context.Context, r *run, key string, kind agent.PositionKind, amount, costUSD decimal.Decimal, rate float64) {
	wallet := r.wallet.Address.Hex()
	now := e.now().UTC()
	pos, ok := e.loadPosition(ctx, wallet, key)
	if !ok || !pos.Open() {
		pos = agent.Position{
			WalletAddress: wallet,
			Asset:         key,
			Kind:          kind,
			Balance:       decimal.Zero,
			CostBasisUSD:  decimal.Zero,
			EnteredAt:     now,
		}
	}
	if kind == agent.PositionVault && rate > 0 {
		if pos.Balance.IsZero() {
			pos.EntryRate = rate
		} else {
			weighted := decimal.NewFromFloat(pos.EntryRate).Mul(pos.Balance).Add(decimal.NewFromFloat(rate).Mul(amount))
			pos.EntryRate, _ = weighted.Div(pos.Balance.Add(amount)).Float64()
		}
	}
	pos.Balance = pos.Balance.Add(amount)
	pos.CostBasisUSD = pos.CostBasisUSD.Add(costUSD)
	pos.UpdatedAt = now
	e.savePosition(ctx, pos)
}

// recordExit 按卖出数量减少代币头寸，全部卖出时清零。
func (e *Engine) recordExit(ctx context.Context, r *run, key string, sold decimal.Decimal, full bool) {
	pos, ok := e.loadPosition(ctx, r.wallet.Address.Hex(), key)
	if !ok {
		return
	}
	remaining := pos.Balance.Sub(sold)
	if full || !remaining.IsPositive() {
		e.zero(ctx, pos)
		return
	}
	pos.CostBasisUSD = pos.CostBasisUSD.Mul(remaining).Div(pos.Balance)
	pos.Balance = remaining
	pos.UpdatedAt = e.now().UTC()
	e.savePosition(ctx, pos)
}

// recordVaultExit 按赎回比例减少金库头寸，全部赎回时清零。
func (e *Engine) recordVaultExit(ctx context.Context, r *run, key string, pct decimal.Decimal, full bool) {
	pos, ok := e.loadPosition(ctx, r.wallet.Address.Hex(), key)
	if !ok {
		return
	}
	if full {
		e.zero(ctx, pos)
		return
	}
	keep := hundred.Sub(pct).Div(hundred)
	pos.Balance = pos.Balance.Mul(keep)
	pos.CostBasisUSD = pos.CostBasisUSD.Mul(keep)
	pos.UpdatedAt = e.now().UTC()
	e.savePosition(ctx, pos)
}

func (e *Engine) zero(ctx context.Context, pos agent.Position) {
	pos.Balance = decimal.Zero
	pos.CostBasisUSD = decimal.Zero
	pos.EntryRate = 0
	pos.UpdatedAt = e.now().UTC()
	e.savePosition(ctx, pos)
}
