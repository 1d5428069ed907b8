// Package strategy holds the pieces shared by the built-in strategies: the
// collaborator ports they depend on and the position sizing rules applied to
// model output before guardrails run.
package strategy

import (
	"context"
	"math"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/guardrail"
)

// Analyzer 把提示词交给大模型并返回校验后的信号。
type Analyzer interface {
	Analyze(ctx context.Context, system, prompt string) (agent.Analysis, error)
}

// Executor 在链上执行信号。
type Executor interface {
	Execute(ctx context.Context, signal agent.Signal, wallet agent.WalletContext, cfg agent.Config) agent.ExecutionResult
}

// EntrySize 计算买入或存入的美元金额：
// 配置了单笔上限时按置信度阶梯取上限的比例；否则按组合估值乘以建议仓位；
// 两者都不可用时沿用模型给出的金额。
func EntrySize(signal agent.Signal, cfg agent.Config, cycle *agent.Cycle) float64 {
	if cfg.Limits.MaxTradeSizeUSD > 0 {
		return round2(guardrail.CalculateTradeAmount(signal.Confidence, cfg.Limits.MaxTradeSizeUSD))
	}
	if cycle != nil && signal.AllocationPct > 0 && cycle.Portfolio.ValueUSD > 0 {
		return round2(cycle.Portfolio.ValueUSD * signal.AllocationPct / 100)
	}
	return round2(signal.AmountUSD)
}

// ExitSize 计算卖出或赎回的美元金额：持仓估值乘以比例，比例缺省为 100%。
func ExitSize(holdingUSD, pct float64) float64 {
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	return round2(holdingUSD * pct / 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
