// Package guardrail evaluates user risk limits against candidate signals.
//
// Evaluation is pure: the result depends only on the signal, the agent
// configuration and the cycle snapshot passed in. Rules run in a fixed order
// and the first failing rule is reported.
package guardrail

import (
	"fmt"
	"strings"
	"time"

	"ChainPilot/internal/agent"
)

// 规则名，按评估顺序排列。
const (
	RuleAllowedCurrencies = "allowed_currencies"
	RuleBlockedCurrencies = "blocked_currencies"
	RuleDailyTradeLimit   = "daily_trade_limit"
	RuleMaxTradeSize      = "max_trade_size"
	RuleMaxAllocation     = "max_allocation"
	RuleMaxVaults         = "max_vaults"
	RuleMinHoldPeriod     = "min_hold_period"
	RuleMinAPR            = "min_apr"
)

// Check 依次评估所有规则，返回第一个失败的规则；全部通过时 Passed 为 true。
func Check(signal agent.Signal, cfg agent.Config, cycle *agent.Cycle) agent.GuardrailCheck {
	var snapshot agent.Cycle
	if cycle != nil {
		snapshot = *cycle
	}
	limits := cfg.Limits
	names := identifiers(signal)

	if len(cfg.AllowedAssets) > 0 && !matchesAny(names, cfg.AllowedAssets) {
		return agent.Block(RuleAllowedCurrencies,
			fmt.Sprintf("%s is not in the allowed asset list", signal.Target()))
	}
	if len(cfg.BlockedAssets) > 0 && matchesAny(names, cfg.BlockedAssets) {
		return agent.Block(RuleBlockedCurrencies,
			fmt.Sprintf("%s is in the blocked asset list", signal.Target()))
	}
	if limits.DailyTradeLimit > 0 && snapshot.TradesToday >= limits.DailyTradeLimit {
		return agent.Block(RuleDailyTradeLimit,
			fmt.Sprintf("daily trade limit reached (%d/%d)", snapshot.TradesToday, limits.DailyTradeLimit))
	}
	if limits.MaxTradeSizeUSD > 0 && signal.AmountUSD > limits.MaxTradeSizeUSD {
		return agent.Block(RuleMaxTradeSize,
			fmt.Sprintf("trade size $%.2f exceeds max $%.2f", signal.AmountUSD, limits.MaxTradeSizeUSD))
	}
	if signal.Action.IsEntry() && limits.MaxAllocationPct > 0 && snapshot.Portfolio.ValueUSD > 0 {
		existing := snapshot.Portfolio.ValueOf(signal.Target())
		projected := ProjectedAllocation(existing, signal.AmountUSD, snapshot.Portfolio.ValueUSD)
		if projected > limits.MaxAllocationPct {
			return agent.Block(RuleMaxAllocation,
				fmt.Sprintf("projected allocation %.2f%% exceeds max %.2f%%", projected, limits.MaxAllocationPct))
		}
	}
	if signal.Action.IsVault() {
		return checkVault(signal, limits, snapshot)
	}
	return agent.Pass()
}

func checkVault(signal agent.Signal, limits agent.RiskLimits, snapshot agent.Cycle) agent.GuardrailCheck {
	holding, held := snapshot.Portfolio.Holding(signal.Target())
	held = held && holding.Open()

	switch signal.Action {
	case agent.ActionDeposit:
		if !held && limits.MaxVaults > 0 && snapshot.Portfolio.VaultCount() >= limits.MaxVaults {
			return agent.Block(RuleMaxVaults,
				fmt.Sprintf("already holding %d vaults (max %d)", snapshot.Portfolio.VaultCount(), limits.MaxVaults))
		}
		if !held && limits.MinAPR > 0 {
			apr := 0.0
			if signal.Vault != nil {
				apr = signal.Vault.APR
			}
			if apr < limits.MinAPR {
				return agent.Block(RuleMinAPR,
					fmt.Sprintf("vault APR %.2f%% below minimum %.2f%%", apr, limits.MinAPR))
			}
		}
	case agent.ActionWithdraw:
		if held && limits.MinHoldDays > 0 && !holding.EnteredAt.IsZero() {
			minHold := time.Duration(limits.MinHoldDays * float64(24*time.Hour))
			elapsed := snapshot.Now.Sub(holding.EnteredAt)
			if elapsed < minHold {
				return agent.Block(RuleMinHoldPeriod,
					fmt.Sprintf("held for %.1f days, minimum is %.1f days", elapsed.Hours()/24, limits.MinHoldDays))
			}
		}
	}
	return agent.Pass()
}

// ProjectedAllocation 计算成交后的仓位占比（百分比）。
func ProjectedAllocation(existingUSD, notionalUSD, portfolioUSD float64) float64 {
	total := portfolioUSD + notionalUSD
	if total <= 0 {
		return 0
	}
	return (existingUSD + notionalUSD) / total * 100
}

// CalculateTradeAmount 按置信度阶梯缩放最大交易额。
func CalculateTradeAmount(confidence, maxTradeSizeUSD float64) float64 {
	if maxTradeSizeUSD <= 0 {
		return 0
	}
	switch {
	case confidence >= 90:
		return maxTradeSizeUSD
	case confidence >= 80:
		return maxTradeSizeUSD * 0.75
	case confidence >= 70:
		return maxTradeSizeUSD * 0.5
	case confidence >= 60:
		return maxTradeSizeUSD * 0.25
	default:
		return 0
	}
}

// identifiers 返回用于名单匹配的标识：代币符号，或金库地址与名称。
func identifiers(signal agent.Signal) []string {
	ids := make([]string, 0, 3)
	if asset := strings.TrimSpace(signal.Asset); asset != "" {
		ids = append(ids, asset)
	}
	if signal.Vault != nil {
		if signal.Vault.Address != "" {
			ids = append(ids, signal.Vault.Address)
		}
		if signal.Vault.Name != "" {
			ids = append(ids, signal.Vault.Name)
		}
	}
	return ids
}

func matchesAny(ids, list []string) bool {
	for _, id := range ids {
		for _, entry := range list {
			if strings.EqualFold(strings.TrimSpace(entry), id) {
				return true
			}
		}
	}
	return false
}
