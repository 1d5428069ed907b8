package yield

import (
	"fmt"
	"strings"

	"ChainPilot/internal/agent"
)

const systemPrompt = "" +
	"You are ChainPilot's yield allocator. Choose between depositing into, withdrawing from, " +
	"or holding ERC-4626 vaults. Respond with one JSON object: {\"summary\": string, \"signals\": " +
	"[{\"vault\": address, \"action\": \"deposit\"|\"withdraw\"|\"hold\", \"confidence\": 0-100, " +
	"\"allocation_pct\": 0-100, \"withdraw_pct\": 0-100, \"reasoning\": string, \"estimated_return\": number}]}. " +
	"Only reference vaults listed in the prompt."

func buildPrompt(d Data, cfg agent.Config, cycle *agent.Cycle) string {
	var b strings.Builder
	b.WriteString("## 金库\n")
	for _, v := range d.Vaults {
		fmt.Fprintf(&b, "- %s (%s) 协议 %s 存款代币 %s APR %.2f%% TVL $%.0f",
			v.Name, v.Address, v.Protocol, v.DepositToken, v.APR, v.TVLUSD)
		if p, ok := d.Prices[v.DepositToken]; ok {
			fmt.Fprintf(&b, " 代币价格 $%.2f", p.USD)
		}
		b.WriteString("\n")
	}

	if cycle != nil {
		b.WriteString("\n## 当前持仓\n")
		fmt.Fprintf(&b, "总估值: $%.2f\n", cycle.Portfolio.ValueUSD)
		for key, h := range cycle.Portfolio.Holdings {
			if h.Kind != agent.PositionVault || !h.Open() {
				continue
			}
			days := 0.0
			if !h.EnteredAt.IsZero() && !cycle.Now.IsZero() {
				days = cycle.Now.Sub(h.EnteredAt).Hours() / 24
			}
			fmt.Fprintf(&b, "- %s: 本金 $%.2f，建仓 APR %.2f%%，已持有 %.1f 天\n", key, h.ValueUSD, h.EntryRate, days)
		}
	}

	l := cfg.Limits
	b.WriteString("\n## 风控\n")
	fmt.Fprintf(&b, "最低 APR %.2f%%，最多 %d 个金库，最短持有 %.1f 天，单笔上限 $%.2f\n",
		l.MinAPR, l.MaxVaults, l.MinHoldDays, l.MaxTradeSizeUSD)
	if instr := strings.TrimSpace(cfg.CustomInstructions); instr != "" {
		b.WriteString("\n## 用户指令\n")
		b.WriteString(instr)
		b.WriteString("\n")
	}
	return b.String()
}
