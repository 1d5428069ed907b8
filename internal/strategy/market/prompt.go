package market

import (
	"fmt"
	"sort"
	"strings"

	"ChainPilot/internal/agent"
)

const systemPrompt = "" +
	"You are ChainPilot's market analyst for an autonomous on-chain trading agent. " +
	"Respond with one JSON object: {\"summary\": string, \"signals\": [{\"asset\": string, " +
	"\"action\": \"buy\"|\"sell\"|\"hold\", \"confidence\": 0-100, \"allocation_pct\": 0-100, " +
	"\"reasoning\": string, \"estimated_return\": number}]}. " +
	"Only use assets listed in the prompt. Prefer hold when evidence is weak."

func buildPrompt(d Data, cfg agent.Config, cycle *agent.Cycle) string {
	var b strings.Builder
	b.WriteString("## 可交易代币与价格\n")
	for _, sym := range d.Universe {
		if p, ok := d.Prices[sym]; ok {
			fmt.Fprintf(&b, "- %s: $%.4f (24h %+.2f%%)\n", sym, p.USD, p.Change24h)
		} else {
			fmt.Fprintf(&b, "- %s: 无价格\n", sym)
		}
	}

	if cycle != nil {
		b.WriteString("\n## 当前组合\n")
		fmt.Fprintf(&b, "总估值: $%.2f，今日已成交 %d 笔\n", cycle.Portfolio.ValueUSD, cycle.TradesToday)
		keys := make([]string, 0, len(cycle.Portfolio.Holdings))
		for k := range cycle.Portfolio.Holdings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h := cycle.Portfolio.Holdings[k]
			fmt.Fprintf(&b, "- %s: 数量 %s，估值 $%.2f，成本 $%s\n", k, h.Balance.String(), h.ValueUSD, h.CostBasisUSD.StringFixed(2))
		}
	}

	if len(d.News) > 0 {
		b.WriteString("\n## 新闻\n")
		for i, n := range d.News {
			fmt.Fprintf(&b, "[%d] %s (%s", i+1, n.Title, n.Source)
			if !n.PublishedAt.IsZero() {
				fmt.Fprintf(&b, ", %s", n.PublishedAt.Format("2006-01-02 15:04"))
			}
			b.WriteString(")\n")
		}
	}

	b.WriteString("\n## 风控\n")
	l := cfg.Limits
	fmt.Fprintf(&b, "单笔上限 $%.2f，单资产仓位上限 %.1f%%，每日成交上限 %d\n", l.MaxTradeSizeUSD, l.MaxAllocationPct, l.DailyTradeLimit)
	if instr := strings.TrimSpace(cfg.CustomInstructions); instr != "" {
		b.WriteString("\n## 用户指令\n")
		b.WriteString(instr)
		b.WriteString("\n")
	}
	return b.String()
}
