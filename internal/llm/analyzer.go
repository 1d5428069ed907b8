package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"

	"ChainPilot/internal/agent"
	"ChainPilot/pkg/logger"
)

// Analyzer 调用大模型并把输出校验为信号列表。调用失败或输出无法解析时
// 降级为无信号的分析结果，只有周期本身被取消才返回错误。
type Analyzer struct {
	client Client
	logger *slog.Logger
}

// NewAnalyzer 创建分析器。
func NewAnalyzer(client Client) *Analyzer {
	return &Analyzer{client: client, logger: logger.Named("llm")}
}

// Analyze 发送提示词并解析结果。
func (a *Analyzer) Analyze(ctx context.Context, system, prompt string) (agent.Analysis, error) {
	resp, err := a.client.Complete(ctx, Request{System: system, Prompt: prompt, JSON: true, Temperature: 0.2})
	if err != nil {
		if ctx.Err() != nil {
			return agent.Analysis{}, ctx.Err()
		}
		reason := agent.NormalizeFailure(err)
		a.logger.Warn("模型调用失败，本轮不产生信号", slog.String("error", reason))
		return agent.Analysis{Summary: "模型调用失败，本轮不产生信号: " + reason}, nil
	}
	analysis, warnings := ParseAnalysis(resp.Content)
	for _, w := range warnings {
		a.logger.Warn("丢弃无效信号", slog.String("reason", w), slog.String("model", resp.Model))
	}
	return analysis, nil
}

// ParseAnalysis 解析模型输出：
//
//	{"summary": "...", "signals": [{"asset": "WETH", "action": "buy", "confidence": 82, ...}]}
//
// 无效的单条信号被丢弃并在 warnings 中说明原因。
func ParseAnalysis(content string) (agent.Analysis, []string) {
	body := stripFences(content)
	if body == "" || !gjson.Valid(body) {
		return agent.Analysis{Summary: "模型输出无法解析为 JSON，本轮不产生信号"}, nil
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return agent.Analysis{Summary: "模型输出不是 JSON 对象，本轮不产生信号"}, nil
	}

	analysis := agent.Analysis{Summary: strings.TrimSpace(root.Get("summary").String())}
	var warnings []string
	for i, item := range root.Get("signals").Array() {
		signal, err := parseSignal(item)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("signals[%d]: %v", i, err))
			continue
		}
		analysis.Signals = append(analysis.Signals, signal)
	}
	if analysis.Summary == "" {
		analysis.Summary = fmt.Sprintf("模型给出 %d 条信号", len(analysis.Signals))
	}
	return analysis, warnings
}

func parseSignal(item gjson.Result) (agent.Signal, error) {
	if !item.IsObject() {
		return agent.Signal{}, fmt.Errorf("信号不是对象")
	}
	action, ok := agent.ParseAction(item.Get("action").String())
	if !ok {
		return agent.Signal{}, fmt.Errorf("未知操作 %q", item.Get("action").String())
	}
	signal := agent.Signal{
		Asset:           strings.ToUpper(strings.TrimSpace(item.Get("asset").String())),
		Action:          action,
		Confidence:      clamp(item.Get("confidence").Float(), 0, 100),
		AllocationPct:   clamp(item.Get("allocation_pct").Float(), 0, 100),
		AmountUSD:       math.Max(item.Get("amount_usd").Float(), 0),
		WithdrawPct:     clamp(item.Get("withdraw_pct").Float(), 0, 100),
		Reasoning:       strings.TrimSpace(item.Get("reasoning").String()),
		EstimatedReturn: item.Get("estimated_return").Float(),
	}
	if vault := parseVault(item.Get("vault")); vault != nil {
		signal.Vault = vault
	}

	switch {
	case action.IsVault() && signal.Vault == nil:
		return agent.Signal{}, fmt.Errorf("%s 信号缺少 vault", action)
	case (action == agent.ActionBuy || action == agent.ActionSell) && signal.Asset == "":
		return agent.Signal{}, fmt.Errorf("%s 信号缺少 asset", action)
	}
	return signal, nil
}

func parseVault(value gjson.Result) *agent.VaultRef {
	switch {
	case !value.Exists():
		return nil
	case value.IsObject():
		ref := &agent.VaultRef{
			Address:      strings.TrimSpace(value.Get("address").String()),
			Name:         strings.TrimSpace(value.Get("name").String()),
			DepositToken: strings.ToUpper(strings.TrimSpace(value.Get("deposit_token").String())),
			APR:          value.Get("apr").Float(),
		}
		if ref.Address == "" && ref.Name == "" {
			return nil
		}
		return ref
	default:
		raw := strings.TrimSpace(value.String())
		if raw == "" {
			return nil
		}
		if common.IsHexAddress(raw) {
			return &agent.VaultRef{Address: raw}
		}
		return &agent.VaultRef{Name: raw}
	}
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
