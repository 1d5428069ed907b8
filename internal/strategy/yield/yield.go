// Package yield implements the vault allocation strategy: it reads vault APRs
// from the yield feed, asks the model where to deposit or withdraw and binds
// the model's vault references back to concrete feed entries.
package yield

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/feeds"
	"ChainPilot/internal/guardrail"
	"ChainPilot/internal/strategy"
	"ChainPilot/pkg/logger"
)

const defaultMaxCandidates = 15

// Data 是 FetchData 的产出。Prices 只包含非稳定币存款代币的报价。
type Data struct {
	Vaults []feeds.Vault
	Prices map[string]feeds.Price
}

// Option 调整策略参数。
type Option func(*Strategy)

// WithSupportedTokens 限定可存入的存款代币，通常取自代币注册表。
func WithSupportedTokens(symbols ...string) Option {
	return func(s *Strategy) {
		s.supported = make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			s.supported[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
		}
	}
}

// WithStableTokens 声明按 1 美元计价的存款代币，其余代币存入前需要报价。
func WithStableTokens(symbols ...string) Option {
	return func(s *Strategy) {
		s.stables = make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			s.stables[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
		}
	}
}

// WithMaxCandidates 设置提示词中最多列出的金库数。
func WithMaxCandidates(n int) Option {
	return func(s *Strategy) {
		if n > 0 {
			s.maxCandidates = n
		}
	}
}

// Strategy 实现 agent.Strategy。
type Strategy struct {
	vaults        feeds.VaultSource
	prices        feeds.PriceSource
	analyzer      strategy.Analyzer
	executor      strategy.Executor
	supported     map[string]struct{}
	stables       map[string]struct{}
	maxCandidates int
	logger        *slog.Logger
}

// New 创建收益策略。prices 用于给非稳定币存款代币定价，可为 nil。
func New(vaults feeds.VaultSource, prices feeds.PriceSource, analyzer strategy.Analyzer, executor strategy.Executor, opts ...Option) *Strategy {
	s := &Strategy{
		vaults:        vaults,
		prices:        prices,
		analyzer:      analyzer,
		executor:      executor,
		maxCandidates: defaultMaxCandidates,
		logger:        logger.Named("strategy.yield"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Type 返回策略类型。
func (s *Strategy) Type() agent.Type { return agent.TypeYield }

// ProgressSteps 返回进度阶段。
func (s *Strategy) ProgressSteps() []agent.Stage { return agent.DefaultProgressSteps() }

// FetchData 拉取金库列表，过滤掉存款代币不受支持的金库，按 APR 降序截断。
// 已持有的金库始终保留，以便模型评估是否赎回。
func (s *Strategy) FetchData(ctx context.Context, cfg agent.Config, cycle *agent.Cycle) (agent.Data, error) {
	all, err := s.vaults.Vaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取金库列表失败: %w", err)
	}
	held := make(map[string]bool)
	if cycle != nil {
		for key, h := range cycle.Portfolio.Holdings {
			if h.Kind == agent.PositionVault && h.Open() {
				held[key] = true
			}
		}
	}

	candidates := make([]feeds.Vault, 0, len(all))
	for _, v := range all {
		if held[agent.HoldingKey(v.Address)] {
			continue
		}
		if s.supported != nil {
			if _, ok := s.supported[v.DepositToken]; !ok {
				continue
			}
		}
		candidates = append(candidates, v)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].APR > candidates[j].APR })
	if len(candidates) > s.maxCandidates {
		candidates = candidates[:s.maxCandidates]
	}

	out := make([]feeds.Vault, 0, len(candidates)+len(held))
	for _, v := range all {
		if held[agent.HoldingKey(v.Address)] {
			out = append(out, v)
		}
	}
	out = append(out, candidates...)
	if len(out) == 0 {
		s.logger.Info("没有可用的金库", slog.String("agent_id", cfg.ID))
		return Data{}, nil
	}
	return Data{Vaults: out, Prices: s.depositPrices(ctx, cfg, out)}, nil
}

// depositPrices 为非稳定币存款代币取价。取价失败只影响存入，赎回仍可进行。
func (s *Strategy) depositPrices(ctx context.Context, cfg agent.Config, vaults []feeds.Vault) map[string]feeds.Price {
	if s.prices == nil {
		return nil
	}
	seen := make(map[string]struct{})
	symbols := make([]string, 0, len(vaults))
	for _, v := range vaults {
		if s.isStable(v.DepositToken) {
			continue
		}
		if _, ok := seen[v.DepositToken]; ok {
			continue
		}
		seen[v.DepositToken] = struct{}{}
		symbols = append(symbols, v.DepositToken)
	}
	if len(symbols) == 0 {
		return nil
	}
	prices, err := s.prices.Prices(ctx, symbols)
	if err != nil {
		s.logger.Warn("获取存款代币价格失败，本轮跳过非稳定币金库的存入",
			slog.String("agent_id", cfg.ID), slog.Any("error", err))
		return nil
	}
	return prices
}

func (s *Strategy) isStable(symbol string) bool {
	_, ok := s.stables[strings.ToUpper(symbol)]
	return ok
}

// Analyze 调用模型，把信号绑定到具体金库并计算金额。
func (s *Strategy) Analyze(ctx context.Context, data agent.Data, cfg agent.Config, cycle *agent.Cycle) (agent.Analysis, error) {
	d, ok := data.(Data)
	if !ok {
		return agent.Analysis{}, fmt.Errorf("yield 策略收到了意外的数据类型 %T", data)
	}
	if len(d.Vaults) == 0 {
		return agent.Analysis{Summary: "没有可用的金库，本轮不产生信号"}, nil
	}
	analysis, err := s.analyzer.Analyze(ctx, systemPrompt, buildPrompt(d, cfg, cycle))
	if err != nil {
		return agent.Analysis{}, err
	}

	signals := make([]agent.Signal, 0, len(analysis.Signals))
	for _, sig := range analysis.Signals {
		if bound, keep := s.bind(sig, d, cfg, cycle); keep {
			signals = append(signals, bound)
		}
	}
	analysis.Signals = signals
	return analysis, nil
}

func (s *Strategy) bind(sig agent.Signal, d Data, cfg agent.Config, cycle *agent.Cycle) (agent.Signal, bool) {
	if sig.Action == agent.ActionHold {
		return sig, true
	}
	if !sig.Action.IsVault() {
		return sig, false
	}
	vault, ok := resolve(sig.Vault, d.Vaults)
	if !ok {
		s.logger.Info("丢弃无法匹配金库的信号", slog.Any("vault", sig.Vault))
		return sig, false
	}
	sig.Vault = &agent.VaultRef{
		Address:      vault.Address,
		Name:         vault.Name,
		DepositToken: vault.DepositToken,
		APR:          vault.APR,
	}
	sig.Asset = vault.DepositToken
	if p, ok := d.Prices[vault.DepositToken]; ok {
		sig.PriceUSD = p.USD
	}

	switch sig.Action {
	case agent.ActionDeposit:
		if sig.PriceUSD <= 0 && !s.isStable(vault.DepositToken) {
			s.logger.Info("丢弃存款代币无价格的存入信号", slog.String("vault", vault.Address), slog.String("token", vault.DepositToken))
			return sig, false
		}
		sig.AmountUSD = strategy.EntrySize(sig, cfg, cycle)
		return sig, sig.AmountUSD > 0
	default:
		held := 0.0
		if cycle != nil {
			held = cycle.Portfolio.ValueOf(vault.Address)
		}
		if held <= 0 {
			return sig, false
		}
		if sig.WithdrawPct <= 0 || sig.WithdrawPct > 100 {
			sig.WithdrawPct = 100
		}
		sig.AmountUSD = strategy.ExitSize(held, sig.WithdrawPct)
		return sig, true
	}
}

// resolve 按地址或名称（大小写不敏感）匹配金库。
func resolve(ref *agent.VaultRef, vaults []feeds.Vault) (feeds.Vault, bool) {
	if ref == nil {
		return feeds.Vault{}, false
	}
	for _, v := range vaults {
		if ref.Address != "" && strings.EqualFold(ref.Address, v.Address) {
			return v, true
		}
	}
	for _, v := range vaults {
		if ref.Name != "" && strings.EqualFold(strings.TrimSpace(ref.Name), v.Name) {
			return v, true
		}
	}
	return feeds.Vault{}, false
}

// CheckGuardrails 使用通用风控规则（含金库规则）。
func (s *Strategy) CheckGuardrails(signal agent.Signal, cfg agent.Config, cycle *agent.Cycle) agent.GuardrailCheck {
	return guardrail.Check(signal, cfg, cycle)
}

// ExecuteSignal 交给执行引擎。
func (s *Strategy) ExecuteSignal(ctx context.Context, signal agent.Signal, wallet agent.WalletContext, cfg agent.Config) agent.ExecutionResult {
	return s.executor.Execute(ctx, signal, wallet, cfg)
}

var _ agent.Strategy = (*Strategy)(nil)
