// Package market implements the token trading strategy: it reads news and
// spot prices for the tradable universe, asks the model for buy/sell/hold
// signals and sizes them against the agent's risk limits.
package market

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

const defaultNewsLimit = 20

// Data 是 FetchData 的产出。
type Data struct {
	Universe []string
	Prices   map[string]feeds.Price
	News     []feeds.NewsItem
}

// Option 调整策略参数。
type Option func(*Strategy)

// WithNewsLimit 设置每轮拉取的新闻条数。
func WithNewsLimit(n int) Option {
	return func(s *Strategy) {
		if n > 0 {
			s.newsLimit = n
		}
	}
}

// WithUniverse 设置未配置白名单时的默认可交易代币。
func WithUniverse(symbols ...string) Option {
	return func(s *Strategy) {
		s.universe = normalize(symbols)
	}
}

// Strategy 实现 agent.Strategy。
type Strategy struct {
	news      feeds.NewsSource
	prices    feeds.PriceSource
	analyzer  strategy.Analyzer
	executor  strategy.Executor
	universe  []string
	newsLimit int
	logger    *slog.Logger
}

// New 创建市场策略。
func New(news feeds.NewsSource, prices feeds.PriceSource, analyzer strategy.Analyzer, executor strategy.Executor, opts ...Option) *Strategy {
	s := &Strategy{
		news:      news,
		prices:    prices,
		analyzer:  analyzer,
		executor:  executor,
		newsLimit: defaultNewsLimit,
		logger:    logger.Named("strategy.market"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Type 返回策略类型。
func (s *Strategy) Type() agent.Type { return agent.TypeMarket }

// ProgressSteps 返回进度阶段。
func (s *Strategy) ProgressSteps() []agent.Stage { return agent.DefaultProgressSteps() }

// FetchData 拉取价格与新闻。价格是必需的，新闻失败时只记录日志。
func (s *Strategy) FetchData(ctx context.Context, cfg agent.Config, cycle *agent.Cycle) (agent.Data, error) {
	universe := s.tradable(cfg, cycle)
	if len(universe) == 0 {
		return nil, fmt.Errorf("没有可交易的代币")
	}
	prices, err := s.prices.Prices(ctx, universe)
	if err != nil {
		return nil, fmt.Errorf("获取价格失败: %w", err)
	}
	data := Data{Universe: universe, Prices: prices}
	if s.news != nil {
		items, err := s.news.News(ctx, universe, s.newsLimit)
		if err != nil {
			s.logger.Warn("获取新闻失败，继续仅用价格分析", slog.String("agent_id", cfg.ID), slog.Any("error", err))
		} else {
			data.News = items
		}
	}
	return data, nil
}

// Analyze 调用模型并为信号补全价格与金额。
func (s *Strategy) Analyze(ctx context.Context, data agent.Data, cfg agent.Config, cycle *agent.Cycle) (agent.Analysis, error) {
	d, ok := data.(Data)
	if !ok {
		return agent.Analysis{}, fmt.Errorf("market 策略收到了意外的数据类型 %T", data)
	}
	analysis, err := s.analyzer.Analyze(ctx, systemPrompt, buildPrompt(d, cfg, cycle))
	if err != nil {
		return agent.Analysis{}, err
	}

	signals := make([]agent.Signal, 0, len(analysis.Signals))
	for _, sig := range analysis.Signals {
		sized, keep := s.size(sig, d, cfg, cycle)
		if keep {
			signals = append(signals, sized)
		}
	}
	analysis.Signals = signals
	return analysis, nil
}

func (s *Strategy) size(sig agent.Signal, d Data, cfg agent.Config, cycle *agent.Cycle) (agent.Signal, bool) {
	sig.Asset = strings.ToUpper(strings.TrimSpace(sig.Asset))
	if p, ok := d.Prices[sig.Asset]; ok {
		sig.PriceUSD = p.USD
	}
	switch sig.Action {
	case agent.ActionHold:
		return sig, true
	case agent.ActionBuy:
		if sig.PriceUSD <= 0 {
			s.logger.Info("丢弃无价格的买入信号", slog.String("asset", sig.Asset))
			return sig, false
		}
		sig.AmountUSD = strategy.EntrySize(sig, cfg, cycle)
		if sig.AmountUSD <= 0 {
			s.logger.Info("置信度不足，丢弃买入信号", slog.String("asset", sig.Asset), slog.Float64("confidence", sig.Confidence))
			return sig, false
		}
		return sig, true
	case agent.ActionSell:
		if cycle == nil {
			return sig, false
		}
		held := cycle.Portfolio.ValueOf(sig.Asset)
		if held <= 0 || sig.PriceUSD <= 0 {
			s.logger.Info("丢弃无持仓或无价格的卖出信号", slog.String("asset", sig.Asset))
			return sig, false
		}
		sig.AmountUSD = strategy.ExitSize(held, sig.AllocationPct)
		return sig, true
	default:
		return sig, false
	}
}

// CheckGuardrails 使用通用风控规则。
func (s *Strategy) CheckGuardrails(signal agent.Signal, cfg agent.Config, cycle *agent.Cycle) agent.GuardrailCheck {
	return guardrail.Check(signal, cfg, cycle)
}

// ExecuteSignal 交给执行引擎。
func (s *Strategy) ExecuteSignal(ctx context.Context, signal agent.Signal, wallet agent.WalletContext, cfg agent.Config) agent.ExecutionResult {
	return s.executor.Execute(ctx, signal, wallet, cfg)
}

// tradable 返回本轮可交易代币：白名单优先，其次默认集合，再加上已有持仓，最后去掉黑名单。
func (s *Strategy) tradable(cfg agent.Config, cycle *agent.Cycle) []string {
	set := make(map[string]struct{})
	base := normalize(cfg.AllowedAssets)
	if len(base) == 0 {
		base = s.universe
	}
	for _, sym := range base {
		set[sym] = struct{}{}
	}
	if cycle != nil && len(cfg.AllowedAssets) == 0 {
		for key, h := range cycle.Portfolio.Holdings {
			if h.Kind == agent.PositionToken && h.Open() {
				set[key] = struct{}{}
			}
		}
	}
	for _, sym := range normalize(cfg.BlockedAssets) {
		delete(set, sym)
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ agent.Strategy = (*Strategy)(nil)
