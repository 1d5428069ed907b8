package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/config"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/feeds"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/portfolio"
	"ChainPilot/internal/registry"
	"ChainPilot/internal/routing"
	"ChainPilot/internal/scheduler"
	"ChainPilot/internal/strategy/market"
	"ChainPilot/internal/strategy/yield"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/internal/web3/signer"
	"ChainPilot/pkg/logger"
)

func serve(ctx context.Context, cfg *config.Config, agentsPath string) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if agentsPath != "" {
		if _, err := seedAgents(ctx, store, agentsPath); err != nil {
			return err
		}
	}

	tokens, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return err
	}

	signerClient, err := signer.NewClient(signer.Config{
		BaseURL: cfg.Signer.URL,
		Token:   cfg.Signer.Token,
		Timeout: cfg.Signer.Timeout,
	})
	if err != nil {
		return err
	}
	chains, err := provider.NewRegistry(ctx, cfg.Web3, signerClient)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	snapCtx, cancelSnap := context.WithTimeout(ctx, 10*time.Second)
	snapshot, err := chain.FetchChainSnapshot(snapCtx)
	cancelSnap()
	if err != nil {
		logger.L().Warn("读取链状态失败，继续启动", slog.String("chain", chain.Name()), slog.Any("error", err))
	} else {
		logger.L().Info("已连接默认链",
			slog.String("chain", chain.Name()),
			slog.String("chain_id", snapshot.ChainID),
			slog.String("block", snapshot.BlockNumber),
			slog.String("notes", snapshot.Notes),
		)
	}

	httpQuoter, err := routing.NewHTTPQuoter(routing.HTTPConfig{BaseURL: cfg.Routing.URL, Timeout: cfg.Routing.Timeout})
	if err != nil {
		return err
	}
	quoter := routing.NewCachedQuoter(httpQuoter, cache.NewTTL[routing.Quote](cfg.Cache.RouteTTL))

	approvals, closeApprovals, err := openApprovalCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApprovals()

	engine := execution.NewEngine(chain, tokens, quoter, approvals, store, execution.Config{
		SlippageBps:        cfg.Execution.SlippageBps,
		SellClampTolerance: decimal.NewFromFloat(cfg.Execution.SellClampTolerance),
		HysteresisRetries:  cfg.Execution.HysteresisRetries,
		HysteresisDelay:    cfg.Execution.HysteresisDelay,
	})

	llmClient, err := openai.NewClient(openai.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	analyzer := llm.NewAnalyzer(llmClient)

	feedClient := feeds.NewClient(feeds.Config{
		NewsURL:  cfg.Feeds.NewsURL,
		PriceURL: cfg.Feeds.PriceURL,
		VaultURL: cfg.Feeds.VaultURL,
		Timeout:  cfg.Feeds.Timeout,
	})

	strategies := agent.NewRegistry(
		market.New(feedClient, feedClient, analyzer, engine, market.WithUniverse(tradableSymbols(tokens)...)),
		yield.New(feedClient, feedClient, analyzer, engine,
			yield.WithSupportedTokens(allSymbols(tokens)...),
			yield.WithStableTokens(stableSymbols(tokens)...),
		),
	)

	publisher, closePublisher, err := openPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	alerter := newAlerter(cfg)
	runner := agent.NewRunner(strategies, store, portfolio.NewReader(store, feedClient, chain, tokens),
		agent.WithPublisher(publisher),
		agent.WithAlertDispatcher(alerter),
	)

	queue, err := openTriggerQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	sched := scheduler.New(store, runner, queue, schedulerConfig(cfg), scheduler.WithAlertDispatcher(alerter))

	logger.L().Info("ChainPilot 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("trigger", cfg.Trigger.Driver),
		slog.String("progress", cfg.Progress.Driver),
		slog.String("chains", fmt.Sprint(chains.Chains())),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Start(gctx) })
	group.Go(func() error { return sched.ConsumeTriggers(gctx) })
	if cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("ChainPilot 已退出")
	return nil
}

func newAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, 0))
	}
	return alerting.NewFanout(notifiers...)
}

func tradableSymbols(tokens *registry.Registry) []string {
	var out []string
	for _, t := range tokens.Tokens() {
		if !t.Stable {
			out = append(out, t.Symbol)
		}
	}
	return out
}

func stableSymbols(tokens *registry.Registry) []string {
	var out []string
	for _, t := range tokens.Tokens() {
		if t.Stable {
			out = append(out, t.Symbol)
		}
	}
	return out
}

func allSymbols(tokens *registry.Registry) []string {
	list := tokens.Tokens()
	out := make([]string, 0, len(list))
	for _, t := range list {
		out = append(out, t.Symbol)
	}
	return out
}
