package agent_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/ledger"
)

type stubStrategy struct {
	analysis   agent.Analysis
	fetchErr   error
	analyzeErr error
	block      map[string]agent.GuardrailCheck
	results    map[string]agent.ExecutionResult
	panicOn    string
	executed   []agent.Signal
	seenTrades []int
}

func (s *stubStrategy) Type() agent.Type             { return agent.TypeMarket }
func (s *stubStrategy) ProgressSteps() []agent.Stage { return agent.DefaultProgressSteps() }

func (s *stubStrategy) FetchData(context.Context, agent.Config, *agent.Cycle) (agent.Data, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return "data", nil
}

func (s *stubStrategy) Analyze(context.Context, agent.Data, agent.Config, *agent.Cycle) (agent.Analysis, error) {
	if s.analyzeErr != nil {
		return agent.Analysis{}, s.analyzeErr
	}
	return s.analysis, nil
}

func (s *stubStrategy) CheckGuardrails(signal agent.Signal, _ agent.Config, cycle *agent.Cycle) agent.GuardrailCheck {
	s.seenTrades = append(s.seenTrades, cycle.TradesToday)
	if check, ok := s.block[signal.Asset]; ok {
		return check
	}
	return agent.Pass()
}

func (s *stubStrategy) ExecuteSignal(_ context.Context, signal agent.Signal, _ agent.WalletContext, _ agent.Config) agent.ExecutionResult {
	if signal.Asset == s.panicOn {
		panic("executor exploded")
	}
	s.executed = append(s.executed, signal)
	if res, ok := s.results[signal.Asset]; ok {
		return res
	}
	return agent.ExecutionResult{Success: true, TxHash: "0xhash", RealizedAmount: decimal.NewFromInt(1)}
}

type stubPortfolio struct {
	value float64
	err   error
	calls int
}

func (p *stubPortfolio) Snapshot(context.Context, agent.Config, agent.WalletContext) (agent.PortfolioSnapshot, error) {
	p.calls++
	if p.err != nil {
		return agent.PortfolioSnapshot{}, p.err
	}
	return agent.PortfolioSnapshot{ValueUSD: p.value}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []agent.ProgressUpdate
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, update agent.ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *recordingPublisher) stages() []agent.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Stage, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Stage)
	}
	return out
}

func testConfig() agent.Config {
	return agent.Config{
		ID:            "agent-1",
		UserID:        "user-1",
		Type:          agent.TypeMarket,
		Active:        true,
		Frequency:     time.Hour,
		WalletID:      "wallet-1",
		WalletAddress: "0x1111111111111111111111111111111111111111",
	}
}

func eventsByType(t *testing.T, store *ledger.MemoryStore, agentID string) map[agent.EventType][]agent.TimelineEvent {
	t.Helper()
	events, err := store.ListEvents(context.Background(), agentID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make(map[agent.EventType][]agent.TimelineEvent)
	for _, ev := range events {
		out[ev.Type] = append(out[ev.Type], ev)
	}
	return out
}

func newRunner(strategy agent.Strategy, store agent.Store, portfolio agent.PortfolioReader, pub agent.Publisher) *agent.Runner {
	return agent.NewRunner(agent.NewRegistry(strategy), store, portfolio, agent.WithPublisher(pub))
}

func TestRunCycleWalletEmptySkipsExecution(t *testing.T) {
	store := ledger.NewMemoryStore()
	strategy := &stubStrategy{analysis: agent.Analysis{
		Summary: "bullish",
		Signals: []agent.Signal{{Asset: "ETH", Action: agent.ActionBuy, Confidence: 90, AmountUSD: 100}},
	}}
	pub := &recordingPublisher{}
	runner := newRunner(strategy, store, &stubPortfolio{value: 0}, pub)

	report := runner.RunCycle(context.Background(), testConfig())
	if report.IsFailed() {
		t.Fatalf("wallet-empty cycle should complete, got %v", report.Err)
	}
	if len(strategy.executed) != 0 {
		t.Fatalf("expected no executions, got %d", len(strategy.executed))
	}
	events := eventsByType(t, store, "agent-1")
	if len(events[agent.EventTrade]) != 0 {
		t.Fatalf("expected no trade events")
	}
	if len(events[agent.EventSystem]) != 1 {
		t.Fatalf("expected exactly one system event, got %d", len(events[agent.EventSystem]))
	}
	if len(events[agent.EventAnalysis]) != 1 {
		t.Fatalf("expected analysis event")
	}
}

func TestRunCycleAnalysisFailureWritesOneSystemEvent(t *testing.T) {
	store := ledger.NewMemoryStore()
	strategy := &stubStrategy{analyzeErr: errors.New("model returned garbage")}
	pub := &recordingPublisher{}
	runner := newRunner(strategy, store, &stubPortfolio{value: 1000}, pub)

	report := runner.RunCycle(context.Background(), testConfig())
	if !report.IsFailed() {
		t.Fatalf("expected failed cycle")
	}
	if xerrors.CodeOf(report.Err) != xerrors.CodeAnalysisFailure {
		t.Fatalf("expected ANALYSIS_FAILURE, got %s", xerrors.CodeOf(report.Err))
	}
	events := eventsByType(t, store, "agent-1")
	if len(events[agent.EventSystem]) != 1 {
		t.Fatalf("expected exactly one system event, got %d", len(events[agent.EventSystem]))
	}
	if len(events[agent.EventTrade]) != 0 {
		t.Fatalf("expected no trade events")
	}
	stages := pub.stages()
	if stages[len(stages)-1] != agent.StageFailed {
		t.Fatalf("expected terminal error stage, got %s", stages[len(stages)-1])
	}
}

func TestRunCycleFetchTimeoutIsTimeout(t *testing.T) {
	store := ledger.NewMemoryStore()
	strategy := &stubStrategy{fetchErr: fmt.Errorf("price feed: %w", context.DeadlineExceeded)}
	runner := newRunner(strategy, store, &stubPortfolio{value: 1000}, &recordingPublisher{})

	report := runner.RunCycle(context.Background(), testConfig())
	if xerrors.CodeOf(report.Err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", report.Err)
	}
	system := eventsByType(t, store, "agent-1")[agent.EventSystem]
	if len(system) != 1 || system[0].Detail["error_code"] != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected system events %+v", system)
	}
}

func TestRunCycleMissingWalletFailsBeforeFetch(t *testing.T) {
	store := ledger.NewMemoryStore()
	portfolio := &stubPortfolio{value: 1000}
	runner := newRunner(&stubStrategy{}, store, portfolio, &recordingPublisher{})

	cfg := testConfig()
	cfg.WalletAddress = ""
	report := runner.RunCycle(context.Background(), cfg)
	if xerrors.CodeOf(report.Err) != xerrors.CodeNoWallet {
		t.Fatalf("expected AGENT_NO_WALLET, got %v", report.Err)
	}
	if portfolio.calls != 0 {
		t.Fatalf("portfolio should not be read without a wallet")
	}
	if len(eventsByType(t, store, "agent-1")[agent.EventSystem]) != 1 {
		t.Fatalf("expected a system event for the failure")
	}
}

func TestRunCycleUnknownStrategy(t *testing.T) {
	store := ledger.NewMemoryStore()
	runner := newRunner(&stubStrategy{}, store, &stubPortfolio{value: 10}, nil)

	cfg := testConfig()
	cfg.Type = agent.TypeYield
	report := runner.RunCycle(context.Background(), cfg)
	if xerrors.CodeOf(report.Err) != xerrors.CodeUnknownStrategy {
		t.Fatalf("expected AGENT_UNKNOWN_TYPE, got %v", report.Err)
	}
}

func TestRunCycleIsolatesSignals(t *testing.T) {
	store := ledger.NewMemoryStore()
	strategy := &stubStrategy{
		analysis: agent.Analysis{
			Summary: "mixed",
			Signals: []agent.Signal{
				{Asset: "ETH", Action: agent.ActionBuy, AmountUSD: 50},
				{Asset: "DOGE", Action: agent.ActionBuy, AmountUSD: 50},
				{Asset: "LINK", Action: agent.ActionHold},
				{Asset: "BOOM", Action: agent.ActionBuy, AmountUSD: 50},
				{Asset: "WBTC", Action: agent.ActionSell, AmountUSD: 50},
				{Asset: "ARB", Action: agent.ActionBuy, AmountUSD: 50},
			},
		},
		block: map[string]agent.GuardrailCheck{
			"DOGE": agent.Block("blocked_currencies", "DOGE is blocked"),
		},
		results: map[string]agent.ExecutionResult{
			"WBTC": {Success: false, Error: "execution reverted", ErrorCode: xerrors.CodeReverted},
		},
		panicOn: "BOOM",
	}
	portfolio := &stubPortfolio{value: 1000}
	runner := newRunner(strategy, store, portfolio, &recordingPublisher{})

	report := runner.RunCycle(context.Background(), testConfig())
	if report.IsFailed() {
		t.Fatalf("per-signal failures must not fail the cycle: %v", report.Err)
	}
	if report.Signals != 5 {
		t.Fatalf("hold signals are not actionable, expected 5 got %d", report.Signals)
	}
	if report.Executed != 2 || report.Blocked != 1 || report.Failed != 2 {
		t.Fatalf("unexpected tallies: executed=%d blocked=%d failed=%d", report.Executed, report.Blocked, report.Failed)
	}

	events := eventsByType(t, store, "agent-1")
	if len(events[agent.EventGuardrail]) != 1 {
		t.Fatalf("expected one guardrail event")
	}
	if code := events[agent.EventGuardrail][0].Detail["error_code"]; code != string(xerrors.CodeGuardrailRejected) {
		t.Fatalf("guardrail event should carry GUARDRAIL_REJECTED, got %v", code)
	}
	if len(events[agent.EventTrade]) != 4 {
		t.Fatalf("expected four trade events, got %d", len(events[agent.EventTrade]))
	}
	trades, _ := store.CountTrades(context.Background(), "agent-1", time.Time{})
	if trades != 2 {
		t.Fatalf("expected two successful trades, got %d", trades)
	}
	// ETH 成交后，后续信号看到的当日成交数递增。
	if strategy.seenTrades[0] != 0 || strategy.seenTrades[len(strategy.seenTrades)-1] != 1 {
		t.Fatalf("trades today not incremented between signals: %v", strategy.seenTrades)
	}
	if portfolio.calls != 3 {
		t.Fatalf("expected snapshot refresh after each success, got %d calls", portfolio.calls)
	}
}

func TestRunCycleNoSignals(t *testing.T) {
	store := ledger.NewMemoryStore()
	strategy := &stubStrategy{analysis: agent.Analysis{Summary: "nothing to do"}}
	pub := &recordingPublisher{}
	runner := newRunner(strategy, store, &stubPortfolio{value: 1000}, pub)

	report := runner.RunCycle(context.Background(), testConfig())
	if report.IsFailed() || report.Stage != agent.StageCompleted {
		t.Fatalf("unexpected report: %+v", report)
	}
	found := false
	for _, stage := range pub.stages() {
		if stage == agent.StageNoSignals {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected completed_no_signals progress stage")
	}
	if len(eventsByType(t, store, "agent-1")[agent.EventSystem]) != 0 {
		t.Fatalf("no system events expected on a clean cycle")
	}
}

func TestRunCycleCountsTodaysTrades(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, at := range []time.Time{now.Add(-20 * time.Hour), now.Add(-2 * time.Hour)} {
		_ = store.AppendEvent(ctx, agent.TimelineEvent{
			AgentID: "agent-1", Type: agent.EventTrade, Outcome: agent.OutcomeSuccess, CreatedAt: at,
		})
	}
	strategy := &stubStrategy{analysis: agent.Analysis{
		Signals: []agent.Signal{{Asset: "ETH", Action: agent.ActionBuy, AmountUSD: 10}},
	}}
	runner := agent.NewRunner(agent.NewRegistry(strategy), store, &stubPortfolio{value: 100},
		agent.WithClock(func() time.Time { return now }))

	runner.RunCycle(ctx, testConfig())
	if len(strategy.seenTrades) != 1 || strategy.seenTrades[0] != 1 {
		t.Fatalf("expected one trade counted since UTC midnight, got %v", strategy.seenTrades)
	}
}
