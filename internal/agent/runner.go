package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

// CycleStatus 是周期的终态。
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// CycleReport 汇总一次周期的执行情况。RunCycle 从不返回错误，失败信息都在这里。
type CycleReport struct {
	AgentID    string
	RunID      string
	Status     CycleStatus
	Stage      Stage
	Summary    string
	Signals    int
	Executed   int
	Blocked    int
	Failed     int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// IsFailed 判断周期是否以失败结束。
func (r *CycleReport) IsFailed() bool {
	return r != nil && r.Status == CycleFailed
}

// Runner 协调策略、账本与进度通道，驱动单个周期的状态机。
type Runner struct {
	registry  *Registry
	store     Store
	portfolio PortfolioReader
	progress  Publisher
	alerter   alerting.Dispatcher
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义可选的 Runner 配置。
type Option func(*Runner)

// WithPublisher 配置实时进度通道。
func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.progress = p
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Runner) {
		r.alerter = d
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner 创建周期编排器。
func NewRunner(registry *Registry, store Store, portfolio PortfolioReader, opts ...Option) *Runner {
	r := &Runner{
		registry:  registry,
		store:     store,
		portfolio: portfolio,
		progress:  nopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("agent")
	}
	return r
}

// run 保存单次周期内共享的状态。
type run struct {
	cfg      Config
	strategy Strategy
	cycle    *Cycle
	report   *CycleReport
}

// RunCycle 执行一个完整周期。任何错误（包括 panic）都被捕获并转换为审计数据。
func (r *Runner) RunCycle(ctx context.Context, cfg Config) (report *CycleReport) {
	started := r.now().UTC()
	report = &CycleReport{
		AgentID:   cfg.ID,
		RunID:     uuid.NewString(),
		Stage:     StageStarted,
		StartedAt: started,
	}
	st := &run{cfg: cfg, report: report}

	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ctx, st, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("cycle panic: %v", rec)))
		}
		report.FinishedAt = r.now().UTC()
		metrics.ObserveCycle(string(cfg.Type), string(report.Status), report.FinishedAt.Sub(started))
	}()

	r.publish(ctx, st, StageStarted, "周期开始", nil)

	wallet, ok := cfg.Wallet()
	if !ok {
		r.fail(ctx, st, xerrors.New(xerrors.CodeNoWallet, "智能体未配置资金钱包"))
		return report
	}

	strategy, ok := r.registry.Lookup(cfg.Type)
	if !ok {
		r.fail(ctx, st, xerrors.New(xerrors.CodeUnknownStrategy, fmt.Sprintf("未登记的策略类型: %s", cfg.Type)))
		return report
	}
	st.strategy = strategy
	st.cycle = &Cycle{RunID: report.RunID, Now: started, Wallet: wallet}

	r.publish(ctx, st, StageFetchingData, "读取组合与策略数据", nil)
	if err := r.prepare(ctx, st); err != nil {
		r.fail(ctx, st, err)
		return report
	}
	data, err := strategy.FetchData(ctx, cfg, st.cycle)
	if err != nil {
		r.fail(ctx, st, wrapIfPlain(xerrors.CodeDataFetch, err, "获取策略数据失败"))
		return report
	}

	r.publish(ctx, st, StageAnalyzing, "分析数据生成信号", nil)
	analysis, err := strategy.Analyze(ctx, data, cfg, st.cycle)
	if err != nil {
		r.fail(ctx, st, wrapIfPlain(xerrors.CodeAnalysisFailure, err, "分析阶段失败"))
		return report
	}

	actionable := make([]Signal, 0, len(analysis.Signals))
	for _, sig := range analysis.Signals {
		if sig.Action != ActionHold {
			actionable = append(actionable, sig)
		}
	}
	report.Signals = len(actionable)
	report.Summary = analysis.Summary
	r.appendEvent(ctx, st, TimelineEvent{
		Type:    EventAnalysis,
		Summary: analysis.Summary,
		Detail: map[string]any{
			"signals":    analysis.Signals,
			"actionable": len(actionable),
		},
	})

	if len(actionable) == 0 {
		r.publish(ctx, st, StageNoSignals, analysis.Summary, nil)
		r.complete(ctx, st, "没有可执行的信号")
		return report
	}
	r.publish(ctx, st, StageHasSignals, fmt.Sprintf("%d 个候选信号", len(actionable)),
		map[string]any{"count": len(actionable)})

	if st.cycle.Portfolio.ValueUSD <= 0 {
		r.appendEvent(ctx, st, TimelineEvent{
			Type:    EventSystem,
			Summary: "Wallet empty: portfolio value is 0, skipping execution",
			Detail:  map[string]any{"skipped_signals": len(actionable)},
		})
		r.complete(ctx, st, "钱包余额为 0，跳过执行")
		return report
	}

	for idx, sig := range actionable {
		r.processSignal(ctx, st, idx, sig, wallet)
	}
	r.complete(ctx, st, fmt.Sprintf("执行 %d，拦截 %d，失败 %d", report.Executed, report.Blocked, report.Failed))
	return report
}

// prepare 读取组合估值与当日成交次数，填充周期上下文。
func (r *Runner) prepare(ctx context.Context, st *run) error {
	if r.portfolio != nil {
		snapshot, err := r.portfolio.Snapshot(ctx, st.cfg, st.cycle.Wallet)
		if err != nil {
			return wrapIfPlain(xerrors.CodeDataFetch, err, "读取组合估值失败")
		}
		st.cycle.Portfolio = snapshot
	}
	if r.store != nil {
		trades, err := r.store.CountTrades(ctx, st.cfg.ID, startOfDay(st.cycle.Now))
		if err != nil {
			return wrapIfPlain(xerrors.CodeStorageFailure, err, "统计当日成交失败")
		}
		st.cycle.TradesToday = trades
	}
	return nil
}

// processSignal 处理单个信号，错误和 panic 都不会影响后续信号。
func (r *Runner) processSignal(ctx context.Context, st *run, idx int, sig Signal, wallet WalletContext) {
	payload := map[string]any{"index": idx, "action": sig.Action, "target": sig.Target(), "amount_usd": sig.AmountUSD}
	defer func() {
		if rec := recover(); rec != nil {
			st.report.Failed++
			r.logger.Error("信号处理 panic", slog.String("agent_id", st.cfg.ID), slog.Any("panic", rec))
			r.appendEvent(ctx, st, TimelineEvent{
				Type:    EventTrade,
				Outcome: OutcomeFailure,
				Summary: fmt.Sprintf("%s %s failed: %v", sig.Action, sig.Target(), rec),
				Detail:  payload,
			})
			metrics.ObserveSignal(string(st.cfg.Type), string(sig.Action), "failed")
		}
		r.publish(ctx, st, StageLogged, "信号已记录", payload)
	}()

	r.publish(ctx, st, StageGuardrailCheck, fmt.Sprintf("校验 %s %s", sig.Action, sig.Target()), payload)
	check := st.strategy.CheckGuardrails(sig, st.cfg, st.cycle)
	if !check.Passed {
		st.report.Blocked++
		metrics.ObserveGuardrailBlock(check.RuleName)
		metrics.ObserveSignal(string(st.cfg.Type), string(sig.Action), "blocked")
		r.appendEvent(ctx, st, TimelineEvent{
			Type:    EventGuardrail,
			Summary: fmt.Sprintf("%s %s blocked by %s: %s", sig.Action, sig.Target(), check.RuleName, check.BlockedReason),
			Detail: map[string]any{
				"signal":     sig,
				"rule_name":  check.RuleName,
				"reason":     check.BlockedReason,
				"error_code": string(xerrors.CodeGuardrailRejected),
			},
		})
		return
	}

	r.publish(ctx, st, StageExecuting, fmt.Sprintf("执行 %s %s", sig.Action, sig.Target()), payload)
	result := st.strategy.ExecuteSignal(ctx, sig, wallet, st.cfg)
	detail := map[string]any{
		"signal":          sig,
		"tx_hash":         result.TxHash,
		"tx_hashes":       result.TxHashes,
		"realized_amount": result.RealizedAmount.String(),
	}
	if !result.Success {
		st.report.Failed++
		detail["error"] = result.Error
		detail["error_code"] = string(result.ErrorCode)
		metrics.ObserveSignal(string(st.cfg.Type), string(sig.Action), "failed")
		r.appendEvent(ctx, st, TimelineEvent{
			Type:    EventTrade,
			Outcome: OutcomeFailure,
			Summary: fmt.Sprintf("%s %s failed: %s", sig.Action, sig.Target(), result.Error),
			Detail:  detail,
		})
		logger.Audit().Warn("交易执行失败",
			slog.String("agent_id", st.cfg.ID),
			slog.String("run_id", st.report.RunID),
			slog.String("action", string(sig.Action)),
			slog.String("target", sig.Target()),
			slog.String("error_code", string(result.ErrorCode)),
			slog.String("error", result.Error),
		)
		code := result.ErrorCode
		if code == "" {
			code = xerrors.CodeExecutorFailure
		}
		if xerrors.AttributesOf(code).Alert {
			r.emitAlert(ctx, st, code, result.Error, StageExecuting)
		}
		return
	}

	st.report.Executed++
	st.cycle.TradesToday++
	metrics.ObserveSignal(string(st.cfg.Type), string(sig.Action), "executed")
	r.appendEvent(ctx, st, TimelineEvent{
		Type:    EventTrade,
		Outcome: OutcomeSuccess,
		Summary: fmt.Sprintf("%s %s ($%.2f) confirmed", sig.Action, sig.Target(), sig.AmountUSD),
		Detail:  detail,
	})
	logger.Audit().Info("交易执行成功",
		slog.String("agent_id", st.cfg.ID),
		slog.String("run_id", st.report.RunID),
		slog.String("action", string(sig.Action)),
		slog.String("target", sig.Target()),
		slog.String("tx_hash", result.TxHash),
		slog.String("realized_amount", result.RealizedAmount.String()),
	)

	// 成交后刷新估值，后续信号的仓位占比基于最新持仓计算。
	if r.portfolio != nil {
		if snapshot, err := r.portfolio.Snapshot(ctx, st.cfg, wallet); err == nil {
			st.cycle.Portfolio = snapshot
		} else {
			r.logger.Warn("刷新组合估值失败", slog.String("agent_id", st.cfg.ID), slog.Any("error", err))
		}
	}
}

func (r *Runner) complete(ctx context.Context, st *run, message string) {
	st.report.Status = CycleCompleted
	st.report.Stage = StageCompleted
	r.publish(ctx, st, StageCompleted, message, map[string]any{
		"executed": st.report.Executed,
		"blocked":  st.report.Blocked,
		"failed":   st.report.Failed,
	})
	r.logger.Info("周期完成",
		slog.String("agent_id", st.cfg.ID),
		slog.String("run_id", st.report.RunID),
		slog.Int("signals", st.report.Signals),
		slog.Int("executed", st.report.Executed),
	)
}

// fail 记录周期级失败：一条 system 事件、一条终态 error 进度与审计日志。
func (r *Runner) fail(ctx context.Context, st *run, err error) {
	report := st.report
	failedAt := report.Stage
	report.Status = CycleFailed
	report.Err = err
	message := NormalizeFailure(err)

	r.appendEvent(ctx, st, TimelineEvent{
		Type:    EventSystem,
		Outcome: OutcomeFailure,
		Summary: "Cycle failed: " + message,
		Detail: map[string]any{
			"stage":      string(failedAt),
			"error_code": string(xerrors.CodeOf(err)),
		},
	})
	r.publish(ctx, st, StageFailed, message, map[string]any{"error_code": string(xerrors.CodeOf(err))})
	report.Stage = StageFailed

	logger.Audit().Warn("周期失败",
		slog.String("agent_id", st.cfg.ID),
		slog.String("run_id", report.RunID),
		slog.String("stage", string(failedAt)),
		slog.String("error", err.Error()),
	)
	if xerrors.ShouldAlert(err) || xerrors.CodeOf(err) == xerrors.CodeUnknown {
		r.emitAlert(ctx, st, xerrors.CodeOf(err), message, failedAt)
	}
}

func (r *Runner) publish(ctx context.Context, st *run, stage Stage, message string, payload map[string]any) {
	if stage != StageFailed && stage != StageLogged {
		st.report.Stage = stage
	}
	r.progress.Publish(ctx, st.cfg.Key(), ProgressUpdate{
		AgentID: st.cfg.ID,
		RunID:   st.report.RunID,
		Stage:   stage,
		Message: message,
		Payload: payload,
		At:      r.now().UTC(),
	})
}

func (r *Runner) appendEvent(ctx context.Context, st *run, event TimelineEvent) {
	if r.store == nil {
		return
	}
	event.ID = uuid.NewString()
	event.AgentID = st.cfg.ID
	event.RunID = st.report.RunID
	event.CreatedAt = r.now().UTC()
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Error("写入时间线失败",
			slog.String("agent_id", st.cfg.ID),
			slog.String("run_id", st.report.RunID),
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

func (r *Runner) emitAlert(ctx context.Context, st *run, code xerrors.Code, message string, stage Stage) {
	if r.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		AgentID:    st.cfg.ID,
		RunID:      st.report.RunID,
		Stage:      string(stage),
		OccurredAt: r.now().UTC(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败", slog.String("agent_id", st.cfg.ID), slog.Any("error", err))
	}
}

// wrapIfPlain 为未编码的错误补充错误码，已编码的错误原样返回。超时统一归为 TIMEOUT。
func wrapIfPlain(code xerrors.Code, err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	return xerrors.Wrap(code, err, message)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
