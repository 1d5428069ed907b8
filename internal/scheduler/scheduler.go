// Package scheduler drives agent cycles. A cron tick claims due agents and runs
// them one after another; manual triggers travel through a queue and are handled
// by a worker pool that follows the same claim, run and release sequence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

const (
	defaultTick       = time.Minute
	defaultRetryDelay = 5 * time.Minute
	defaultClaimTTL   = 30 * time.Minute
	defaultBatchSize  = 100

	sourceTick    = "tick"
	sourceTrigger = "trigger"
)

// CycleRunner 执行单个智能体周期。
type CycleRunner interface {
	RunCycle(ctx context.Context, cfg agent.Config) *agent.CycleReport
}

// Store 是调度器使用的账本能力。
type Store interface {
	agent.AgentStore
	AppendEvent(ctx context.Context, event agent.TimelineEvent) error
}

// Config 控制调度节拍。
type Config struct {
	Tick       time.Duration
	RetryDelay time.Duration
	ClaimTTL   time.Duration
	Workers    int
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOwner 指定 worker 标识，作为每次领取令牌的前缀。
func WithOwner(owner string) Option {
	return func(s *Scheduler) {
		if strings.TrimSpace(owner) != "" {
			s.owner = owner
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerter = d
	}
}

// Scheduler 负责定时调度与手动触发。
type Scheduler struct {
	store   Store
	runner  CycleRunner
	queue   Queue
	cfg     Config
	owner   string
	now     func() time.Time
	logger  *slog.Logger
	alerter alerting.Dispatcher

	mu   sync.Mutex
	cron *cron.Cron
}

// New 创建调度器。queue 为空时 RunNow 不可用。
func New(store Store, runner CycleRunner, queue Queue, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		runner: runner,
		queue:  queue,
		cfg:    cfg.withDefaults(),
		owner:  defaultOwner(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	return s
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chainpilot"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner 返回本实例的 worker 标识。
func (s *Scheduler) Owner() string { return s.owner }

// Start 按节拍调度到期智能体，阻塞直到 ctx 结束。上一轮未结束时跳过本轮。
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := "@every " + s.cfg.Tick.String()
	if _, err := c.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册调度节拍失败")
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info("调度器已启动", slog.String("tick", s.cfg.Tick.String()), slog.String("owner", s.owner))
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info("调度器已停止")
	return nil
}

// Tick 执行一轮调度，返回本轮处理的智能体数量。
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("查询到期智能体失败", slog.Any("error", err))
		return 0
	}
	metrics.SetDueAgents(len(due))
	if len(due) == 0 {
		return 0
	}
	s.logger.Debug("开始调度", slog.Int("due", len(due)))

	processed := 0
	for _, cfg := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.runAgent(ctx, cfg.ID, sourceTick); err == nil {
			processed++
		}
	}
	return processed
}

// RunNow 记录一次手动触发并投递到触发队列，不等待周期执行。
func (s *Scheduler) RunNow(ctx context.Context, agentID string) error {
	if s.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置触发队列")
	}
	cfg, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.MarkTriggered(ctx, cfg.ID, now, now.Add(s.frequency(*cfg))); err != nil {
		return err
	}
	if err := s.queue.Publish(ctx, cfg.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递触发失败",
			xerrors.WithMetadata("agent_id", cfg.ID))
	}
	logger.Audit().Info("手动触发智能体", slog.String("agent_id", cfg.ID), slog.String("user_id", cfg.UserID))
	return nil
}

// ConsumeTriggers 启动触发消费者，阻塞直到 ctx 结束。
func (s *Scheduler) ConsumeTriggers(ctx context.Context) error {
	if s.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置触发队列")
	}
	err := s.queue.Consume(ctx, s.cfg.Workers, s.handleTrigger)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Scheduler) handleTrigger(ctx context.Context, agentID string) error {
	err := s.runAgent(ctx, agentID, sourceTrigger)
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAgentBusy, xerrors.CodeNotFound:
		// 正在运行或已删除的智能体不需要重投。
		return nil
	}
	return err
}

// runAgent 领取、执行并释放一个智能体。返回 nil 表示周期已执行（无论成败）。
// 每次运行使用独立的领取令牌，同一进程内的节拍与触发 worker 也互斥。
func (s *Scheduler) runAgent(ctx context.Context, agentID, source string) (err error) {
	token := s.owner + "/" + uuid.NewString()[:8]
	log := s.logger.With(slog.String("agent_id", agentID), slog.String("source", source), slog.String("claim", token))
	claimedAt := s.now().UTC()
	var cfg *agent.Config
	if source == sourceTick {
		cfg, err = s.store.ClaimDue(ctx, agentID, token, claimedAt, s.cfg.ClaimTTL)
	} else {
		cfg, err = s.store.Claim(ctx, agentID, token, claimedAt, s.cfg.ClaimTTL)
	}
	if err != nil {
		switch xerrors.CodeOf(err) {
		case xerrors.CodeAgentBusy:
			log.Debug("智能体正在运行，跳过")
		case xerrors.CodeConflict:
			log.Debug("智能体已不再到期，跳过")
		default:
			log.Error("领取智能体失败", slog.Any("error", err))
		}
		return err
	}
	if !cfg.Active {
		log.Info("智能体已停用，跳过")
		s.release(ctx, log, cfg.ID, token, cfg.LastRunAt, cfg.NextRunAt)
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			failure := xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("scheduler panic: %v", rec))
			log.Error("周期执行崩溃", slog.Any("panic", rec))
			s.recordFailure(ctx, *cfg, failure)
			finished := s.now().UTC()
			s.release(ctx, log, cfg.ID, token, finished, finished.Add(s.cfg.RetryDelay))
			err = nil
		}
	}()

	report := s.runner.RunCycle(ctx, *cfg)
	finished := s.now().UTC()
	lastRun := claimedAt
	next := finished.Add(s.frequency(*cfg))
	if report != nil {
		if !report.StartedAt.IsZero() {
			lastRun = report.StartedAt
		}
		if report.IsFailed() {
			next = finished.Add(s.cfg.RetryDelay)
		}
		log.Info("周期结束",
			slog.String("run_id", report.RunID),
			slog.String("status", string(report.Status)),
			slog.Int("signals", report.Signals),
			slog.Int("executed", report.Executed),
			slog.Time("next_run_at", next),
		)
	}
	s.release(ctx, log, cfg.ID, token, lastRun, next)
	return nil
}

func (s *Scheduler) release(ctx context.Context, log *slog.Logger, agentID, token string, lastRun, next time.Time) {
	if err := s.store.Release(context.WithoutCancel(ctx), agentID, token, lastRun, next); err != nil {
		log.Warn("释放智能体失败", slog.Any("error", err))
	}
}

// recordFailure 在周期没有产出任何审计记录时补写一条 system 事件。
func (s *Scheduler) recordFailure(ctx context.Context, cfg agent.Config, failure error) {
	message := agent.NormalizeFailure(failure)
	event := agent.TimelineEvent{
		ID:        uuid.NewString(),
		AgentID:   cfg.ID,
		Type:      agent.EventSystem,
		Outcome:   agent.OutcomeFailure,
		Summary:   message,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("写入时间线失败", slog.String("agent_id", cfg.ID), slog.Any("error", err))
	}
	if s.alerter == nil {
		return
	}
	alert := alerting.Event{
		Code:       xerrors.CodeOf(failure),
		Message:    message,
		Severity:   xerrors.SeverityOf(failure),
		AgentID:    cfg.ID,
		OccurredAt: s.now().UTC(),
	}
	if err := s.alerter.Notify(ctx, alert); err != nil {
		s.logger.Error("告警通知失败", slog.String("agent_id", cfg.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) frequency(cfg agent.Config) time.Duration {
	if cfg.Frequency > 0 {
		return cfg.Frequency
	}
	return s.cfg.Tick
}

// cronLogger 把 cron 的日志接入 slog。
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
