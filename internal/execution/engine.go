package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/registry"
	"ChainPilot/internal/routing"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

const (
	defaultSlippageBps       = 50
	defaultHysteresisRetries = 3
	defaultHysteresisDelay   = 10 * time.Second
	defaultSwapDeadline      = 20 * time.Minute
)

var defaultClampTolerance = decimal.RequireFromString("0.0001")

// Config 控制滑点、卖出容差与金库重试。
type Config struct {
	SlippageBps int64
	// SellClampTolerance 是相对余额的比例，缺口不超过它时卖出数量收敛到余额。
	SellClampTolerance decimal.Decimal
	HysteresisRetries  int
	HysteresisDelay    time.Duration
	SwapDeadline       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlippageBps <= 0 {
		c.SlippageBps = defaultSlippageBps
	}
	if !c.SellClampTolerance.IsPositive() {
		c.SellClampTolerance = defaultClampTolerance
	}
	if c.HysteresisRetries < 0 {
		c.HysteresisRetries = 0
	} else if c.HysteresisRetries == 0 {
		c.HysteresisRetries = defaultHysteresisRetries
	}
	if c.HysteresisDelay <= 0 {
		c.HysteresisDelay = defaultHysteresisDelay
	}
	if c.SwapDeadline <= 0 {
		c.SwapDeadline = defaultSwapDeadline
	}
	return c
}

// Option 调整 Engine 的可选依赖。
type Option func(*Engine)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep 替换重试等待函数，测试中用于跳过真实等待。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine 执行单个信号。Engine 本身无状态，可被多个周期并发使用。
type Engine struct {
	chain     web3.Chain
	tokens    *registry.Registry
	quoter    routing.Quoter
	approvals cache.ApprovalCache
	positions agent.PositionStore
	cfg       Config

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewEngine 组装执行引擎。
func NewEngine(chain web3.Chain, tokens *registry.Registry, quoter routing.Quoter, approvals cache.ApprovalCache, positions agent.PositionStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		chain:     chain,
		tokens:    tokens,
		quoter:    quoter,
		approvals: approvals,
		positions: positions,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// run 记录一次执行过程中产生的交易。
type run struct {
	wallet web3.Wallet
	hashes []string
}

func (r *run) record(hash common.Hash) {
	r.hashes = append(r.hashes, hash.Hex())
}

// Execute 执行信号并返回结果，错误不会以 error 形式抛出。
func (e *Engine) Execute(ctx context.Context, signal agent.Signal, wallet agent.WalletContext, cfg agent.Config) agent.ExecutionResult {
	if !common.IsHexAddress(wallet.Address) {
		return failure(nil, xerrors.New(xerrors.CodeNoWallet, fmt.Sprintf("钱包地址无效: %q", wallet.Address)))
	}
	r := &run{wallet: web3.Wallet{ID: wallet.WalletID, Address: common.HexToAddress(wallet.Address)}}

	var (
		realized decimal.Decimal
		err      error
	)
	switch signal.Action {
	case agent.ActionBuy:
		realized, err = e.buy(ctx, r, signal)
	case agent.ActionSell:
		realized, err = e.sell(ctx, r, signal)
	case agent.ActionDeposit:
		realized, err = e.deposit(ctx, r, signal)
	case agent.ActionWithdraw:
		realized, err = e.withdraw(ctx, r, signal)
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不可执行的操作: %q", signal.Action))
	}
	if err != nil {
		e.logger.Warn("信号执行失败",
			slog.String("agent_id", cfg.ID),
			slog.String("action", string(signal.Action)),
			slog.String("target", signal.Target()),
			slog.String("code", string(Classify(err))),
			slog.Any("error", err),
		)
		return failure(r.hashes, err)
	}

	result := agent.ExecutionResult{Success: true, TxHashes: r.hashes, RealizedAmount: realized}
	if len(r.hashes) > 0 {
		result.TxHash = r.hashes[len(r.hashes)-1]
	}
	return result
}

func failure(hashes []string, err error) agent.ExecutionResult {
	return agent.ExecutionResult{
		Success:   false,
		TxHashes:  hashes,
		Error:     err.Error(),
		ErrorCode: Classify(err),
	}
}

// submit 提交调用并等待回执，回执失败视为终止性错误。
func (e *Engine) submit(ctx context.Context, r *run, call web3.Call) (web3.Receipt, error) {
	hash, err := e.chain.Submit(ctx, r.wallet, call)
	if err != nil {
		observeSubmission(call.Kind, "error")
		return web3.Receipt{}, err
	}
	r.record(hash)
	receipt, err := e.chain.WaitReceipt(ctx, hash)
	if err != nil {
		observeSubmission(call.Kind, "error")
		return web3.Receipt{}, err
	}
	if receipt.Reverted() {
		observeSubmission(call.Kind, "reverted")
		return receipt, xerrors.New(xerrors.CodeReverted, fmt.Sprintf("%s 交易 %s 已回滚", call.Kind, hash.Hex()),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	observeSubmission(call.Kind, "confirmed")
	return receipt, nil
}

func (e *Engine) resolveToken(symbol string) (registry.Token, error) {
	token, ok := e.tokens.Lookup(symbol)
	if !ok {
		return registry.Token{}, xerrors.New(xerrors.CodeUnsupportedAsset, fmt.Sprintf("代币 %q 不在注册表中", symbol))
	}
	return token, nil
}

func parseVault(signal agent.Signal) (common.Address, error) {
	if signal.Vault == nil || !common.IsHexAddress(strings.TrimSpace(signal.Vault.Address)) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "金库信号缺少有效的金库地址")
	}
	return common.HexToAddress(strings.TrimSpace(signal.Vault.Address)), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var errNoOutput = errors.New("兑换后余额没有增加")
