package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/registry"
	"ChainPilot/internal/web3"
)

var hundred = decimal.NewFromInt(100)

// deposit 把存款代币存入金库，余额不足时先用资金稳定币补足。
func (e *Engine) deposit(ctx context.Context, r *run, signal agent.Signal) (decimal.Decimal, error) {
	vault, err := parseVault(signal)
	if err != nil {
		return decimal.Zero, err
	}
	if signal.Vault.DepositToken == "" {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "金库信号缺少存款代币")
	}
	token, err := e.resolveToken(signal.Vault.DepositToken)
	if err != nil {
		return decimal.Zero, err
	}
	amountUSD := decimal.NewFromFloat(signal.AmountUSD)
	if !amountUSD.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "存入金额必须为正数")
	}
	target, err := depositUnits(token, amountUSD, signal.PriceUSD)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := e.chain.BalanceOf(ctx, token.Address, r.wallet.Address)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.Cmp(target) < 0 {
		shortUSD := amountUSD.Mul(decimal.NewFromBigInt(new(big.Int).Sub(target, balance), 0)).
			Div(decimal.NewFromBigInt(target, 0))
		funding, amountIn, err := e.pickFunding(ctx, r, shortUSD.RoundUp(2), token.Address)
		if err != nil {
			return decimal.Zero, err
		}
		if _, err := e.swap(ctx, r, funding.Address, token.Address, amountIn); err != nil {
			return decimal.Zero, err
		}
		if balance, err = e.chain.BalanceOf(ctx, token.Address, r.wallet.Address); err != nil {
			return decimal.Zero, err
		}
	}

	amount := target
	if balance.Cmp(amount) < 0 {
		amount = balance
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, xerrors.New(xerrors.CodeInsufficientFunds, fmt.Sprintf("%s 余额为 0，无法存入金库", token.Symbol))
	}

	if err := e.ensureApproval(ctx, r, token.Address, vault, amount); err != nil {
		return decimal.Zero, err
	}
	call, err := web3.DepositCall(vault, amount, r.wallet.Address)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码存款调用失败")
	}
	if err := e.submitWithHysteresis(ctx, r, call); err != nil {
		return decimal.Zero, err
	}

	deposited := token.FromUnits(amount)
	costUSD := amountUSD.Mul(decimal.NewFromBigInt(amount, 0)).Div(decimal.NewFromBigInt(target, 0))
	e.recordEntry(ctx, r, agent.HoldingKey(signal.Vault.Address), agent.PositionVault, deposited, costUSD, signal.Vault.APR)
	return deposited, nil
}

// submitWithHysteresis 对 hysteresis 类错误按固定间隔重试，回执回滚不重试。
func (e *Engine) submitWithHysteresis(ctx context.Context, r *run, call web3.Call) error {
	var err error
	for attempt := 0; attempt <= e.cfg.HysteresisRetries; attempt++ {
		if attempt > 0 {
			e.logger.Info("金库处于 hysteresis 状态，稍后重试",
				slog.Int("attempt", attempt),
				slog.Duration("delay", e.cfg.HysteresisDelay),
			)
			if sleepErr := e.sleep(ctx, e.cfg.HysteresisDelay); sleepErr != nil {
				return sleepErr
			}
		}
		_, err = e.submit(ctx, r, call)
		if err == nil || xerrors.CodeOf(err) == xerrors.CodeReverted || !isHysteresis(err) {
			return err
		}
	}
	return err
}

// withdraw 按比例赎回金库份额，默认全部赎回。
func (e *Engine) withdraw(ctx context.Context, r *run, signal agent.Signal) (decimal.Decimal, error) {
	vault, err := parseVault(signal)
	if err != nil {
		return decimal.Zero, err
	}
	pct := decimal.NewFromFloat(signal.WithdrawPct)
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		pct = hundred
	}

	shares, err := e.chain.BalanceOf(ctx, vault, r.wallet.Address)
	if err != nil {
		return decimal.Zero, err
	}
	if shares.Sign() <= 0 {
		return decimal.Zero, xerrors.New(xerrors.CodeInsufficientFunds, "金库份额为 0")
	}
	redeem := shares
	if !pct.Equal(hundred) {
		redeem = decimal.NewFromBigInt(shares, 0).Mul(pct).Div(hundred).Truncate(0).BigInt()
		if redeem.Sign() <= 0 {
			return decimal.Zero, xerrors.New(xerrors.CodeInsufficientFunds, "赎回份额过小")
		}
	}

	fullExit := redeem.Cmp(shares) == 0
	token, haveToken := e.tokens.Lookup(signal.Vault.DepositToken)
	var before *big.Int
	if haveToken {
		if before, err = e.chain.BalanceOf(ctx, token.Address, r.wallet.Address); err != nil {
			return decimal.Zero, err
		}
	}

	call, err := web3.RedeemCall(vault, redeem, r.wallet.Address)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码赎回调用失败")
	}
	if _, err := e.submit(ctx, r, call); err != nil {
		return decimal.Zero, err
	}

	withdrawn := decimal.Zero
	if haveToken {
		after, err := e.chain.BalanceOf(ctx, token.Address, r.wallet.Address)
		if err != nil {
			// 赎回已上链，余额读取失败只影响到账数量的记录。
			e.logger.Warn("读取赎回后余额失败，到账数量记为 0",
				slog.String("vault", vault.Hex()),
				slog.String("token", token.Symbol),
				slog.Any("error", err),
			)
		} else {
			withdrawn = token.FromUnits(new(big.Int).Sub(after, before))
		}
	}
	e.recordVaultExit(ctx, r, agent.HoldingKey(signal.Vault.Address), pct, fullExit)
	return withdrawn, nil
}

// depositUnits 把美元金额换算为存款代币数量，稳定币按 1 美元计价。
func depositUnits(token registry.Token, amountUSD decimal.Decimal, priceUSD float64) (*big.Int, error) {
	amount := amountUSD
	if !token.Stable {
		if priceUSD <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 缺少价格，无法换算存入数量", token.Symbol))
		}
		amount = amountUSD.Div(decimal.NewFromFloat(priceUSD))
	}
	units := token.ToUnits(amount)
	if units.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存入数量过小")
	}
	return units, nil
}
