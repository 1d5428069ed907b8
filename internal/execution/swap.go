package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/registry"
	"ChainPilot/internal/routing"
	"ChainPilot/internal/web3"
)

const bpsDenominator = 10_000

// buy 按优先级选择余额充足的资金稳定币，兑换为目标代币。
func (e *Engine) buy(ctx context.Context, r *run, signal agent.Signal) (decimal.Decimal, error) {
	target, err := e.resolveToken(signal.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	amountUSD := decimal.NewFromFloat(signal.AmountUSD)
	if !amountUSD.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "买入金额必须为正数")
	}

	funding, amountIn, err := e.pickFunding(ctx, r, amountUSD, target.Address)
	if err != nil {
		return decimal.Zero, err
	}

	received, err := e.swap(ctx, r, funding.Address, target.Address, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	realized := target.FromUnits(received)
	e.recordEntry(ctx, r, agent.HoldingKey(target.Symbol), agent.PositionToken, realized, amountUSD, 0)
	return realized, nil
}

// pickFunding 扫描资金稳定币，返回第一个余额覆盖 amountUSD 的币种及对应的链上数量。
func (e *Engine) pickFunding(ctx context.Context, r *run, amountUSD decimal.Decimal, exclude common.Address) (registry.Token, *big.Int, error) {
	for _, stable := range e.tokens.FundingStables() {
		if stable.Address == exclude {
			continue
		}
		need := stable.ToUnits(amountUSD)
		if need.Sign() <= 0 {
			continue
		}
		balance, err := e.chain.BalanceOf(ctx, stable.Address, r.wallet.Address)
		if err != nil {
			return registry.Token{}, nil, err
		}
		if balance.Cmp(need) >= 0 {
			return stable, need, nil
		}
	}
	return registry.Token{}, nil, xerrors.New(xerrors.CodeInsufficientFunds,
		fmt.Sprintf("没有资金稳定币余额覆盖 %s USD", amountUSD.StringFixed(2)))
}

// sell 卖出代币换回首选资金稳定币。
func (e *Engine) sell(ctx context.Context, r *run, signal agent.Signal) (decimal.Decimal, error) {
	token, err := e.resolveToken(signal.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	stables := e.tokens.FundingStables()
	out := stables[0]
	if out.Address == token.Address {
		if len(stables) < 2 {
			return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "无法把资金稳定币卖成自身")
		}
		out = stables[1]
	}

	balance, err := e.chain.BalanceOf(ctx, token.Address, r.wallet.Address)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.Sign() <= 0 {
		return decimal.Zero, xerrors.New(xerrors.CodeInsufficientFunds, fmt.Sprintf("%s 余额为 0", token.Symbol))
	}

	amount := balance
	if signal.AmountUSD > 0 && signal.PriceUSD > 0 {
		requested := token.ToUnits(decimal.NewFromFloat(signal.AmountUSD).Div(decimal.NewFromFloat(signal.PriceUSD)))
		amount, err = e.clampSell(token, requested, balance)
		if err != nil {
			return decimal.Zero, err
		}
	}

	if _, err := e.swap(ctx, r, token.Address, out.Address, amount); err != nil {
		return decimal.Zero, err
	}
	sold := token.FromUnits(amount)
	e.recordExit(ctx, r, agent.HoldingKey(token.Symbol), sold, amount.Cmp(balance) == 0)
	return sold, nil
}

// clampSell 当请求数量超过余额且缺口在容差内时收敛为余额，否则报余额不足。
func (e *Engine) clampSell(token registry.Token, requested, balance *big.Int) (*big.Int, error) {
	if requested.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "卖出数量必须为正数")
	}
	if requested.Cmp(balance) <= 0 {
		return requested, nil
	}
	shortfall := decimal.NewFromBigInt(new(big.Int).Sub(requested, balance), 0)
	allowed := decimal.NewFromBigInt(balance, 0).Mul(e.cfg.SellClampTolerance)
	if shortfall.LessThanOrEqual(allowed) {
		e.logger.Info("卖出数量收敛到链上余额",
			slog.String("token", token.Symbol),
			slog.String("requested", requested.String()),
			slog.String("balance", balance.String()),
		)
		return new(big.Int).Set(balance), nil
	}
	return nil, xerrors.New(xerrors.CodeInsufficientFunds, fmt.Sprintf("%s 余额 %s 不足以卖出 %s",
		token.Symbol, token.FromUnits(balance).String(), token.FromUnits(requested).String()))
}

// swap 逐跳执行报价路由，返回输出代币实际到账数量。
// 每跳之前读取输出代币余额，跳后差额作为下一跳的输入。
func (e *Engine) swap(ctx context.Context, r *run, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	quote, err := e.quoter.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "获取报价失败")
	}
	if err := quote.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "报价路由无效")
	}

	router := e.tokens.Router()
	last := len(quote.Hops) - 1
	input := amountIn
	for i, hop := range quote.Hops {
		if err := e.ensureApproval(ctx, r, hop.TokenIn, router, input); err != nil {
			return nil, err
		}

		minOut := big.NewInt(1)
		if i == last {
			minOut = e.finalMinOut(quote, i, input)
		}

		before, err := e.chain.BalanceOf(ctx, hop.TokenOut, r.wallet.Address)
		if err != nil {
			return nil, err
		}
		deadline := e.now().Add(e.cfg.SwapDeadline).Unix()
		call, err := web3.SwapCall(router, input, minOut, []common.Address{hop.TokenIn, hop.TokenOut}, r.wallet.Address, deadline)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码兑换调用失败")
		}
		if _, err := e.submit(ctx, r, call); err != nil {
			return nil, err
		}
		after, err := e.chain.BalanceOf(ctx, hop.TokenOut, r.wallet.Address)
		if err != nil {
			return nil, err
		}
		delta := new(big.Int).Sub(after, before)
		if delta.Sign() <= 0 {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, errNoOutput, fmt.Sprintf("第 %d 跳兑换无输出", i+1))
		}
		input = delta
	}
	return input, nil
}

// finalMinOut 按实际输入与报价输入的比例缩放报价输出，再扣除滑点。
func (e *Engine) finalMinOut(quote routing.Quote, index int, actualIn *big.Int) *big.Int {
	expected := new(big.Int).Set(quote.AmountOut)
	quotedIn := quotedInput(quote, index)
	if quotedIn != nil && quotedIn.Sign() > 0 && actualIn.Cmp(quotedIn) != 0 {
		expected.Mul(expected, actualIn)
		expected.Quo(expected, quotedIn)
	}
	expected.Mul(expected, big.NewInt(bpsDenominator-e.cfg.SlippageBps))
	expected.Quo(expected, big.NewInt(bpsDenominator))
	if expected.Sign() <= 0 {
		return big.NewInt(1)
	}
	return expected
}

func quotedInput(quote routing.Quote, index int) *big.Int {
	hop := quote.Hops[index]
	if hop.AmountIn != nil {
		return hop.AmountIn
	}
	if index > 0 {
		return quote.Hops[index-1].AmountOut
	}
	return quote.AmountIn
}

// ensureApproval 确保 spender 的授权额度覆盖 amount。缓存有效时跳过 allowance 读取；
// 额度不足时授权最大值并写入缓存。
func (e *Engine) ensureApproval(ctx context.Context, r *run, token, spender common.Address, amount *big.Int) error {
	key := cache.ApprovalKey{Token: token, Wallet: r.wallet.Address, Spender: spender}
	if e.approvals != nil && e.approvals.Valid(ctx, key) {
		return nil
	}
	allowance, err := e.chain.Allowance(ctx, token, r.wallet.Address, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		call, err := web3.ApproveCall(token, spender, web3.MaxUint256)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码授权调用失败")
		}
		if _, err := e.submit(ctx, r, call); err != nil {
			return err
		}
	}
	if e.approvals != nil {
		if err := e.approvals.Remember(ctx, key); err != nil {
			e.logger.Warn("写入授权缓存失败", slog.Any("error", err))
		}
	}
	return nil
}
