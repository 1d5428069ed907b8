package execution

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/ledger"
	"ChainPilot/internal/routing"
	"ChainPilot/internal/web3"
)

type harness struct {
	chain     *fakeChain
	quoter    *fakeQuoter
	approvals *cache.MemoryApprovalCache
	store     *ledger.MemoryStore
	engine    *Engine
	now       time.Time
	sleeps    []time.Duration
	tokens    map[string]common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := mustRegistry()
	h := &harness{
		chain:  newFakeChain(),
		quoter: newFakeQuoter(),
		store:  ledger.NewMemoryStore(),
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		tokens: make(map[string]common.Address),
	}
	for _, tok := range reg.Tokens() {
		h.tokens[tok.Symbol] = tok.Address
	}
	clock := func() time.Time { return h.now }
	h.approvals = cache.NewMemoryApprovalCache(time.Hour, cache.WithClock(clock))
	h.engine = NewEngine(h.chain, reg, h.quoter, h.approvals, h.store, Config{},
		WithClock(clock),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	return h
}

func (h *harness) router() common.Address {
	return mustRegistry().Router()
}

func (h *harness) execute(signal agent.Signal) agent.ExecutionResult {
	return h.engine.Execute(context.Background(), signal,
		agent.WalletContext{WalletID: "w-1", Address: walletAddr.Hex()},
		agent.Config{ID: "agent-1"})
}

func TestBuyTwoHopSwapFundsSecondHopFromIntermediateDelta(t *testing.T) {
	h := newHarness(t)
	usdc, weth, aero := h.tokens["USDC"], h.tokens["WETH"], h.tokens["AERO"]
	h.chain.setBalance(usdc, walletAddr, units(1000, 6))
	h.chain.approveAll(usdc, h.router())
	h.chain.approveAll(weth, h.router())

	quotedMid := new(big.Int).Div(units(3, 18), big.NewInt(100)) // 0.03 WETH
	actualMid := new(big.Int).Div(units(31, 18), big.NewInt(1000))
	h.quoter.routes[pairKey(usdc, aero)] = func(amountIn *big.Int) routing.Quote {
		return routing.Quote{
			TokenIn: usdc, TokenOut: aero, AmountIn: amountIn, AmountOut: units(150, 18),
			Hops: []routing.Hop{
				{TokenIn: usdc, TokenOut: weth, AmountIn: amountIn, AmountOut: quotedMid},
				{TokenIn: weth, TokenOut: aero, AmountOut: units(150, 18)},
			},
		}
	}
	h.chain.swapOutput = func(in, out common.Address, amountIn *big.Int) *big.Int {
		if out == weth {
			return actualMid
		}
		return units(156, 18)
	}

	result := h.execute(agent.Signal{Asset: "aero", Action: agent.ActionBuy, AmountUSD: 100})
	if !result.Success {
		t.Fatalf("expected success, got %s (%s)", result.Error, result.ErrorCode)
	}

	kinds := h.chain.kinds()
	if len(kinds) != 2 || kinds[0] != web3.CallSwap || kinds[1] != web3.CallSwap {
		t.Fatalf("expected exactly 2 swap submissions, got %v", kinds)
	}
	if len(result.TxHashes) != 2 || result.TxHash != result.TxHashes[1] {
		t.Fatalf("unexpected hashes: %+v", result)
	}
	if h.chain.balanceReads[weth] < 2 {
		t.Fatalf("expected intermediate balance reads, got %d", h.chain.balanceReads[weth])
	}

	first, second := h.chain.swaps[0], h.chain.swaps[1]
	if first.amountIn.Cmp(units(100, 6)) != 0 {
		t.Fatalf("first hop should spend 100 USDC, got %s", first.amountIn)
	}
	if first.minOut.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("intermediate hop minOut should be 1, got %s", first.minOut)
	}
	if second.amountIn.Cmp(actualMid) != 0 {
		t.Fatalf("second hop should be funded by the delta %s, got %s", actualMid, second.amountIn)
	}
	// 150 * (0.031 / 0.03) * 0.995 = 154.225
	wantMin := decimal.RequireFromString("154.225").Shift(18).BigInt()
	if second.minOut.Cmp(wantMin) != 0 {
		t.Fatalf("final minOut = %s, want %s", second.minOut, wantMin)
	}
	if !result.RealizedAmount.Equal(decimal.NewFromInt(156)) {
		t.Fatalf("unexpected realized amount %s", result.RealizedAmount)
	}

	pos, err := h.store.GetPosition(context.Background(), walletAddr.Hex(), "AERO")
	if err != nil {
		t.Fatalf("position not recorded: %v", err)
	}
	if !pos.Balance.Equal(decimal.NewFromInt(156)) || !pos.CostBasisUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestApprovalCacheSkipsAllowanceReadUntilExpiry(t *testing.T) {
	h := newHarness(t)
	usdc := h.tokens["USDC"]
	h.chain.setBalance(usdc, walletAddr, units(1000, 6))
	signal := agent.Signal{Asset: "WETH", Action: agent.ActionBuy, AmountUSD: 10}

	if res := h.execute(signal); !res.Success {
		t.Fatalf("first buy failed: %s", res.Error)
	}
	if kinds := h.chain.kinds(); len(kinds) != 2 || kinds[0] != web3.CallApprove {
		t.Fatalf("first buy should approve then swap, got %v", kinds)
	}
	if h.chain.allowanceReads != 1 {
		t.Fatalf("expected 1 allowance read, got %d", h.chain.allowanceReads)
	}

	if res := h.execute(signal); !res.Success {
		t.Fatalf("second buy failed: %s", res.Error)
	}
	if h.chain.allowanceReads != 1 {
		t.Fatalf("cached approval should skip allowance read, got %d reads", h.chain.allowanceReads)
	}
	if kinds := h.chain.kinds(); len(kinds) != 3 {
		t.Fatalf("second buy should only swap, got %v", kinds)
	}

	h.now = h.now.Add(time.Hour)
	if res := h.execute(signal); !res.Success {
		t.Fatalf("third buy failed: %s", res.Error)
	}
	if h.chain.allowanceReads != 2 {
		t.Fatalf("expired cache entry should re-read allowance, got %d", h.chain.allowanceReads)
	}
	if kinds := h.chain.kinds(); len(kinds) != 4 || kinds[3] != web3.CallSwap {
		t.Fatalf("sufficient allowance should not re-approve, got %v", kinds)
	}
}

func TestBuyScansFundingStablesInPriorityOrder(t *testing.T) {
	h := newHarness(t)
	usdc, dai := h.tokens["USDC"], h.tokens["DAI"]
	h.chain.setBalance(usdc, walletAddr, units(50, 6))
	h.chain.setBalance(dai, walletAddr, units(500, 18))
	h.chain.approveAll(dai, h.router())

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionBuy, AmountUSD: 100})
	if !res.Success {
		t.Fatalf("buy failed: %s", res.Error)
	}
	if path := h.chain.swaps[0].path; path[0] != dai {
		t.Fatalf("expected DAI funding, got %s", path[0].Hex())
	}
	if h.chain.swaps[0].amountIn.Cmp(units(100, 18)) != 0 {
		t.Fatalf("unexpected amountIn %s", h.chain.swaps[0].amountIn)
	}
}

func TestBuyWithoutFundingFailsWithInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.chain.setBalance(h.tokens["USDC"], walletAddr, units(5, 6))

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionBuy, AmountUSD: 100})
	if res.Success || res.ErrorCode != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %+v", res)
	}
	if len(h.chain.kinds()) != 0 {
		t.Fatalf("no transaction should be submitted")
	}
}

func TestBuyUnknownAsset(t *testing.T) {
	h := newHarness(t)
	res := h.execute(agent.Signal{Asset: "DOGE", Action: agent.ActionBuy, AmountUSD: 10})
	if res.ErrorCode != xerrors.CodeUnsupportedAsset {
		t.Fatalf("expected UNSUPPORTED_ASSET, got %s", res.ErrorCode)
	}
}

func TestSellClampsShortfallWithinTolerance(t *testing.T) {
	h := newHarness(t)
	weth := h.tokens["WETH"]
	h.chain.setBalance(weth, walletAddr, units(1, 18))
	h.chain.approveAll(weth, h.router())
	_ = h.store.UpsertPosition(context.Background(), agent.Position{
		WalletAddress: walletAddr.Hex(), Asset: "WETH", Kind: agent.PositionToken,
		Balance: decimal.NewFromInt(1), CostBasisUSD: decimal.NewFromInt(2500), EnteredAt: h.now,
	})

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionSell, AmountUSD: 3000.2, PriceUSD: 3000})
	if !res.Success {
		t.Fatalf("sell failed: %s", res.Error)
	}
	if h.chain.swaps[0].amountIn.Cmp(units(1, 18)) != 0 {
		t.Fatalf("sell should clamp to balance, got %s", h.chain.swaps[0].amountIn)
	}
	if h.chain.swaps[0].path[1] != h.tokens["USDC"] {
		t.Fatalf("sell proceeds should go to the first funding stable")
	}
	pos, err := h.store.GetPosition(context.Background(), walletAddr.Hex(), "WETH")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Balance.IsZero() || !pos.CostBasisUSD.IsZero() {
		t.Fatalf("full exit should zero the position, got %+v", pos)
	}
}

func TestSellBeyondToleranceFails(t *testing.T) {
	h := newHarness(t)
	h.chain.setBalance(h.tokens["WETH"], walletAddr, units(1, 18))

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionSell, AmountUSD: 3100, PriceUSD: 3000})
	if res.Success || res.ErrorCode != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %+v", res)
	}
}

func TestPartialSellReducesCostBasis(t *testing.T) {
	h := newHarness(t)
	weth := h.tokens["WETH"]
	h.chain.setBalance(weth, walletAddr, units(2, 18))
	h.chain.approveAll(weth, h.router())
	_ = h.store.UpsertPosition(context.Background(), agent.Position{
		WalletAddress: walletAddr.Hex(), Asset: "WETH", Kind: agent.PositionToken,
		Balance: decimal.NewFromInt(2), CostBasisUSD: decimal.NewFromInt(4000), EnteredAt: h.now,
	})

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionSell, AmountUSD: 3000, PriceUSD: 3000})
	if !res.Success {
		t.Fatalf("sell failed: %s", res.Error)
	}
	pos, _ := h.store.GetPosition(context.Background(), walletAddr.Hex(), "WETH")
	if !pos.Balance.Equal(decimal.NewFromInt(1)) || !pos.CostBasisUSD.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("unexpected position after partial sell: %+v", pos)
	}
}

func TestRevertedSwapIsTerminal(t *testing.T) {
	h := newHarness(t)
	usdc := h.tokens["USDC"]
	h.chain.setBalance(usdc, walletAddr, units(1000, 6))
	h.chain.approveAll(usdc, h.router())
	h.chain.swapOutput = func(_, _ common.Address, _ *big.Int) *big.Int { return big.NewInt(1) }

	res := h.execute(agent.Signal{Asset: "WETH", Action: agent.ActionBuy, AmountUSD: 100})
	if res.Success || res.ErrorCode != xerrors.CodeReverted {
		t.Fatalf("expected TX_REVERTED, got %+v", res)
	}
	if len(h.chain.kinds()) != 1 || res.TxHashes[0] == "" {
		t.Fatalf("reverted swap should be submitted once and reported, got %v", res.TxHashes)
	}
}

func TestDepositSwapsShortfallFromFundingStable(t *testing.T) {
	h := newHarness(t)
	usdc, dai := h.tokens["USDC"], h.tokens["DAI"]
	h.chain.vaultAsset[vaultAddr] = dai
	h.chain.setBalance(dai, walletAddr, units(40, 18))
	h.chain.setBalance(usdc, walletAddr, units(1000, 6))
	h.chain.approveAll(usdc, h.router())
	h.chain.approveAll(dai, vaultAddr)
	h.chain.swapOutput = func(in, _ common.Address, amountIn *big.Int) *big.Int {
		return new(big.Int).Mul(amountIn, big.NewInt(1_000_000_000_000))
	}

	res := h.execute(agent.Signal{
		Action:    agent.ActionDeposit,
		AmountUSD: 100,
		Vault:     &agent.VaultRef{Address: vaultAddr.Hex(), Name: "DAI Vault", DepositToken: "DAI", APR: 7.5},
	})
	if !res.Success {
		t.Fatalf("deposit failed: %s", res.Error)
	}
	kinds := h.chain.kinds()
	if len(kinds) != 2 || kinds[0] != web3.CallSwap || kinds[1] != web3.CallDeposit {
		t.Fatalf("expected swap then deposit, got %v", kinds)
	}
	if h.chain.swaps[0].amountIn.Cmp(units(60, 6)) != 0 {
		t.Fatalf("shortfall swap should spend 60 USDC, got %s", h.chain.swaps[0].amountIn)
	}
	if !res.RealizedAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 DAI deposited, got %s", res.RealizedAmount)
	}
	pos, err := h.store.GetPosition(context.Background(), walletAddr.Hex(), vaultAddr.Hex())
	if err != nil {
		t.Fatalf("vault position missing: %v", err)
	}
	if pos.Kind != agent.PositionVault || pos.EntryRate != 7.5 || !pos.EnteredAt.Equal(h.now) {
		t.Fatalf("unexpected vault position %+v", pos)
	}
}

func TestDepositNonStableTokenUsesSignalPrice(t *testing.T) {
	h := newHarness(t)
	usdc, weth := h.tokens["USDC"], h.tokens["WETH"]
	h.chain.vaultAsset[vaultAddr] = weth
	h.chain.setBalance(usdc, walletAddr, units(1000, 6))
	h.chain.approveAll(usdc, h.router())
	h.chain.approveAll(weth, vaultAddr)
	h.chain.swapOutput = func(_, _ common.Address, _ *big.Int) *big.Int {
		return new(big.Int).Div(units(5, 18), big.NewInt(100)) // 0.05 WETH
	}

	res := h.execute(agent.Signal{
		Action:    agent.ActionDeposit,
		Asset:     "WETH",
		AmountUSD: 100,
		PriceUSD:  2500,
		Vault:     &agent.VaultRef{Address: vaultAddr.Hex(), Name: "WETH Vault", DepositToken: "WETH", APR: 3.1},
	})
	if !res.Success {
		t.Fatalf("deposit failed: %s (%s)", res.Error, res.ErrorCode)
	}
	kinds := h.chain.kinds()
	if len(kinds) != 2 || kinds[0] != web3.CallSwap || kinds[1] != web3.CallDeposit {
		t.Fatalf("expected swap then deposit, got %v", kinds)
	}
	if path := h.chain.swaps[0].path; path[0] != usdc || path[len(path)-1] != weth {
		t.Fatalf("shortfall should be swapped from USDC into WETH, got %v", path)
	}
	// 100 / 2500 = 0.04 WETH
	if !res.RealizedAmount.Equal(decimal.RequireFromString("0.04")) {
		t.Fatalf("expected 0.04 WETH deposited, got %s", res.RealizedAmount)
	}
}

func TestDepositNonStableTokenWithoutPriceFails(t *testing.T) {
	h := newHarness(t)
	h.chain.vaultAsset[vaultAddr] = h.tokens["WETH"]

	res := h.execute(agent.Signal{
		Action:    agent.ActionDeposit,
		AmountUSD: 100,
		Vault:     &agent.VaultRef{Address: vaultAddr.Hex(), DepositToken: "WETH"},
	})
	if res.Success || res.ErrorCode != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %+v", res)
	}
	if len(h.chain.kinds()) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestDepositRetriesHysteresis(t *testing.T) {
	h := newHarness(t)
	dai := h.tokens["DAI"]
	h.chain.vaultAsset[vaultAddr] = dai
	h.chain.setBalance(dai, walletAddr, units(100, 18))
	h.chain.approveAll(dai, vaultAddr)
	hysteresis := errors.New("execution reverted: vault in hysteresis")
	h.chain.submitErrs[web3.CallDeposit] = []error{hysteresis, hysteresis}

	res := h.execute(agent.Signal{
		Action:    agent.ActionDeposit,
		AmountUSD: 50,
		Vault:     &agent.VaultRef{Address: vaultAddr.Hex(), DepositToken: "DAI"},
	})
	if !res.Success {
		t.Fatalf("deposit should succeed after retries: %s", res.Error)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != defaultHysteresisDelay {
		t.Fatalf("expected 2 waits of %s, got %v", defaultHysteresisDelay, h.sleeps)
	}
}

func TestDepositGivesUpAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	dai := h.tokens["DAI"]
	h.chain.vaultAsset[vaultAddr] = dai
	h.chain.setBalance(dai, walletAddr, units(100, 18))
	h.chain.approveAll(dai, vaultAddr)
	hysteresis := errors.New("vault hysteresis active")
	h.chain.submitErrs[web3.CallDeposit] = []error{hysteresis, hysteresis, hysteresis, hysteresis, nil}

	res := h.execute(agent.Signal{
		Action:    agent.ActionDeposit,
		AmountUSD: 50,
		Vault:     &agent.VaultRef{Address: vaultAddr.Hex(), DepositToken: "DAI"},
	})
	if res.Success {
		t.Fatalf("deposit should fail after exhausting retries")
	}
	if len(h.sleeps) != defaultHysteresisRetries {
		t.Fatalf("expected %d waits, got %d", defaultHysteresisRetries, len(h.sleeps))
	}
	if !strings.Contains(res.Error, "hysteresis") {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestWithdrawRedeemsRequestedPercentage(t *testing.T) {
	h := newHarness(t)
	dai := h.tokens["DAI"]
	h.chain.vaultAsset[vaultAddr] = dai
	h.chain.setBalance(vaultAddr, walletAddr, units(1000, 18))
	_ = h.store.UpsertPosition(context.Background(), agent.Position{
		WalletAddress: walletAddr.Hex(), Asset: vaultAddr.Hex(), Kind: agent.PositionVault,
		Balance: decimal.NewFromInt(1000), CostBasisUSD: decimal.NewFromInt(1000), EnteredAt: h.now,
	})

	res := h.execute(agent.Signal{
		Action:      agent.ActionWithdraw,
		WithdrawPct: 25,
		Vault:       &agent.VaultRef{Address: vaultAddr.Hex(), DepositToken: "DAI"},
	})
	if !res.Success {
		t.Fatalf("withdraw failed: %s", res.Error)
	}
	if !res.RealizedAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected 250 DAI withdrawn, got %s", res.RealizedAmount)
	}
	pos, _ := h.store.GetPosition(context.Background(), walletAddr.Hex(), vaultAddr.Hex())
	if !pos.Balance.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("expected 750 remaining, got %s", pos.Balance)
	}
}

func TestWithdrawLogsUnreadableRedeemBalance(t *testing.T) {
	h := newHarness(t)
	dai := h.tokens["DAI"]
	h.chain.vaultAsset[vaultAddr] = dai
	h.chain.setBalance(vaultAddr, walletAddr, units(100, 18))
	h.chain.balanceLimit[dai] = 1
	var logs bytes.Buffer
	h.engine = NewEngine(h.chain, mustRegistry(), h.quoter, h.approvals, h.store, Config{},
		WithClock(func() time.Time { return h.now }),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	res := h.execute(agent.Signal{
		Action: agent.ActionWithdraw,
		Vault:  &agent.VaultRef{Address: vaultAddr.Hex(), DepositToken: "DAI"},
	})
	if !res.Success {
		t.Fatalf("redeem already landed, expected success: %s", res.Error)
	}
	if !res.RealizedAmount.IsZero() {
		t.Fatalf("expected zero realized amount, got %s", res.RealizedAmount)
	}
	if !strings.Contains(logs.String(), "读取赎回后余额失败") || !strings.Contains(logs.String(), "balance read failed") {
		t.Fatalf("balance read failure was not logged:\n%s", logs.String())
	}
}

func TestWithdrawDefaultsToFullExit(t *testing.T) {
	h := newHarness(t)
	h.chain.vaultAsset[vaultAddr] = h.tokens["DAI"]
	h.chain.setBalance(vaultAddr, walletAddr, units(10, 18))
	_ = h.store.UpsertPosition(context.Background(), agent.Position{
		WalletAddress: walletAddr.Hex(), Asset: vaultAddr.Hex(), Kind: agent.PositionVault,
		Balance: decimal.NewFromInt(10), CostBasisUSD: decimal.NewFromInt(10), EntryRate: 5, EnteredAt: h.now,
	})

	res := h.execute(agent.Signal{Action: agent.ActionWithdraw, Vault: &agent.VaultRef{Address: vaultAddr.Hex()}})
	if !res.Success {
		t.Fatalf("withdraw failed: %s", res.Error)
	}
	pos, _ := h.store.GetPosition(context.Background(), walletAddr.Hex(), vaultAddr.Hex())
	if pos.Open() || !pos.CostBasisUSD.IsZero() {
		t.Fatalf("full withdrawal should zero the position, got %+v", pos)
	}
}

func TestWithdrawWithoutSharesFails(t *testing.T) {
	h := newHarness(t)
	res := h.execute(agent.Signal{Action: agent.ActionWithdraw, Vault: &agent.VaultRef{Address: vaultAddr.Hex()}})
	if res.ErrorCode != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %s", res.ErrorCode)
	}
}

func TestExecuteRejectsInvalidWallet(t *testing.T) {
	h := newHarness(t)
	res := h.engine.Execute(context.Background(), agent.Signal{Asset: "WETH", Action: agent.ActionBuy, AmountUSD: 1},
		agent.WalletContext{WalletID: "w", Address: "not-an-address"}, agent.Config{})
	if res.Success || res.ErrorCode != xerrors.CodeNoWallet {
		t.Fatalf("expected AGENT_NO_WALLET, got %+v", res)
	}
}
