package portfolio

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/feeds"
	"ChainPilot/internal/ledger"
	"ChainPilot/internal/registry"
)

const wallet = "0x1111111111111111111111111111111111111111"

const tokensYAML = `
router: "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"
funding_stables: [USDC]
tokens:
  - symbol: USDC
    address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    decimals: 6
    stable: true
  - symbol: WETH
    address: "0x4200000000000000000000000000000000000006"
    decimals: 18
`

type stubPrices struct {
	prices map[string]feeds.Price
	err    error
}

func (s stubPrices) Prices(context.Context, []string) (map[string]feeds.Price, error) {
	return s.prices, s.err
}

type stubChain struct{ balances map[common.Address]*big.Int }

func (s stubChain) BalanceOf(_ context.Context, token, _ common.Address) (*big.Int, error) {
	if b, ok := s.balances[token]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (s stubChain) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func seed(t *testing.T) (*ledger.MemoryStore, *registry.Registry) {
	t.Helper()
	reg, err := registry.Parse([]byte(tokensYAML))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	_ = store.UpsertPosition(ctx, agent.Position{WalletAddress: wallet, Asset: "WETH", Kind: agent.PositionToken,
		Balance: decimal.NewFromInt(2), CostBasisUSD: decimal.NewFromInt(5000)})
	_ = store.UpsertPosition(ctx, agent.Position{WalletAddress: wallet, Asset: "0x9999999999999999999999999999999999999999",
		Kind: agent.PositionVault, Balance: decimal.NewFromInt(300), CostBasisUSD: decimal.NewFromInt(300)})
	_ = store.UpsertPosition(ctx, agent.Position{WalletAddress: wallet, Asset: "AERO", Kind: agent.PositionToken,
		Balance: decimal.Zero, CostBasisUSD: decimal.Zero})
	return store, reg
}

func TestSnapshotValuesPositionsAndStables(t *testing.T) {
	store, reg := seed(t)
	usdc, _ := reg.Lookup("USDC")
	chain := stubChain{balances: map[common.Address]*big.Int{usdc.Address: big.NewInt(150_000_000)}}
	prices := stubPrices{prices: map[string]feeds.Price{"WETH": {Symbol: "WETH", USD: 3000}}}

	snap, err := NewReader(store, prices, chain, reg).Snapshot(context.Background(), agent.Config{ID: "a"},
		agent.WalletContext{WalletID: "w", Address: wallet})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// 2 WETH * 3000 + 300 vault principal + 150 USDC
	if snap.ValueUSD != 6450 {
		t.Fatalf("expected 6450, got %v", snap.ValueUSD)
	}
	if snap.ValueOf("weth") != 6000 || snap.VaultCount() != 1 {
		t.Fatalf("unexpected holdings %+v", snap.Holdings)
	}
	if _, ok := snap.Holding("AERO"); ok {
		t.Fatalf("closed positions should be skipped")
	}
}

func TestSnapshotFallsBackToCostBasis(t *testing.T) {
	store, reg := seed(t)
	snap, err := NewReader(store, stubPrices{err: errors.New("feed down")}, stubChain{}, reg).
		Snapshot(context.Background(), agent.Config{}, agent.WalletContext{Address: wallet})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ValueUSD != 5300 {
		t.Fatalf("expected cost-basis valuation 5300, got %v", snap.ValueUSD)
	}
}

func TestSnapshotEmptyWallet(t *testing.T) {
	reg, _ := registry.Parse([]byte(tokensYAML))
	snap, err := NewReader(ledger.NewMemoryStore(), nil, stubChain{}, reg).
		Snapshot(context.Background(), agent.Config{}, agent.WalletContext{Address: wallet})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ValueUSD != 0 {
		t.Fatalf("expected empty portfolio, got %v", snap.ValueUSD)
	}
}
