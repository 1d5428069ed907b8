// Package portfolio values an agent wallet at the start of a cycle. Token
// positions from the ledger are priced with the price feed, vault positions
// are carried at their deposited principal and funding stables are read from
// the chain at face value.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/feeds"
	"ChainPilot/internal/registry"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// Reader 实现 agent.PortfolioReader。
type Reader struct {
	positions agent.PositionStore
	prices    feeds.PriceSource
	chain     web3.Reader
	tokens    *registry.Registry
	logger    *slog.Logger
}

// NewReader 创建组合估值器，prices 或 chain 为 nil 时跳过对应部分。
func NewReader(positions agent.PositionStore, prices feeds.PriceSource, chain web3.Reader, tokens *registry.Registry) *Reader {
	return &Reader{
		positions: positions,
		prices:    prices,
		chain:     chain,
		tokens:    tokens,
		logger:    logger.Named("portfolio"),
	}
}

// Snapshot 计算钱包的组合估值。价格缺失的代币头寸按成本估值。
func (r *Reader) Snapshot(ctx context.Context, cfg agent.Config, wallet agent.WalletContext) (agent.PortfolioSnapshot, error) {
	snapshot := agent.PortfolioSnapshot{Holdings: make(map[string]agent.Holding)}

	positions, err := r.positions.ListPositions(ctx, wallet.Address)
	if err != nil {
		return agent.PortfolioSnapshot{}, fmt.Errorf("读取头寸失败: %w", err)
	}

	stables := make(map[string]registry.Token)
	if r.tokens != nil {
		for _, t := range r.tokens.FundingStables() {
			stables[t.Symbol] = t
		}
	}

	symbols := make([]string, 0, len(positions))
	for _, pos := range positions {
		if pos.Open() && pos.Kind == agent.PositionToken {
			if _, isStable := stables[pos.Asset]; !isStable {
				symbols = append(symbols, pos.Asset)
			}
		}
	}
	prices := r.loadPrices(ctx, cfg, symbols)

	for _, pos := range positions {
		if !pos.Open() {
			continue
		}
		if _, isStable := stables[pos.Asset]; isStable && r.chain != nil {
			continue
		}
		value := pos.CostBasisUSD
		if pos.Kind == agent.PositionToken {
			if p, ok := prices[pos.Asset]; ok {
				value = pos.Balance.Mul(decimal.NewFromFloat(p.USD))
			}
		}
		r.add(&snapshot, agent.Holding{Position: pos, ValueUSD: value.InexactFloat64()})
	}

	if r.chain != nil && r.tokens != nil && common.IsHexAddress(wallet.Address) {
		owner := common.HexToAddress(wallet.Address)
		for _, stable := range r.tokens.FundingStables() {
			units, err := r.chain.BalanceOf(ctx, stable.Address, owner)
			if err != nil {
				return agent.PortfolioSnapshot{}, fmt.Errorf("读取 %s 余额失败: %w", stable.Symbol, err)
			}
			balance := stable.FromUnits(units)
			if !balance.IsPositive() {
				continue
			}
			r.add(&snapshot, agent.Holding{
				Position: agent.Position{
					WalletAddress: wallet.Address,
					Asset:         stable.Symbol,
					Kind:          agent.PositionToken,
					Balance:       balance,
					CostBasisUSD:  balance,
				},
				ValueUSD: balance.InexactFloat64(),
			})
		}
	}
	return snapshot, nil
}

func (r *Reader) add(snapshot *agent.PortfolioSnapshot, h agent.Holding) {
	key := agent.HoldingKey(h.Asset)
	snapshot.Holdings[key] = h
	snapshot.ValueUSD += h.ValueUSD
}

func (r *Reader) loadPrices(ctx context.Context, cfg agent.Config, symbols []string) map[string]feeds.Price {
	if r.prices == nil || len(symbols) == 0 {
		return nil
	}
	prices, err := r.prices.Prices(ctx, symbols)
	if err != nil {
		r.logger.Warn("价格获取失败，按成本估值",
			slog.String("agent_id", cfg.ID),
			slog.Any("error", err),
		)
		return nil
	}
	return prices
}

var _ agent.PortfolioReader = (*Reader)(nil)
