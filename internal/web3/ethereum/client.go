package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	Notes          string
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Client implements web3.Chain for EVM compatible chains. Reads go straight
// to the node; writes are delegated to the configured signer.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	signer         web3.Signer
	receiptPoll    time.Duration
	receiptTimeout time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config, signer web3.Signer) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	c := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		eth:            ethclient.NewClient(rpcClient),
		signer:         signer,
		receiptPoll:    cfg.ReceiptPoll,
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = 2 * time.Second
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 3 * time.Minute
	}
	return c, nil
}

// Name returns the chain name from the definitions file.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ChainID returns the configured chain id, querying the node once if unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// BalanceOf reads an ERC-20 (or ERC-4626 share) balance.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := web3.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return web3.UnpackUint256("balanceOf", out)
}

// Allowance reads an ERC-20 allowance.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := web3.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	return web3.UnpackUint256("allowance", out)
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	started := time.Now()
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveUpstream("rpc", status, time.Since(started))
	return out, err
}

// Submit hands the call to the signer, which signs and broadcasts it.
func (c *Client) Submit(ctx context.Context, wallet web3.Wallet, call web3.Call) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("未配置签名服务")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return c.signer.SendTransaction(ctx, wallet, call, chainID)
}

// WaitReceipt polls for the receipt until it is mined or the timeout expires.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	if c == nil || c.eth == nil {
		return web3.Receipt{}, errors.New("未初始化的以太坊客户端")
	}
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			out := web3.Receipt{TxHash: hash, Status: receipt.Status, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return web3.Receipt{}, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return web3.Receipt{}, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Chain = (*Client)(nil)
