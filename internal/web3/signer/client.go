package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
)

const defaultTimeout = 30 * time.Second

// Config 描述外部签名服务的连接参数。
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用托管钱包的签名服务，私钥始终留在服务端。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 创建签名服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置签名服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type sendRequest struct {
	ChainID string `json:"chain_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	Kind    string `json:"kind"`
}

// SendTransaction 请求签名服务签名并广播交易，返回交易哈希。
func (c *Client) SendTransaction(ctx context.Context, wallet web3.Wallet, call web3.Call, chainID *big.Int) (common.Hash, error) {
	if strings.TrimSpace(wallet.ID) == "" {
		return common.Hash{}, errors.New("钱包 ID 不能为空")
	}
	value := "0"
	if call.Value != nil {
		value = call.Value.String()
	}
	chain := ""
	if chainID != nil {
		chain = chainID.String()
	}
	payload, err := json.Marshal(sendRequest{
		ChainID: chain,
		From:    wallet.Address.Hex(),
		To:      call.To.Hex(),
		Data:    hexutil.Encode(call.Data),
		Value:   value,
		Kind:    string(call.Kind),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("序列化签名请求失败: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/wallets/%s/transactions", c.baseURL, url.PathEscape(wallet.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return common.Hash{}, fmt.Errorf("构建签名请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream("signer", "error", time.Since(started))
		return common.Hash{}, fmt.Errorf("请求签名服务失败: %w", err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("signer", fmt.Sprintf("%d", resp.StatusCode), time.Since(started))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.Hash{}, fmt.Errorf("读取签名服务响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// 签名服务会透传节点错误，保留原文供上层分类。
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return common.Hash{}, fmt.Errorf("签名服务返回错误状态 %d: %s", resp.StatusCode, msg)
	}

	hash := gjson.GetBytes(body, "tx_hash").String()
	if hash == "" {
		hash = gjson.GetBytes(body, "hash").String()
	}
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return common.Hash{}, fmt.Errorf("签名服务返回了无效的交易哈希: %q", hash)
	}
	return common.HexToHash(hash), nil
}

var _ web3.Signer = (*Client)(nil)
