package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"

	"ChainPilot/internal/observability/metrics"
)

const defaultTimeout = 15 * time.Second

// HTTPConfig 描述报价服务的连接参数。
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPQuoter 调用 `GET {base}/quote` 获取报价。
type HTTPQuoter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPQuoter 创建报价客户端。
func NewHTTPQuoter(cfg HTTPConfig) (*HTTPQuoter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置报价服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPQuoter{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Quote 请求报价服务。响应格式：
//
//	{"amountOut":"...","route":[{"tokenIn":"0x..","tokenOut":"0x..","amountIn":"..","amountOut":".."}]}
//
// route 缺省时视为单跳直连。
func (c *HTTPQuoter) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, errors.New("报价输入数量必须为正数")
	}
	params := url.Values{}
	params.Set("tokenIn", tokenIn.Hex())
	params.Set("tokenOut", tokenOut.Hex())
	params.Set("amountIn", amountIn.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("构建报价请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream("routing", "error", time.Since(started))
		return Quote{}, fmt.Errorf("请求报价服务失败: %w", err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("routing", fmt.Sprintf("%d", resp.StatusCode), time.Since(started))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("读取报价响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("报价服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return Quote{}, errors.New("报价响应不是合法 JSON")
	}
	return parseQuote(body, tokenIn, tokenOut, amountIn)
}

func parseQuote(body []byte, tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error) {
	root := gjson.ParseBytes(body)
	amountOut, ok := parseAmount(root.Get("amountOut"))
	if !ok {
		return Quote{}, fmt.Errorf("报价响应缺少有效的 amountOut")
	}
	quote := Quote{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: amountOut,
	}

	route := root.Get("route").Array()
	if len(route) == 0 {
		quote.Hops = []Hop{{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: quote.AmountIn, AmountOut: amountOut}}
		return quote, quote.Validate()
	}
	for i, leg := range route {
		in, out := leg.Get("tokenIn").String(), leg.Get("tokenOut").String()
		if !common.IsHexAddress(in) || !common.IsHexAddress(out) {
			return Quote{}, fmt.Errorf("路由第 %d 段地址无效", i)
		}
		hop := Hop{TokenIn: common.HexToAddress(in), TokenOut: common.HexToAddress(out)}
		hop.AmountIn, _ = parseAmount(leg.Get("amountIn"))
		if hop.AmountOut, ok = parseAmount(leg.Get("amountOut")); !ok {
			return Quote{}, fmt.Errorf("路由第 %d 段缺少 amountOut", i)
		}
		quote.Hops = append(quote.Hops, hop)
	}
	if quote.Hops[0].AmountIn == nil {
		quote.Hops[0].AmountIn = quote.AmountIn
	}
	return quote, quote.Validate()
}

func parseAmount(value gjson.Result) (*big.Int, bool) {
	if !value.Exists() {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value.String()), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

var _ Quoter = (*HTTPQuoter)(nil)
