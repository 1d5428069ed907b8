// Package feeds fetches the market inputs a strategy analyses: news headlines,
// spot prices and yield vault listings. All three are plain JSON over HTTP.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ChainPilot/internal/observability/metrics"
)

const defaultTimeout = 15 * time.Second

// NewsItem 是一条新闻标题。
type NewsItem struct {
	Title       string
	Source      string
	URL         string
	Assets      []string
	Sentiment   float64
	PublishedAt time.Time
}

// Price 是某个代币的现价。
type Price struct {
	Symbol    string
	USD       float64
	Change24h float64
}

// Vault 是一个可存入的收益金库。
type Vault struct {
	Address      string
	Name         string
	Protocol     string
	DepositToken string
	APR          float64
	TVLUSD       float64
}

// NewsSource 提供新闻。
type NewsSource interface {
	News(ctx context.Context, assets []string, limit int) ([]NewsItem, error)
}

// PriceSource 提供价格，返回的键为大写符号。
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]Price, error)
}

// VaultSource 提供金库列表。
type VaultSource interface {
	Vaults(ctx context.Context) ([]Vault, error)
}

// Config 描述各数据源地址，未配置的数据源调用时报错。
type Config struct {
	NewsURL  string
	PriceURL string
	VaultURL string
	Timeout  time.Duration
}

// Client 实现三种数据源。
type Client struct {
	newsURL    string
	priceURL   string
	vaultURL   string
	httpClient *http.Client
}

// NewClient 创建数据源客户端。
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		newsURL:    strings.TrimSpace(cfg.NewsURL),
		priceURL:   strings.TrimSpace(cfg.PriceURL),
		vaultURL:   strings.TrimSpace(cfg.VaultURL),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// News 拉取与资产相关的新闻，响应可以是数组或 {"items": [...]}。
func (c *Client) News(ctx context.Context, assets []string, limit int) ([]NewsItem, error) {
	params := url.Values{}
	if len(assets) > 0 {
		params.Set("assets", strings.Join(assets, ","))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	body, err := c.get(ctx, "news", c.newsURL, params)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		root = root.Get("items")
	}
	items := make([]NewsItem, 0, len(root.Array()))
	for _, item := range root.Array() {
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			continue
		}
		news := NewsItem{
			Title:     title,
			Source:    item.Get("source").String(),
			URL:       item.Get("url").String(),
			Sentiment: item.Get("sentiment").Float(),
		}
		for _, a := range item.Get("assets").Array() {
			news.Assets = append(news.Assets, strings.ToUpper(a.String()))
		}
		if ts := item.Get("published_at").String(); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				news.PublishedAt = parsed
			}
		}
		items = append(items, news)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// Prices 拉取价格。支持 {"prices": {"WETH": {"usd": 1, "change_24h": 2}}} 与 {"WETH": 1} 两种形态。
func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]Price, error) {
	params := url.Values{}
	if len(symbols) > 0 {
		params.Set("symbols", strings.Join(symbols, ","))
	}
	body, err := c.get(ctx, "prices", c.priceURL, params)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if nested := root.Get("prices"); nested.IsObject() {
		root = nested
	}
	out := make(map[string]Price)
	root.ForEach(func(key, value gjson.Result) bool {
		symbol := strings.ToUpper(strings.TrimSpace(key.String()))
		price := Price{Symbol: symbol}
		if value.IsObject() {
			price.USD = value.Get("usd").Float()
			price.Change24h = value.Get("change_24h").Float()
		} else {
			price.USD = value.Float()
		}
		if symbol != "" && price.USD > 0 {
			out[symbol] = price
		}
		return true
	})
	return out, nil
}

// Vaults 拉取金库列表，响应可以是数组或 {"vaults": [...]}。
func (c *Client) Vaults(ctx context.Context) ([]Vault, error) {
	body, err := c.get(ctx, "vaults", c.vaultURL, nil)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		root = root.Get("vaults")
	}
	vaults := make([]Vault, 0, len(root.Array()))
	for _, item := range root.Array() {
		v := Vault{
			Address:      strings.TrimSpace(item.Get("address").String()),
			Name:         strings.TrimSpace(item.Get("name").String()),
			Protocol:     item.Get("protocol").String(),
			DepositToken: strings.ToUpper(strings.TrimSpace(item.Get("deposit_token").String())),
			APR:          item.Get("apr").Float(),
			TVLUSD:       item.Get("tvl_usd").Float(),
		}
		if v.Address == "" || v.DepositToken == "" {
			continue
		}
		vaults = append(vaults, v)
	}
	return vaults, nil
}

func (c *Client) get(ctx context.Context, name, endpoint string, params url.Values) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("未配置 %s 数据源地址", name)
	}
	target := endpoint
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 %s 请求失败: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream("feeds."+name, "error", time.Since(started))
		return nil, fmt.Errorf("请求 %s 数据源失败: %w", name, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("feeds."+name, fmt.Sprintf("%d", resp.StatusCode), time.Since(started))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("读取 %s 响应失败: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s 数据源返回错误状态 %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New(name + " 响应不是合法 JSON")
	}
	return body, nil
}

var (
	_ NewsSource  = (*Client)(nil)
	_ PriceSource = (*Client)(nil)
	_ VaultSource = (*Client)(nil)
)
