// Package registry loads the static token registry used by the execution
// engine: token addresses and decimals per symbol, the swap router and the
// priority-ordered list of funding stables.
package registry

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Token 描述一个可交易代币。
type Token struct {
	Symbol   string         `yaml:"symbol"`
	Address  common.Address `yaml:"-"`
	Decimals int32          `yaml:"decimals"`
	Stable   bool           `yaml:"stable"`
}

// ToUnits 把人类可读数量换算为链上最小单位，向下取整。
func (t Token) ToUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(t.Decimals).Truncate(0).BigInt()
}

// FromUnits 把链上最小单位换算为人类可读数量。
func (t Token) FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -t.Decimals)
}

type tokenEntry struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
	Stable   bool   `yaml:"stable"`
}

type file struct {
	Router         string       `yaml:"router"`
	FundingStables []string     `yaml:"funding_stables"`
	Tokens         []tokenEntry `yaml:"tokens"`
}

// Registry 是只读的代币注册表，加载后可被多个 goroutine 共享。
type Registry struct {
	router    common.Address
	bySymbol  map[string]Token
	byAddress map[common.Address]Token
	funding   []Token
}

// Load 从 YAML 文件加载注册表。
func Load(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代币注册表失败: %w", err)
	}
	return Parse(content)
}

// Parse 解析 YAML 内容并校验地址、精度与资金稳定币列表。
func Parse(content []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("解析代币注册表失败: %w", err)
	}
	if !common.IsHexAddress(f.Router) {
		return nil, fmt.Errorf("router 地址无效: %q", f.Router)
	}
	r := &Registry{
		router:    common.HexToAddress(f.Router),
		bySymbol:  make(map[string]Token, len(f.Tokens)),
		byAddress: make(map[common.Address]Token, len(f.Tokens)),
	}
	for _, entry := range f.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("代币缺少 symbol")
		}
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("代币 %s 地址无效: %q", symbol, entry.Address)
		}
		if entry.Decimals < 0 || entry.Decimals > 36 {
			return nil, fmt.Errorf("代币 %s 精度无效: %d", symbol, entry.Decimals)
		}
		if _, dup := r.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("代币 %s 重复定义", symbol)
		}
		token := Token{
			Symbol:   symbol,
			Address:  common.HexToAddress(entry.Address),
			Decimals: entry.Decimals,
			Stable:   entry.Stable,
		}
		r.bySymbol[symbol] = token
		r.byAddress[token.Address] = token
	}
	for _, symbol := range f.FundingStables {
		token, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
		if !ok {
			return nil, fmt.Errorf("资金稳定币 %s 未在 tokens 中定义", symbol)
		}
		r.funding = append(r.funding, token)
	}
	if len(r.funding) == 0 {
		return nil, fmt.Errorf("至少需要配置一个资金稳定币")
	}
	return r, nil
}

// Router 返回兑换路由合约地址。
func (r *Registry) Router() common.Address {
	return r.router
}

// Lookup 按符号查找代币，大小写不敏感。
func (r *Registry) Lookup(symbol string) (Token, bool) {
	token, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// LookupAddress 按地址查找代币。
func (r *Registry) LookupAddress(addr common.Address) (Token, bool) {
	token, ok := r.byAddress[addr]
	return token, ok
}

// FundingStables 按优先级返回资金稳定币。
func (r *Registry) FundingStables() []Token {
	return append([]Token(nil), r.funding...)
}

// Tokens 返回全部代币。
func (r *Registry) Tokens() []Token {
	out := make([]Token, 0, len(r.bySymbol))
	for _, token := range r.bySymbol {
		out = append(out, token)
	}
	return out
}
