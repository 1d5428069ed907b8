package agent

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
)

// Type 标识智能体使用的策略类型。
type Type string

const (
	TypeMarket Type = "market"
	TypeYield  Type = "yield"
)

// Action 表示信号建议的操作方向。
type Action string

const (
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionHold     Action = "hold"
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
)

// ParseAction 将字符串解析为受支持的 Action。
func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionHold:
		return ActionHold, true
	case ActionDeposit:
		return ActionDeposit, true
	case ActionWithdraw:
		return ActionWithdraw, true
	default:
		return "", false
	}
}

// IsEntry 判断操作是否会增加头寸（买入或存入金库）。
func (a Action) IsEntry() bool {
	return a == ActionBuy || a == ActionDeposit
}

// IsVault 判断操作是否作用于金库头寸。
func (a Action) IsVault() bool {
	return a == ActionDeposit || a == ActionWithdraw
}

// RiskLimits 汇总用户配置的风控阈值，零值表示不限制。
type RiskLimits struct {
	MaxTradeSizeUSD  float64 `json:"max_trade_size_usd"`
	MaxAllocationPct float64 `json:"max_allocation_pct"`
	DailyTradeLimit  int     `json:"daily_trade_limit"`
	MinAPR           float64 `json:"min_apr"`
	MaxVaults        int     `json:"max_vaults"`
	MinHoldDays      float64 `json:"min_hold_days"`
}

// Config 描述某个用户某种策略的智能体配置与调度状态。
type Config struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	Type               Type          `json:"type"`
	Active             bool          `json:"active"`
	Frequency          time.Duration `json:"frequency"`
	Limits             RiskLimits    `json:"limits"`
	AllowedAssets      []string      `json:"allowed_assets,omitempty"`
	BlockedAssets      []string      `json:"blocked_assets,omitempty"`
	CustomInstructions string        `json:"custom_instructions,omitempty"`
	WalletID           string        `json:"wallet_id,omitempty"`
	WalletAddress      string        `json:"wallet_address,omitempty"`
	OnchainID          string        `json:"onchain_id,omitempty"`
	NextRunAt          time.Time     `json:"next_run_at"`
	LastRunAt          time.Time     `json:"last_run_at"`
	ClaimedBy          string        `json:"claimed_by,omitempty"`
	ClaimedUntil       time.Time     `json:"claimed_until"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Wallet 返回资金钱包句柄；未配置钱包时 ok 为 false。
func (c Config) Wallet() (WalletContext, bool) {
	id := strings.TrimSpace(c.WalletID)
	addr := strings.TrimSpace(c.WalletAddress)
	if id == "" || addr == "" {
		return WalletContext{}, false
	}
	return WalletContext{WalletID: id, Address: addr}, true
}

// Key 返回用于实时进度推送的智能体标识。
func (c Config) Key() string {
	return c.UserID + ":" + string(c.Type)
}

// WalletContext 是传给执行引擎的钱包能力句柄，私钥始终留在外部签名服务中。
type WalletContext struct {
	WalletID string `json:"wallet_id"`
	Address  string `json:"address"`
}

// VaultRef 描述收益金库。
type VaultRef struct {
	Address      string  `json:"address"`
	Name         string  `json:"name"`
	DepositToken string  `json:"deposit_token"`
	APR          float64 `json:"apr"`
}

// Signal 是分析阶段产出的候选操作，只在单个周期内存在。
type Signal struct {
	Asset           string    `json:"asset,omitempty"`
	Vault           *VaultRef `json:"vault,omitempty"`
	Action          Action    `json:"action"`
	Confidence      float64   `json:"confidence"`
	AllocationPct   float64   `json:"allocation_pct"`
	AmountUSD       float64   `json:"amount_usd"`
	PriceUSD        float64   `json:"price_usd,omitempty"`
	WithdrawPct     float64   `json:"withdraw_pct,omitempty"`
	Reasoning       string    `json:"reasoning"`
	EstimatedReturn float64   `json:"estimated_return,omitempty"`
}

// Target 返回信号作用的头寸键：金库地址或资产符号。
func (s Signal) Target() string {
	if s.Vault != nil && s.Vault.Address != "" {
		return strings.ToLower(s.Vault.Address)
	}
	return strings.ToUpper(strings.TrimSpace(s.Asset))
}

// GuardrailCheck 是风控校验的结果，失败时只携带一个规则名。
type GuardrailCheck struct {
	Passed        bool   `json:"passed"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	RuleName      string `json:"rule_name,omitempty"`
}

// Pass 返回通过的校验结果。
func Pass() GuardrailCheck {
	return GuardrailCheck{Passed: true}
}

// Block 返回被指定规则拦截的校验结果。
func Block(rule, reason string) GuardrailCheck {
	return GuardrailCheck{Passed: false, RuleName: rule, BlockedReason: reason}
}

// PositionKind 区分代币头寸和金库头寸。
type PositionKind string

const (
	PositionToken PositionKind = "token"
	PositionVault PositionKind = "vault"
)

// Position 记录钱包在某个资产或金库上的持仓。
type Position struct {
	WalletAddress string          `json:"wallet_address"`
	Asset         string          `json:"asset"`
	Kind          PositionKind    `json:"kind"`
	Balance       decimal.Decimal `json:"balance"`
	CostBasisUSD  decimal.Decimal `json:"cost_basis_usd"`
	EntryRate     float64         `json:"entry_rate,omitempty"`
	EnteredAt     time.Time       `json:"entered_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Open 判断头寸是否仍有余额。
func (p Position) Open() bool {
	return p.Balance.IsPositive()
}

// EventType 表示时间线事件的类别。
type EventType string

const (
	EventSystem    EventType = "system"
	EventAnalysis  EventType = "analysis"
	EventGuardrail EventType = "guardrail"
	EventTrade     EventType = "trade"
)

// Outcome 记录交易事件的结果，用于统计每日成交次数。
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TimelineEvent 是不可变的审计记录，只追加不修改。
type TimelineEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	Outcome   Outcome        `json:"outcome,omitempty"`
	Summary   string         `json:"summary"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutionResult 汇总单个信号的链上执行结果。
type ExecutionResult struct {
	Success        bool            `json:"success"`
	TxHash         string          `json:"tx_hash,omitempty"`
	TxHashes       []string        `json:"tx_hashes,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      xerrors.Code    `json:"error_code,omitempty"`
	RealizedAmount decimal.Decimal `json:"realized_amount"`
}

// Holding 是带估值的头寸。
type Holding struct {
	Position
	ValueUSD float64 `json:"value_usd"`
}

// PortfolioSnapshot 是周期开始时读取的组合估值。
type PortfolioSnapshot struct {
	ValueUSD float64            `json:"value_usd"`
	Holdings map[string]Holding `json:"holdings,omitempty"`
}

// ValueOf 返回指定头寸键的估值，不存在时为 0。
func (p PortfolioSnapshot) ValueOf(key string) float64 {
	if h, ok := p.lookup(key); ok {
		return h.ValueUSD
	}
	return 0
}

// Holding 返回指定头寸键的持仓。
func (p PortfolioSnapshot) Holding(key string) (Holding, bool) {
	return p.lookup(key)
}

// VaultCount 返回仍有余额的金库数量。
func (p PortfolioSnapshot) VaultCount() int {
	count := 0
	for _, h := range p.Holdings {
		if h.Kind == PositionVault && h.Open() {
			count++
		}
	}
	return count
}

func (p PortfolioSnapshot) lookup(key string) (Holding, bool) {
	if len(p.Holdings) == 0 {
		return Holding{}, false
	}
	if h, ok := p.Holdings[key]; ok {
		return h, true
	}
	h, ok := p.Holdings[HoldingKey(key)]
	return h, ok
}

// HoldingKey 规范化头寸键：金库地址小写，代币符号大写。
func HoldingKey(asset string) string {
	asset = strings.TrimSpace(asset)
	if strings.HasPrefix(asset, "0x") || strings.HasPrefix(asset, "0X") {
		return strings.ToLower(asset)
	}
	return strings.ToUpper(asset)
}

// Cycle 携带单次运行的上下文，传递给策略的各个阶段。
type Cycle struct {
	RunID       string
	Now         time.Time
	Wallet      WalletContext
	Portfolio   PortfolioSnapshot
	TradesToday int
}
