package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ChainPilot/internal/agent"
)

// AgentSpec 是智能体种子文件中的一项。
type AgentSpec struct {
	ID                 string        `yaml:"id"`
	UserID             string        `yaml:"user_id"`
	Type               string        `yaml:"type"`
	Active             *bool         `yaml:"active"`
	Frequency          time.Duration `yaml:"frequency"`
	WalletID           string        `yaml:"wallet_id"`
	WalletAddress      string        `yaml:"wallet_address"`
	AllowedAssets      []string      `yaml:"allowed_assets"`
	BlockedAssets      []string      `yaml:"blocked_assets"`
	CustomInstructions string        `yaml:"custom_instructions"`
	Limits             struct {
		MaxTradeSizeUSD  float64 `yaml:"max_trade_size_usd"`
		MaxAllocationPct float64 `yaml:"max_allocation_pct"`
		DailyTradeLimit  int     `yaml:"daily_trade_limit"`
		MinAPR           float64 `yaml:"min_apr"`
		MaxVaults        int     `yaml:"max_vaults"`
		MinHoldDays      float64 `yaml:"min_hold_days"`
	} `yaml:"limits"`
}

type agentFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadAgents 读取智能体种子文件。
func LoadAgents(path string) ([]agent.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体文件失败: %w", err)
	}
	return ParseAgents(content)
}

// ParseAgents 解析智能体种子内容。active 缺省为 true，frequency 缺省为 1 小时。
func ParseAgents(content []byte) ([]agent.Config, error) {
	var file agentFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析智能体文件失败: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Agents))
	out := make([]agent.Config, 0, len(file.Agents))
	for i, spec := range file.Agents {
		cfg, err := spec.toConfig()
		if err != nil {
			return nil, fmt.Errorf("第 %d 个智能体无效: %w", i+1, err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("智能体 %s 重复", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

func (s AgentSpec) toConfig() (agent.Config, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return agent.Config{}, errors.New("缺少 id")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return agent.Config{}, errors.New("缺少 user_id")
	}
	var typ agent.Type
	switch agent.Type(strings.ToLower(strings.TrimSpace(s.Type))) {
	case agent.TypeMarket:
		typ = agent.TypeMarket
	case agent.TypeYield:
		typ = agent.TypeYield
	default:
		return agent.Config{}, fmt.Errorf("未知的策略类型 %q", s.Type)
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	frequency := s.Frequency
	if frequency <= 0 {
		frequency = time.Hour
	}
	return agent.Config{
		ID:        id,
		UserID:    strings.TrimSpace(s.UserID),
		Type:      typ,
		Active:    active,
		Frequency: frequency,
		Limits: agent.RiskLimits{
			MaxTradeSizeUSD:  s.Limits.MaxTradeSizeUSD,
			MaxAllocationPct: s.Limits.MaxAllocationPct,
			DailyTradeLimit:  s.Limits.DailyTradeLimit,
			MinAPR:           s.Limits.MinAPR,
			MaxVaults:        s.Limits.MaxVaults,
			MinHoldDays:      s.Limits.MinHoldDays,
		},
		AllowedAssets:      s.AllowedAssets,
		BlockedAssets:      s.BlockedAssets,
		CustomInstructions: s.CustomInstructions,
		WalletID:           s.WalletID,
		WalletAddress:      s.WalletAddress,
	}, nil
}
