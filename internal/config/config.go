package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINPILOT_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/chainpilot.yaml"

// Config 描述 ChainPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Progress  ProgressConfig  `yaml:"progress"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	LLM       LLMConfig       `yaml:"llm"`
	Web3      Web3Config      `yaml:"web3"`
	Signer    SignerConfig    `yaml:"signer"`
	Routing   RoutingConfig   `yaml:"routing"`
	Execution ExecutionConfig `yaml:"execution"`
	Registry  RegistryConfig  `yaml:"registry"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// LoggingConfig 控制应用日志与审计日志。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig 配置 Prometheus 指标端点，地址为空时不启动。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// SchedulerConfig 控制调度节拍与失败重试。
type SchedulerConfig struct {
	Tick       time.Duration `yaml:"tick"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	ClaimTTL   time.Duration `yaml:"claim_ttl"`
	Workers    int           `yaml:"workers"`
}

// StorageConfig 描述 agent 账本的存储后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 是多个组件共享的 Redis 连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	Channel   string        `yaml:"channel"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 连接与拓扑参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// CacheConfig 控制授权缓存与路由缓存。
type CacheConfig struct {
	Driver      string        `yaml:"driver"`
	Redis       RedisConfig   `yaml:"redis"`
	ApprovalTTL time.Duration `yaml:"approval_ttl"`
	RouteTTL    time.Duration `yaml:"route_ttl"`
}

// ProgressConfig 选择实时进度的发布通道。
type ProgressConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// TriggerConfig 选择 RunNow 使用的触发队列。
type TriggerConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// LLMConfig 配置 OpenAI 兼容的分析接口。
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainConfig    string        `yaml:"chain_config"`
	DefaultChain   string        `yaml:"default_chain"`
	ReceiptPoll    time.Duration `yaml:"receipt_poll"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
}

// SignerConfig 配置外部签名服务。
type SignerConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RoutingConfig 配置兑换报价服务。
type RoutingConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutionConfig 控制执行引擎的滑点、容差与重试。
type ExecutionConfig struct {
	SlippageBps        int64         `yaml:"slippage_bps"`
	SellClampTolerance float64       `yaml:"sell_clamp_tolerance"`
	ApprovalTTL        time.Duration `yaml:"approval_ttl"`
	HysteresisRetries  int           `yaml:"hysteresis_retries"`
	HysteresisDelay    time.Duration `yaml:"hysteresis_delay"`
}

// RegistryConfig 指向代币注册表文件。
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// FeedsConfig 配置新闻、价格与收益率数据源。
type FeedsConfig struct {
	NewsURL  string        `yaml:"news_url"`
	PriceURL string        `yaml:"price_url"`
	VaultURL string        `yaml:"vault_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AlertingConfig 配置告警出口，webhook 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析 YAML 内容，补全默认值并应用环境变量覆盖。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = time.Minute
	}
	if c.Scheduler.RetryDelay <= 0 {
		c.Scheduler.RetryDelay = 5 * time.Minute
	}
	if c.Scheduler.ClaimTTL <= 0 {
		c.Scheduler.ClaimTTL = 30 * time.Minute
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}

	c.Storage.Driver = lowerOr(c.Storage.Driver, "memory")
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetime <= 0 {
		c.Storage.ConnMaxLifetime = 30 * time.Minute
	}

	c.Cache.Driver = lowerOr(c.Cache.Driver, "memory")
	if c.Cache.ApprovalTTL <= 0 {
		c.Cache.ApprovalTTL = 24 * time.Hour
	}
	if c.Cache.RouteTTL <= 0 {
		c.Cache.RouteTTL = 30 * time.Second
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "chainpilot"
	}

	c.Progress.Driver = lowerOr(c.Progress.Driver, "log")
	if c.Progress.Redis.Channel == "" {
		c.Progress.Redis.Channel = "chainpilot:progress"
	}
	if c.Progress.RabbitMQ.Exchange == "" {
		c.Progress.RabbitMQ.Exchange = "chainpilot.progress"
	}

	c.Trigger.Driver = lowerOr(c.Trigger.Driver, "memory")
	if c.Trigger.Redis.Queue == "" {
		c.Trigger.Redis.Queue = "chainpilot:triggers"
	}
	if c.Trigger.Redis.BlockWait <= 0 {
		c.Trigger.Redis.BlockWait = 5 * time.Second
	}
	if c.Trigger.RabbitMQ.Queue == "" {
		c.Trigger.RabbitMQ.Queue = "chainpilot.triggers"
	}
	if c.Trigger.RabbitMQ.Prefetch <= 0 {
		c.Trigger.RabbitMQ.Prefetch = c.Scheduler.Workers
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Web3.ReceiptPoll <= 0 {
		c.Web3.ReceiptPoll = 2 * time.Second
	}
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 3 * time.Minute
	}

	if c.Signer.TokenEnv == "" {
		c.Signer.TokenEnv = "CHAINPILOT_SIGNER_TOKEN"
	}
	if c.Signer.Timeout <= 0 {
		c.Signer.Timeout = 30 * time.Second
	}

	if c.Routing.Timeout <= 0 {
		c.Routing.Timeout = 15 * time.Second
	}

	if c.Execution.SlippageBps <= 0 {
		c.Execution.SlippageBps = 50
	}
	if c.Execution.SellClampTolerance <= 0 {
		c.Execution.SellClampTolerance = 0.0001
	}
	if c.Execution.ApprovalTTL <= 0 {
		c.Execution.ApprovalTTL = c.Cache.ApprovalTTL
	}
	if c.Execution.HysteresisRetries <= 0 {
		c.Execution.HysteresisRetries = 3
	}
	if c.Execution.HysteresisDelay <= 0 {
		c.Execution.HysteresisDelay = 10 * time.Second
	}

	if c.Registry.Path == "" {
		c.Registry.Path = "tokens.yaml"
	}
	if c.Feeds.Timeout <= 0 {
		c.Feeds.Timeout = 15 * time.Second
	}
}

// applyEnv 用环境变量覆盖密钥类配置，避免把密钥写进文件。
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv))
	}
	if c.Signer.Token == "" {
		c.Signer.Token = strings.TrimSpace(os.Getenv(c.Signer.TokenEnv))
	}
	if dsn := strings.TrimSpace(os.Getenv("CHAINPILOT_MYSQL_DSN")); dsn != "" {
		c.Storage.DSN = dsn
	}
}

// resolvePaths 把相对路径解析为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	c.Registry.Path = resolve(baseDir, c.Registry.Path)
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}
}

// Validate 检查驱动取值与必填字段。
func (c *Config) Validate() error {
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.driver=mysql 时必须配置 storage.dsn")
	}
	if err := oneOf("cache.driver", c.Cache.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("progress.driver", c.Progress.Driver, "log", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("trigger.driver", c.Trigger.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Execution.SlippageBps >= 10_000 {
		return fmt.Errorf("execution.slippage_bps 超出范围: %d", c.Execution.SlippageBps)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s 不支持的取值 %q，可选: %s", key, value, strings.Join(allowed, ", "))
}

func lowerOr(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
