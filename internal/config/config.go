package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 lootpang 守护进程在启动阶段需要加载的核心配置。
// 私钥、API Key 等敏感信息不放在配置文件中，统一从环境变量读取。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Chains  ChainsConfig  `json:"chains"`
	Lending LendingConfig `json:"lending"`
	NLU     NLUConfig     `json:"nlu"`
	Storage StorageConfig `json:"storage"`
	Notify  NotifyConfig  `json:"notify"`
}

// ServerConfig 控制 API/WebSocket 服务的监听地址等参数。
type ServerConfig struct {
	Address        string          `json:"address"`
	AllowedOrigins []string        `json:"allowed_origins"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 描述基于 Redis 的固定窗口限流。
type RateLimitConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
}

// LoggingConfig 透传给 pkg/logger。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// ChainsConfig 指定链定义文件以及两条链在其中的名称。
type ChainsConfig struct {
	DefinitionsPath string          `json:"definitions_path"`
	CollateralChain string          `json:"collateral_chain"`
	IssuanceChain   string          `json:"issuance_chain"`
	Contracts       ContractsConfig `json:"contracts"`
	ChainSelector   string          `json:"chain_selector"`
	RelayerKeyEnv   string          `json:"relayer_key_env"`
}

// ContractsConfig 汇总借贷协议涉及的合约地址。
type ContractsConfig struct {
	CollateralVault string `json:"collateral_vault"`
	VaultSender     string `json:"vault_sender"`
	IssuanceVault   string `json:"issuance_vault"`
	VaultReceiver   string `json:"vault_receiver"`
	IssuedToken     string `json:"issued_token"`
}

// LendingConfig 包含担保率等业务参数。
type LendingConfig struct {
	// TokensPerETH 表示 1 ETH 担保可借出的代币数量基准。
	TokensPerETH string `json:"tokens_per_eth"`
	// CollateralRatio 为超额担保比例，如 1.5 表示 150%。
	CollateralRatio string `json:"collateral_ratio"`
	// DeadlineSeconds 是签名授权的有效期。
	DeadlineSeconds int `json:"deadline_seconds"`
	// MinRelayerBalanceETH 是提交跨链请求前中继账户需要保有的最小 ETH。
	MinRelayerBalanceETH string `json:"min_relayer_balance_eth"`
}

// NLUConfig 配置外部语义分析服务。
type NLUConfig struct {
	Provider       string `json:"provider"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 统一描述任务/活动数据的持久化后端。
type StorageConfig struct {
	QuestStore QuestStoreConfig `json:"quest_store"`
}

// QuestStoreConfig 目前提供内存实现，生产环境切换到 MySQL。
type QuestStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NotifyConfig 描述出站通知链路。
type NotifyConfig struct {
	Enabled          bool   `json:"enabled"`
	RabbitMQURL      string `json:"rabbitmq_url"`
	Queue            string `json:"queue"`
	TelegramTokenEnv string `json:"telegram_token_env"`
	TelegramChatID   string `json:"telegram_chat_id"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":4000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if c.Server.RateLimit.MaxRequests <= 0 {
		c.Server.RateLimit.MaxRequests = 100
	}
	if c.Server.RateLimit.WindowSeconds <= 0 {
		c.Server.RateLimit.WindowSeconds = 15 * 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Chains.DefinitionsPath == "" {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Chains.CollateralChain == "" {
		c.Chains.CollateralChain = "sepolia"
	}
	if c.Chains.IssuanceChain == "" {
		c.Chains.IssuanceChain = "base-sepolia"
	}
	if c.Chains.ChainSelector == "" {
		c.Chains.ChainSelector = "10344971235874465080"
	}
	if c.Chains.RelayerKeyEnv == "" {
		c.Chains.RelayerKeyEnv = "RELAYER_PRIVATE_KEY"
	}

	if c.Lending.TokensPerETH == "" {
		c.Lending.TokensPerETH = "300"
	}
	if c.Lending.CollateralRatio == "" {
		c.Lending.CollateralRatio = "1.5"
	}
	if c.Lending.DeadlineSeconds <= 0 {
		c.Lending.DeadlineSeconds = 3600
	}
	if c.Lending.MinRelayerBalanceETH == "" {
		c.Lending.MinRelayerBalanceETH = "0.02"
	}

	if c.NLU.Provider == "" {
		c.NLU.Provider = "gemini"
	}
	if c.NLU.APIKeyEnv == "" {
		c.NLU.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.NLU.TimeoutSeconds <= 0 {
		c.NLU.TimeoutSeconds = 30
	}

	if c.Storage.QuestStore.Driver == "" {
		c.Storage.QuestStore.Driver = "memory"
	}

	if c.Notify.Queue == "" {
		c.Notify.Queue = "lootpang.notifications"
	}
	if c.Notify.TelegramTokenEnv == "" {
		c.Notify.TelegramTokenEnv = "TELEGRAM_BOT_TOKEN"
	}
}
