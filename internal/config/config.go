package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ChainPilot/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINPILOT_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件路径。
const DefaultPath = "configs/chainpilot.json"

// Config 描述了 ChainPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Logging       logger.Config       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Agent         AgentConfig         `json:"agent"`
	LLM           LLMConfig           `json:"llm"`
	Web3          Web3Config          `json:"web3"`
	Storage       StorageConfig       `json:"storage"`
	Price         PriceConfig         `json:"price"`
	Vault         VaultConfig         `json:"vault"`
	Events        EventsConfig        `json:"events"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address"`
	ReadHeaderTimeoutSecs  int    `json:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// AuthConfig 描述 API 的调用方认证方式。
type AuthConfig struct {
	Mode           string            `json:"mode"`
	DefaultSubject string            `json:"default_subject"`
	Tokens         []AuthTokenConfig `json:"tokens"`
}

// AuthTokenConfig 把一个静态令牌绑定到调用方。
type AuthTokenConfig struct {
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AgentConfig 控制推理循环的上限与重试策略。
type AgentConfig struct {
	MaxIterations     int `json:"max_iterations"`
	RetryAttempts     int `json:"retry_attempts"`
	RetryDelayMillis  int `json:"retry_delay_millis"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string             `json:"provider"`
	Gemini    ProviderConfig     `json:"gemini"`
	OpenAI    ProviderConfig     `json:"openai"`
	Anthropic ProviderConfig     `json:"anthropic"`
	Python    PythonBridgeConfig `json:"python_bridge"`
}

// ProviderConfig 描述托管模型服务的访问参数。
type ProviderConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// PythonBridgeConfig 描述通过本地脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// Web3Config 包含访问 Solana 集群所需的 RPC 地址。
type Web3Config struct {
	NetworksFile          string `json:"networks_file"`
	DefaultNetwork        string `json:"default_network"`
	DevnetRPCURL          string `json:"devnet_rpc_url"`
	MainnetRPCURL         string `json:"mainnet_rpc_url"`
	Commitment            string `json:"commitment"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// StorageConfig 统一描述联系人目录与 Redis 的连接信息。
type StorageConfig struct {
	Contacts ContactsConfig `json:"contacts"`
	Redis    RedisConfig    `json:"redis"`
}

// ContactsConfig 选择联系人目录的实现。
type ContactsConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
}

// PriceConfig 描述价格预言机。
type PriceConfig struct {
	BaseURL         string `json:"base_url"`
	Asset           string `json:"asset"`
	Currency        string `json:"currency"`
	APIKey          string `json:"api_key"`
	APIKeyEnv       string `json:"api_key_env"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	Cache           string `json:"cache"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

// VaultConfig 指定钱包档案文件。
type VaultConfig struct {
	ProfilesFile string `json:"profiles_file"`
}

// EventsConfig 控制进度事件镜像。
type EventsConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url"`
	URLEnv  string `json:"url_env"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
	Buffer  int    `json:"buffer"`
}

// ObservabilityConfig 控制指标与告警。
type ObservabilityConfig struct {
	MetricsEnabled     bool   `json:"metrics_enabled"`
	AlertLog           bool   `json:"alert_log"`
	AlertWebhookURL    string `json:"alert_webhook_url"`
	AlertWebhookURLEnv string `json:"alert_webhook_url_env"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Path 返回应加载的配置文件路径。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
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
	cfg.resolveSecrets()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.RetryAttempts <= 0 {
		c.Agent.RetryAttempts = 10
	}
	if c.Agent.RetryDelayMillis <= 0 {
		c.Agent.RetryDelayMillis = 2000
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Web3.NetworksFile != "" {
		c.Web3.NetworksFile = resolvePath(baseDir, c.Web3.NetworksFile)
	}
	if c.Web3.DefaultNetwork == "" {
		c.Web3.DefaultNetwork = "devnet"
	}
	if c.Web3.DevnetRPCURL == "" && c.Web3.MainnetRPCURL == "" && c.Web3.NetworksFile == "" {
		c.Web3.DevnetRPCURL = "https://api.devnet.solana.com"
	}
	if c.Web3.Commitment == "" {
		c.Web3.Commitment = "confirmed"
	}
	if c.Web3.ConfirmTimeoutSeconds <= 0 {
		c.Web3.ConfirmTimeoutSeconds = 60
	}

	if c.Storage.Contacts.Driver == "" {
		c.Storage.Contacts.Driver = "memory"
	}

	if c.Price.Cache == "" {
		c.Price.Cache = "memory"
	}
	if c.Price.CacheTTLSeconds <= 0 {
		c.Price.CacheTTLSeconds = 30
	}
	if c.Price.TimeoutSeconds <= 0 {
		c.Price.TimeoutSeconds = 10
	}

	if c.Vault.ProfilesFile == "" {
		c.Vault.ProfilesFile = filepath.Join(baseDir, "profiles.yaml")
	} else {
		c.Vault.ProfilesFile = resolvePath(baseDir, c.Vault.ProfilesFile)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// resolveSecrets 读取 *_env 字段指向的环境变量，环境变量优先于明文配置。
func (c *Config) resolveSecrets() {
	for _, p := range []*ProviderConfig{&c.LLM.Gemini, &c.LLM.OpenAI, &c.LLM.Anthropic} {
		p.APIKey = fromEnv(p.APIKeyEnv, p.APIKey)
	}
	c.Storage.Contacts.DSN = fromEnv(c.Storage.Contacts.DSNEnv, c.Storage.Contacts.DSN)
	c.Storage.Redis.Password = fromEnv(c.Storage.Redis.PasswordEnv, c.Storage.Redis.Password)
	c.Price.APIKey = fromEnv(c.Price.APIKeyEnv, c.Price.APIKey)
	c.Events.URL = fromEnv(c.Events.URLEnv, c.Events.URL)
	c.Observability.AlertWebhookURL = fromEnv(c.Observability.AlertWebhookURLEnv, c.Observability.AlertWebhookURL)
	for i := range c.Auth.Tokens {
		c.Auth.Tokens[i].Token = fromEnv(c.Auth.Tokens[i].TokenEnv, c.Auth.Tokens[i].Token)
	}
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "gemini", "openai", "anthropic", "python_bridge":
	default:
		return fmt.Errorf("不支持的 LLM provider: %s", c.LLM.Provider)
	}
	switch c.Storage.Contacts.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的联系人存储驱动: %s", c.Storage.Contacts.Driver)
	}
	if c.Storage.Contacts.Driver != "memory" && c.Storage.Contacts.DSN == "" {
		return fmt.Errorf("联系人存储驱动 %s 需要 dsn", c.Storage.Contacts.Driver)
	}
	switch c.Price.Cache {
	case "memory", "none":
	case "redis":
		if c.Storage.Redis.Address == "" {
			return errors.New("价格缓存使用 redis 时需要 storage.redis.address")
		}
	default:
		return fmt.Errorf("不支持的价格缓存: %s", c.Price.Cache)
	}
	switch c.Events.Driver {
	case "none":
	case "rabbitmq":
		if c.Events.URL == "" {
			return errors.New("rabbitmq 事件镜像需要 url")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	return nil
}

func fromEnv(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return fallback
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
