package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/xiaopang/keyrelay/internal/model"
	"gopkg.in/yaml.v3"
)

// 密钥来源
const (
	KeySourceEnv    = "env"
	KeySourceSQLite = "sqlite"
)

// Config 应用配置
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Database     DatabaseConfig     `yaml:"database" json:"database"`
	Keys         KeysConfig         `yaml:"keys" json:"keys"`
	Upstream     UpstreamConfig     `yaml:"upstream" json:"upstream"`
	Breaker      BreakerConfig      `yaml:"breaker" json:"breaker"`
	ModelBreaker ModelBreakerConfig `yaml:"model_breaker" json:"model_breaker"`
	Budget       BudgetConfig       `yaml:"budget" json:"budget"`
	WebSocket    WebSocketConfig    `yaml:"websocket" json:"websocket"`
	Events       EventsConfig       `yaml:"events" json:"events"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	APIKey      string `yaml:"api_key" json:"-"`
	AdminAPIKey string `yaml:"admin_api_key" json:"-"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// KeysConfig 密钥池配置
type KeysConfig struct {
	Source          string           `yaml:"source" json:"source"`     // env | sqlite
	EnvFile         string           `yaml:"env_file" json:"env_file"` // source=env 时使用
	NamePrefix      string           `yaml:"name_prefix" json:"name_prefix"`
	CooldownSeconds int              `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	RefreshInterval int              `yaml:"refresh_interval" json:"refresh_interval"` // 秒，0=关闭
	Entries         []model.KeyEntry `yaml:"entries" json:"-"`                         // 启动时写入来源（已存在则跳过）
}

// UpstreamConfig 上游配置
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	ProbeModel string `yaml:"probe_model" json:"probe_model"`
	Timeout    int    `yaml:"timeout" json:"timeout"` // 秒
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// BreakerConfig 通用熔断器配置
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     int `yaml:"reset_timeout" json:"reset_timeout"` // 秒
}

// ModelBreakerConfig 按模型熔断配置（密钥管理器内部）
type ModelBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	OpenSeconds      int `yaml:"open_seconds" json:"open_seconds"`
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	FallbackRPD int64                        `yaml:"fallback_rpd" json:"fallback_rpd"`
	FallbackTPD int64                        `yaml:"fallback_tpd" json:"fallback_tpd"`
	Limits      map[string]model.ModelLimits `yaml:"limits" json:"limits"`
}

// WebSocketConfig websocket 配置
type WebSocketConfig struct {
	JWTSecret          string `yaml:"jwt_secret" json:"-"`
	AllowQueryIdentity bool   `yaml:"allow_query_identity" json:"allow_query_identity"`
	WriteTimeout       int    `yaml:"write_timeout" json:"write_timeout"` // 秒
	PingInterval       int    `yaml:"ping_interval" json:"ping_interval"` // 秒
}

// EventsConfig 任务事件订阅配置
type EventsConfig struct {
	RedisURL string `yaml:"redis_url" json:"redis_url"`
	Channel  string `yaml:"channel" json:"channel"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level         string `yaml:"level" json:"level"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	// 支持通过 "auto" 自动生成 API Key（首次加载后落盘）
	if maybeGenerateKeys(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func maybeGenerateKeys(cfg *Config) bool {
	changed := false

	if strings.EqualFold(strings.TrimSpace(cfg.Server.APIKey), "auto") {
		cfg.Server.APIKey = generateAPIKey("keyrelay-user")
		changed = true
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("keyrelay-admin")
		changed = true
	}
	if strings.EqualFold(strings.TrimSpace(cfg.WebSocket.JWTSecret), "auto") {
		cfg.WebSocket.JWTSecret = generateAPIKey("keyrelay-ws")
		changed = true
	}

	return changed
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/keyrelay.db"
	}
	if cfg.Keys.Source == "" {
		cfg.Keys.Source = KeySourceEnv
	}
	if cfg.Keys.EnvFile == "" {
		cfg.Keys.EnvFile = ".env"
	}
	if cfg.Keys.NamePrefix == "" {
		cfg.Keys.NamePrefix = model.DefaultKeyPrefix
	}
	if cfg.Keys.CooldownSeconds == 0 {
		cfg.Keys.CooldownSeconds = 60
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.ProbeModel == "" {
		cfg.Upstream.ProbeModel = "gpt-4o-mini"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 120
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 2
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 60
	}
	if cfg.ModelBreaker.FailureThreshold == 0 {
		cfg.ModelBreaker.FailureThreshold = 3
	}
	if cfg.ModelBreaker.OpenSeconds == 0 {
		cfg.ModelBreaker.OpenSeconds = 120
	}
	if cfg.Budget.FallbackRPD == 0 {
		cfg.Budget.FallbackRPD = 1000
	}
	if cfg.Budget.FallbackTPD == 0 {
		cfg.Budget.FallbackTPD = 500000
	}
	if cfg.WebSocket.WriteTimeout == 0 {
		cfg.WebSocket.WriteTimeout = 10
	}
	if cfg.WebSocket.PingInterval == 0 {
		cfg.WebSocket.PingInterval = 30
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "keyrelay:job-events"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
