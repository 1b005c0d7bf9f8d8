package model

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultKeyPrefix 密钥名称的默认前缀
const DefaultKeyPrefix = "PROVIDER_KEY_"

// 错误定义
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrInvalidKeyName = errors.New("invalid key name")
	ErrEmptyKeyValue  = errors.New("key value is empty")
)

// KeyEntry 密钥来源中的一条 (name, value)
type KeyEntry struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Key 密钥池中的密钥
type Key struct {
	Name   string
	Value  string
	ID     string // 用量统计标识，由密钥值派生
	Prefix string // 日志使用的短前缀
}

// NewKey 创建密钥并计算标识与前缀
func NewKey(name, value string) Key {
	return Key{Name: name, Value: value, ID: KeyID(value), Prefix: KeyPrefix(value)}
}

// KeyID returns a stable identifier for a secret. Two different values
// never share an ID even when their prefixes collide.
func KeyID(value string) string {
	h := sha1.Sum([]byte(value))
	return hex.EncodeToString(h[:])
}

// KeyPrefix derives the short, log-safe identifier of a secret.
func KeyPrefix(value string) string {
	if len(value) <= 10 {
		return value
	}
	return value[:6] + "..." + value[len(value)-4:]
}

// MaskKey 隐藏密钥中间部分
func MaskKey(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// InvalidMark 密钥失效标记（401）
type InvalidMark struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// UpstreamQuota 上游响应头中的额度信息
type UpstreamQuota struct {
	LimitRequests     int       `json:"limit_requests"`
	RemainingRequests int       `json:"remaining_requests"`
	LimitTokens       int       `json:"limit_tokens"`
	RemainingTokens   int       `json:"remaining_tokens"`
	ResetRequests     string    `json:"reset_requests,omitempty"`
	ResetTokens       string    `json:"reset_tokens,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

// KeyStats 单个密钥的运行时统计
type KeyStats struct {
	Requests      int64          `json:"requests"`
	Tokens        int64          `json:"tokens"`
	LastUpdated   *time.Time     `json:"last_updated,omitempty"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	Invalid       *InvalidMark   `json:"invalid,omitempty"`
	Quota         *UpstreamQuota `json:"quota,omitempty"`
}

// KeyInfo 密钥列表响应（隐藏密钥）
type KeyInfo struct {
	Name        string   `json:"name"`
	ID          string   `json:"id"`
	MaskedValue string   `json:"masked_value"`
	Prefix      string   `json:"prefix"`
	Stats       KeyStats `json:"stats"`
}

// ModelBreakerInfo 模型熔断状态
type ModelBreakerInfo struct {
	Model     string     `json:"model"`
	Failures  int        `json:"failures"`
	Open      bool       `json:"open"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
}

// 刷新结果
const (
	RefreshOK          = "ok"
	RefreshInvalid     = "invalid"
	RefreshRateLimited = "rate_limited"
	RefreshError       = "error"
)

// RefreshResult 单个密钥的刷新结果
type RefreshResult struct {
	Name       string         `json:"name"`
	Prefix     string         `json:"prefix"`
	Result     string         `json:"result"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Quota      *UpstreamQuota `json:"quota,omitempty"`
	Error      string         `json:"error,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
}
