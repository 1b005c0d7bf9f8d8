package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

// KeySource 密钥来源（dotenv 文件或 sqlite）
type KeySource interface {
	LoadKeys() ([]model.KeyEntry, error)
	SaveKey(name, value string) error
	DeleteKey(name string) error
}

// UsageReader 按密钥 ID 提供今日用量（由 BudgetTracker 实现）
type UsageReader interface {
	KeyUsage(keyID string) model.Usage
}

type modelBreaker struct {
	failures  int
	openUntil time.Time // 零值表示未熔断
}

// KeyManager 密钥管理器
//
// 选择今日请求数最少、不在冷却期、未失效的密钥；按模型统计 5xx，
// 达到阈值后该模型在 modelOpen 时间内拒绝分配密钥。
type KeyManager struct {
	source     KeySource
	usage      UsageReader
	namePrefix string

	cooldown         time.Duration
	modelThreshold   int
	modelOpenTimeout time.Duration

	mu        sync.Mutex
	keys      []model.Key // 按名称排序
	cooldowns map[string]time.Time // key value -> 冷却结束时间
	models    map[string]*modelBreaker
	invalid   map[string]model.InvalidMark
	quotas    map[string]model.UpstreamQuota

	now func() time.Time
	log *logger.Logger
}

// NewKeyManager 创建密钥管理器并从来源加载密钥
func NewKeyManager(source KeySource, usage UsageReader, keysCfg config.KeysConfig, breakerCfg config.ModelBreakerConfig) (*KeyManager, error) {
	m := &KeyManager{
		source:           source,
		usage:            usage,
		namePrefix:       keysCfg.NamePrefix,
		cooldown:         time.Duration(keysCfg.CooldownSeconds) * time.Second,
		modelThreshold:   breakerCfg.FailureThreshold,
		modelOpenTimeout: time.Duration(breakerCfg.OpenSeconds) * time.Second,
		cooldowns:        make(map[string]time.Time),
		models:           make(map[string]*modelBreaker),
		invalid:          make(map[string]model.InvalidMark),
		quotas:           make(map[string]model.UpstreamQuota),
		now:              time.Now,
		log:              logger.Named("keys"),
	}
	if m.namePrefix == "" {
		m.namePrefix = model.DefaultKeyPrefix
	}
	if m.cooldown <= 0 {
		m.cooldown = 60 * time.Second
	}
	if m.modelThreshold <= 0 {
		m.modelThreshold = 3
	}
	if m.modelOpenTimeout <= 0 {
		m.modelOpenTimeout = 120 * time.Second
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Seed 将配置中的密钥写入来源（已存在的名称跳过）
func (m *KeyManager) Seed(entries []model.KeyEntry) error {
	existing, err := m.source.LoadKeys()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[e.Name] = true
	}
	seeded := 0
	for _, e := range entries {
		if have[e.Name] {
			continue
		}
		if err := m.validate(e.Name, e.Value); err != nil {
			m.log.Warn("skip seed entry", "name", e.Name, "err", err)
			continue
		}
		if err := m.source.SaveKey(e.Name, e.Value); err != nil {
			return fmt.Errorf("seed %s: %w", e.Name, err)
		}
		seeded++
	}
	if seeded == 0 {
		return nil
	}
	return m.Reload()
}

// Reload 重新读取密钥来源
func (m *KeyManager) Reload() error {
	entries, err := m.source.LoadKeys()
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	keys := make([]model.Key, 0, len(entries))
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Value == "" {
			continue
		}
		keys = append(keys, model.NewKey(e.Name, e.Value))
		present[e.Value] = true
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = keys
	for v := range m.cooldowns {
		if !present[v] {
			delete(m.cooldowns, v)
		}
	}
	for v := range m.invalid {
		if !present[v] {
			delete(m.invalid, v)
		}
	}
	for v := range m.quotas {
		if !present[v] {
			delete(m.quotas, v)
		}
	}
	m.log.Info("key pool loaded", "keys", len(keys))
	return nil
}

// sweep removes expired cooldowns and model breakers. Caller must hold m.mu.
func (m *KeyManager) sweep(now time.Time) {
	for v, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, v)
		}
	}
	for name, mb := range m.models {
		if !mb.openUntil.IsZero() && !now.Before(mb.openUntil) {
			delete(m.models, name)
			m.log.Info("model breaker closed", "model", name)
		}
	}
}

// GetNextKey 为模型选择下一个可用密钥，modelName 可为空
func (m *KeyManager) GetNextKey(modelName string) (model.Key, bool) {
	m.mu.Lock()
	now := m.now()
	m.sweep(now)

	if modelName != "" {
		if mb, ok := m.models[modelName]; ok && !mb.openUntil.IsZero() {
			m.mu.Unlock()
			return model.Key{}, false
		}
	}

	candidates := make([]model.Key, 0, len(m.keys))
	for _, k := range m.keys {
		if _, cooling := m.cooldowns[k.Value]; cooling {
			continue
		}
		if _, bad := m.invalid[k.Value]; bad {
			continue
		}
		candidates = append(candidates, k)
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return model.Key{}, false
	}
	if m.usage == nil {
		return candidates[0], true
	}

	// Usage lives behind the budget tracker's own lock; read it outside ours.
	best := candidates[0]
	bestCount := m.usage.KeyUsage(best.ID).Requests
	for _, k := range candidates[1:] {
		if n := m.usage.KeyUsage(k.ID).Requests; n < bestCount {
			best, bestCount = k, n
		}
	}
	return best, true
}

// ReportFailure 上报上游失败
//
// 429: 密钥冷却；5xx: 模型失败计数，达到阈值后熔断；401: 密钥失效；其他状态忽略。
func (m *KeyManager) ReportFailure(value string, status int, modelName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	switch {
	case status == 429:
		m.cooldowns[value] = now.Add(m.cooldown)
		m.log.Warn("key rate limited, cooling down", "key", model.KeyPrefix(value), "for", m.cooldown)
	case status >= 500 && status <= 599:
		if modelName == "" {
			return
		}
		mb := m.models[modelName]
		if mb == nil {
			mb = &modelBreaker{}
			m.models[modelName] = mb
		}
		if !mb.openUntil.IsZero() {
			return
		}
		mb.failures++
		if mb.failures >= m.modelThreshold {
			mb.openUntil = now.Add(m.modelOpenTimeout)
			m.log.Warn("model breaker opened", "model", modelName, "failures", mb.failures, "until", mb.openUntil.Format(time.RFC3339))
		}
	case status == 401:
		m.invalid[value] = model.InvalidMark{Reason: "upstream returned 401", Since: now}
		m.log.Error("key rejected by upstream", "key", model.KeyPrefix(value))
	}
}

// ReportSuccess 上报成功，清除模型失败计数
func (m *KeyManager) ReportSuccess(value, modelName string) {
	if modelName == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb, ok := m.models[modelName]; ok && mb.openUntil.IsZero() {
		delete(m.models, modelName)
	}
}

// MarkInvalid 标记密钥失效
func (m *KeyManager) MarkInvalid(value, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[value] = model.InvalidMark{Reason: reason, Since: m.now()}
}

// UpdateQuota 更新上游额度信息
func (m *KeyManager) UpdateQuota(value string, q model.UpstreamQuota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[value] = q
}

// Len 密钥数量
func (m *KeyManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Keys 返回密钥池副本
func (m *KeyManager) Keys() []model.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]model.Key, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Lookup 按名称查找密钥
func (m *KeyManager) Lookup(name string) (model.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Name == name {
			return k, true
		}
	}
	return model.Key{}, false
}

// List 列出密钥（隐藏密钥值）
func (m *KeyManager) List() []model.KeyInfo {
	m.mu.Lock()
	now := m.now()
	m.sweep(now)
	infos := make([]model.KeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		info := model.KeyInfo{
			Name:        k.Name,
			ID:          k.ID,
			MaskedValue: model.MaskKey(k.Value),
			Prefix:      k.Prefix,
		}
		if until, ok := m.cooldowns[k.Value]; ok {
			info.Stats.CooldownUntil = &until
		}
		if mark, ok := m.invalid[k.Value]; ok {
			info.Stats.Invalid = &mark
		}
		if q, ok := m.quotas[k.Value]; ok {
			info.Stats.Quota = &q
		}
		infos = append(infos, info)
	}
	m.mu.Unlock()

	if m.usage != nil {
		for i := range infos {
			u := m.usage.KeyUsage(infos[i].ID)
			infos[i].Stats.Requests = u.Requests
			infos[i].Stats.Tokens = u.Tokens
			if !u.LastUpdated.IsZero() {
				t := u.LastUpdated
				infos[i].Stats.LastUpdated = &t
			}
		}
	}
	return infos
}

// Upsert 新增或更新密钥
func (m *KeyManager) Upsert(name, value string) error {
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if err := m.validate(name, value); err != nil {
		return err
	}

	old, existed := m.Lookup(name)
	if err := m.source.SaveKey(name, value); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	if existed {
		m.mu.Lock()
		delete(m.invalid, old.Value)
		delete(m.invalid, value)
		m.mu.Unlock()
	}
	m.log.Info("key upserted", "name", name, "key", model.KeyPrefix(value))
	return m.Reload()
}

// Delete 删除密钥
func (m *KeyManager) Delete(name string) error {
	if _, ok := m.Lookup(name); !ok {
		return model.ErrKeyNotFound
	}
	if err := m.source.DeleteKey(name); err != nil && !errors.Is(err, model.ErrKeyNotFound) {
		return fmt.Errorf("delete key: %w", err)
	}
	if err := m.Reload(); err != nil {
		return err
	}
	// 来源中已不存在但仍在池中，说明密钥来自来源之外
	if _, ok := m.Lookup(name); ok {
		return fmt.Errorf("delete key %s: not removed from source", name)
	}
	m.log.Info("key deleted", "name", name)
	return nil
}

// Reveal 返回密钥原文
func (m *KeyManager) Reveal(name string) (string, error) {
	k, ok := m.Lookup(name)
	if !ok {
		return "", model.ErrKeyNotFound
	}
	return k.Value, nil
}

// ModelBreakers 返回模型熔断状态，按模型名排序
func (m *KeyManager) ModelBreakers() []model.ModelBreakerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(m.now())

	infos := make([]model.ModelBreakerInfo, 0, len(m.models))
	for name, mb := range m.models {
		info := model.ModelBreakerInfo{Model: name, Failures: mb.failures}
		if !mb.openUntil.IsZero() {
			until := mb.openUntil
			info.Open = true
			info.OpenUntil = &until
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Model < infos[j].Model })
	return infos
}

func (m *KeyManager) validate(name, value string) error {
	if !strings.HasPrefix(name, m.namePrefix) || len(name) == len(m.namePrefix) {
		return fmt.Errorf("%w: must start with %s", model.ErrInvalidKeyName, m.namePrefix)
	}
	if value == "" {
		return model.ErrEmptyKeyValue
	}
	return nil
}
