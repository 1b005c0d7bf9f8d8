package core

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/model"
)

const dateLayout = "2006-01-02"

// defaultModelLimits 内置的模型每日上限
var defaultModelLimits = map[string]model.ModelLimits{
	"gpt-4o":            {RPD: 10000, TPD: 2000000},
	"gpt-4o-mini":       {RPD: 10000, TPD: 10000000},
	"gpt-4.1":           {RPD: 5000, TPD: 2000000},
	"gpt-4.1-mini":      {RPD: 10000, TPD: 10000000},
	"gpt-image-1":       {RPD: 500, TPD: 1000000},
	"dall-e-3":          {RPD: 500, TPD: 0},
	"gemini-2.5-pro":    {RPD: 100, TPD: 3000000},
	"gemini-2.5-flash":  {RPD: 250, TPD: 1000000},
	"claude-sonnet-4-5": {RPD: 4000, TPD: 2000000},
}

// BudgetTracker 按模型统计每日请求数和 token 数
type BudgetTracker struct {
	mu            sync.Mutex
	usage         map[string]*model.Usage // model -> usage
	keyUsage      map[string]*model.Usage // key id -> usage
	alerts        []model.BudgetAlert
	alerted       map[alertKey]bool
	custom        map[string]model.ModelLimits
	fallback      model.ModelLimits
	lastResetDate string
	onAlert       func(model.BudgetAlert)

	now func() time.Time
}

type alertKey struct {
	model  string
	metric model.BudgetMetric
	level  model.AlertLevel
}

// NewBudgetTracker 创建预算跟踪器
func NewBudgetTracker(cfg config.BudgetConfig) *BudgetTracker {
	b := &BudgetTracker{
		usage:    make(map[string]*model.Usage),
		keyUsage: make(map[string]*model.Usage),
		alerted:  make(map[alertKey]bool),
		custom:   make(map[string]model.ModelLimits),
		fallback: model.ModelLimits{RPD: cfg.FallbackRPD, TPD: cfg.FallbackTPD},
		now:      time.Now,
	}
	if b.fallback.RPD == 0 && b.fallback.TPD == 0 {
		b.fallback = model.ModelLimits{RPD: 1000, TPD: 500000}
	}
	for m, l := range cfg.Limits {
		b.custom[m] = l
	}
	b.lastResetDate = b.now().Format(dateLayout)
	return b
}

// rollover clears all usage and today's alerts when the calendar day has
// changed. Caller must hold b.mu.
func (b *BudgetTracker) rollover() {
	today := b.now().Format(dateLayout)
	if today <= b.lastResetDate {
		return
	}
	b.usage = make(map[string]*model.Usage)
	b.keyUsage = make(map[string]*model.Usage)
	b.alerts = nil
	b.alerted = make(map[alertKey]bool)
	b.lastResetDate = today
}

func (b *BudgetTracker) limitsLocked(m string) model.ModelLimits {
	if l, ok := b.custom[m]; ok {
		return l
	}
	if l, ok := defaultModelLimits[m]; ok {
		return l
	}
	return b.fallback
}

// SetAlertHook 设置新告警回调（在锁外调用）
func (b *BudgetTracker) SetAlertHook(fn func(model.BudgetAlert)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAlert = fn
}

// CheckBudget 检查模型是否还有预算
func (b *BudgetTracker) CheckBudget(m string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	u, ok := b.usage[m]
	if !ok {
		return true, ""
	}
	limits := b.limitsLocked(m)
	if limits.RPD > 0 && u.Requests >= limits.RPD {
		return false, fmt.Sprintf("Daily request limit reached for %s (%d/%d)", m, u.Requests, limits.RPD)
	}
	if limits.TPD > 0 && u.Tokens >= limits.TPD {
		return false, fmt.Sprintf("Daily token limit reached for %s (%d/%d)", m, u.Tokens, limits.TPD)
	}
	return true, ""
}

// RecordUsage 记录一次调用的用量，返回本次新产生的告警
func (b *BudgetTracker) RecordUsage(m string, tokens int64, keyID string) []model.BudgetAlert {
	if tokens < 0 {
		tokens = 0
	}

	b.mu.Lock()
	b.rollover()

	now := b.now()
	u := b.usage[m]
	if u == nil {
		u = &model.Usage{}
		b.usage[m] = u
	}
	u.Requests++
	u.Tokens += tokens
	u.LastUpdated = now

	if keyID != "" {
		ku := b.keyUsage[keyID]
		if ku == nil {
			ku = &model.Usage{}
			b.keyUsage[keyID] = ku
		}
		ku.Requests++
		ku.Tokens += tokens
		ku.LastUpdated = now
	}

	limits := b.limitsLocked(m)
	var fresh []model.BudgetAlert
	if a, ok := b.checkThreshold(m, model.MetricRequests, u.Requests, limits.RPD, now); ok {
		fresh = append(fresh, a)
	}
	if a, ok := b.checkThreshold(m, model.MetricTokens, u.Tokens, limits.TPD, now); ok {
		fresh = append(fresh, a)
	}
	hook := b.onAlert
	b.mu.Unlock()

	if hook != nil {
		for _, a := range fresh {
			hook(a)
		}
	}
	return fresh
}

func (b *BudgetTracker) checkThreshold(m string, metric model.BudgetMetric, current, limit int64, now time.Time) (model.BudgetAlert, bool) {
	if limit <= 0 {
		return model.BudgetAlert{}, false
	}
	pct := ratio(current, limit)
	level := model.LevelFor(pct)
	if level == model.AlertNormal {
		return model.BudgetAlert{}, false
	}
	k := alertKey{model: m, metric: metric, level: level}
	if b.alerted[k] {
		return model.BudgetAlert{}, false
	}
	b.alerted[k] = true
	alert := model.BudgetAlert{
		Model:      m,
		Metric:     metric,
		Level:      level,
		Current:    current,
		Limit:      limit,
		Percentage: round2(pct),
		Timestamp:  now,
	}
	b.alerts = append(b.alerts, alert)
	return alert, true
}

// GetLimits 获取模型上限（自定义 > 内置 > 默认）
func (b *BudgetTracker) GetLimits(m string) model.ModelLimits {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.limitsLocked(m)
}

// SetCustomLimits 设置模型自定义上限
func (b *BudgetTracker) SetCustomLimits(m string, rpd, tpd int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	b.custom[m] = model.ModelLimits{RPD: rpd, TPD: tpd}
}

// ClearCustomLimits 删除模型自定义上限，返回是否存在
func (b *BudgetTracker) ClearCustomLimits(m string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	_, ok := b.custom[m]
	delete(b.custom, m)
	return ok
}

// Remaining 返回模型今日剩余额度，不限制的指标返回 -1
func (b *BudgetTracker) Remaining(m string) model.Remaining {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	limits := b.limitsLocked(m)
	var used model.Usage
	if u, ok := b.usage[m]; ok {
		used = *u
	}
	return model.Remaining{
		Requests: remaining(used.Requests, limits.RPD),
		Tokens:   remaining(used.Tokens, limits.TPD),
	}
}

// KeyRequests 返回密钥今日请求数
func (b *BudgetTracker) KeyRequests(keyID string) int64 {
	return b.KeyUsage(keyID).Requests
}

// KeyUsage 返回密钥今日用量
func (b *BudgetTracker) KeyUsage(keyID string) model.Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if u, ok := b.keyUsage[keyID]; ok {
		return *u
	}
	return model.Usage{}
}

// Stats 返回预算统计快照
func (b *BudgetTracker) Stats() model.BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	stats := model.BudgetStats{
		Date:   b.lastResetDate,
		Models: make(map[string]model.ModelBudgetStats, len(b.usage)),
		Keys:   make(map[string]model.Usage, len(b.keyUsage)),
		Alerts: make([]model.BudgetAlert, len(b.alerts)),
	}
	for m, u := range b.usage {
		limits := b.limitsLocked(m)
		stats.Models[m] = model.ModelBudgetStats{
			Requests:    metricStatus(u.Requests, limits.RPD),
			Tokens:      metricStatus(u.Tokens, limits.TPD),
			LastUpdated: u.LastUpdated,
		}
	}
	for id, u := range b.keyUsage {
		stats.Keys[id] = *u
	}
	copy(stats.Alerts, b.alerts)
	sort.SliceStable(stats.Alerts, func(i, j int) bool {
		return stats.Alerts[i].Timestamp.Before(stats.Alerts[j].Timestamp)
	})
	return stats
}

func metricStatus(current, limit int64) model.MetricStatus {
	ms := model.MetricStatus{Current: current, Limit: limit, Status: model.AlertNormal}
	if limit > 0 {
		pct := ratio(current, limit)
		ms.Percentage = round2(pct)
		ms.Status = model.LevelFor(pct)
	}
	return ms
}

// ratio returns current/limit in percent.
func ratio(current, limit int64) float64 {
	return float64(current) * 100 / float64(limit)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func remaining(used, limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
