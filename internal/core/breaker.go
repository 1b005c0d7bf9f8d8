package core

import (
	"sort"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/model"
)

// 熔断器默认参数
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// CircuitBreaker 三态熔断器
//
// closed: 连续失败达到阈值后转为 open
// open: 超过 resetTimeout 后下一次 CanExecute 转为 half-open 并放行
// half-open: 只放行一次试探调用，成功则 closed，失败则重新 open
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu              sync.Mutex
	state           model.CircuitState
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
	openedAt        time.Time
	trialStarted    time.Time // half-open 试探开始时间，零值表示尚未放行

	now func() time.Time
}

// NewCircuitBreaker 创建熔断器，非正数参数使用默认值
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            model.CircuitClosed,
		now:              time.Now,
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Name 熔断器名称
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// CanExecute 检查是否允许调用
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case model.CircuitOpen:
		if now.Sub(cb.openedAt) <= cb.resetTimeout {
			return false
		}
		cb.transition(model.CircuitHalfOpen, now)
		cb.trialStarted = now
		return true
	case model.CircuitHalfOpen:
		// A trial that never reported back is treated as lost.
		if !cb.trialStarted.IsZero() && now.Sub(cb.trialStarted) <= cb.resetTimeout {
			return false
		}
		cb.trialStarted = now
		return true
	default:
		return true
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	switch cb.state {
	case model.CircuitHalfOpen:
		cb.transition(model.CircuitClosed, cb.now())
		cb.failures = 0
	case model.CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailure = now
	switch cb.state {
	case model.CircuitHalfOpen:
		cb.open(now)
	case model.CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open(now)
		}
	}
}

// Status 返回状态快照
func (cb *CircuitBreaker) Status() model.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := model.CircuitSnapshot{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failures,
		SuccessCount:     cb.successes,
		FailureThreshold: cb.failureThreshold,
		ResetTimeout:     int(cb.resetTimeout / time.Second),
		LastStateChange:  cb.lastStateChange,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// Reset 强制恢复为 closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(model.CircuitClosed, cb.now())
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.openedAt = now
	cb.transition(model.CircuitOpen, now)
}

func (cb *CircuitBreaker) transition(to model.CircuitState, now time.Time) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.lastStateChange = now
	cb.trialStarted = time.Time{}
}

// CircuitManager 按名称管理熔断器
type CircuitManager struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	resetTimeout     time.Duration
}

// NewCircuitManager 创建熔断器管理器
func NewCircuitManager(cfg config.BreakerConfig) *CircuitManager {
	return &CircuitManager{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     time.Duration(cfg.ResetTimeout) * time.Second,
	}
}

// Get 获取熔断器，不存在则使用默认参数创建
func (m *CircuitManager) Get(name string) *CircuitBreaker {
	return m.GetWithConfig(name, m.failureThreshold, m.resetTimeout)
}

// GetWithConfig 获取熔断器，不存在则使用指定参数创建
func (m *CircuitManager) GetWithConfig(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, failureThreshold, resetTimeout)
	m.breakers[name] = cb
	return cb
}

// Reset 重置指定熔断器，返回是否存在
func (m *CircuitManager) Reset(name string) bool {
	m.mu.Lock()
	cb, ok := m.breakers[name]
	m.mu.Unlock()
	if ok {
		cb.Reset()
	}
	return ok
}

// Status 返回所有熔断器快照，按名称排序
func (m *CircuitManager) Status() []model.CircuitSnapshot {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	snaps := make([]model.CircuitSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		snaps = append(snaps, cb.Status())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
