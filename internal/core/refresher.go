package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

// KeyRefresher 密钥刷新器：定期用最小请求探测每个密钥
type KeyRefresher struct {
	keys     *KeyManager
	budget   *BudgetTracker
	upstream *Upstream

	mu         sync.Mutex
	interval   time.Duration
	probeModel string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewKeyRefresher 创建密钥刷新器
func NewKeyRefresher(keys *KeyManager, budget *BudgetTracker, upstream *Upstream, keysCfg config.KeysConfig, upCfg config.UpstreamConfig) *KeyRefresher {
	return &KeyRefresher{
		keys:       keys,
		budget:     budget,
		upstream:   upstream,
		interval:   time.Duration(keysCfg.RefreshInterval) * time.Second,
		probeModel: upCfg.ProbeModel,
		log:        logger.Named("refresh"),
	}
}

// Start 启动后台刷新（间隔为 0 时不启动）
func (r *KeyRefresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval <= 0 || r.cancel != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run(r.ctx, r.interval)
}

// Stop 停止后台刷新
func (r *KeyRefresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// UpdateConfig 动态更新刷新间隔（秒）
func (r *KeyRefresher) UpdateConfig(intervalSeconds int) {
	interval := time.Duration(intervalSeconds) * time.Second
	r.mu.Lock()
	changed := r.interval != interval
	r.interval = interval
	r.mu.Unlock()

	if changed {
		r.Stop()
		r.Start()
	}
}

// Interval 当前刷新间隔
func (r *KeyRefresher) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *KeyRefresher) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll 并发刷新全部密钥，结果按名称排序
func (r *KeyRefresher) RefreshAll(ctx context.Context) []model.RefreshResult {
	keys := r.keys.Keys()
	results := make([]model.RefreshResult, len(keys))

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k model.Key) {
			defer wg.Done()
			results[i] = r.refreshKey(ctx, k)
		}(i, k)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Refresh 刷新单个密钥
func (r *KeyRefresher) Refresh(ctx context.Context, name string) (model.RefreshResult, error) {
	k, ok := r.keys.Lookup(name)
	if !ok {
		return model.RefreshResult{}, model.ErrKeyNotFound
	}
	return r.refreshKey(ctx, k), nil
}

func (r *KeyRefresher) refreshKey(ctx context.Context, k model.Key) model.RefreshResult {
	r.mu.Lock()
	probeModel := r.probeModel
	r.mu.Unlock()

	start := time.Now()
	quota, tokens, err := r.upstream.Probe(ctx, k.Value, probeModel)
	res := model.RefreshResult{
		Name:      k.Name,
		Prefix:    k.Prefix,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if err == nil {
		res.Result = model.RefreshOK
		res.Quota = &quota
		r.keys.UpdateQuota(k.Value, quota)
		r.keys.ReportSuccess(k.Value, probeModel)
		r.budget.RecordUsage(probeModel, int64(tokens), k.ID)
		r.log.Debug("key refreshed", "key", k.Prefix, "remaining_requests", quota.RemainingRequests)
		return res
	}

	res.Error = err.Error()
	if errors.Is(err, ErrUpstreamUnavailable) {
		res.Result = model.RefreshError
		return res
	}

	status := StatusOf(err)
	res.HTTPStatus = status
	switch {
	case status == 401:
		res.Result = model.RefreshInvalid
	case status == 429:
		res.Result = model.RefreshRateLimited
	default:
		res.Result = model.RefreshError
	}
	if status != 0 {
		r.keys.ReportFailure(k.Value, status, probeModel)
		r.budget.RecordUsage(probeModel, 0, k.ID)
	}
	r.log.Warn("key refresh failed", "key", k.Prefix, "status", status, "err", err)
	return res
}
