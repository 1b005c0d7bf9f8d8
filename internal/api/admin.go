package api

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/store"
)

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	keys       *core.KeyManager
	budget     *core.BudgetTracker
	breakers   *core.CircuitManager
	refresher  *core.KeyRefresher
	hub        *core.Hub
	store      *store.Store
	cfg        *config.Config
	configPath string
	cfgMu      sync.Mutex
}

// AdminDeps 管理处理器依赖
type AdminDeps struct {
	Keys       *core.KeyManager
	Budget     *core.BudgetTracker
	Breakers   *core.CircuitManager
	Refresher  *core.KeyRefresher
	Hub        *core.Hub
	Store      *store.Store
	Config     *config.Config
	ConfigPath string
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(d AdminDeps) *AdminHandler {
	return &AdminHandler{
		keys:       d.Keys,
		budget:     d.Budget,
		breakers:   d.Breakers,
		refresher:  d.Refresher,
		hub:        d.Hub,
		store:      d.Store,
		cfg:        d.Config,
		configPath: d.ConfigPath,
	}
}

func notFound(c *gin.Context, what string) {
	abortError(c, 404, "not_found_error", "not_found", what+" not found")
}

func internalError(c *gin.Context, err error) {
	abortError(c, 500, "internal_error", "internal_error", err.Error())
}

// === 密钥 ===

// ListKeys 列出密钥
func (h *AdminHandler) ListKeys(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.keys.List()})
}

// ReloadKeys 重新读取密钥来源
func (h *AdminHandler) ReloadKeys(c *gin.Context) {
	if err := h.keys.Reload(); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Keys reloaded", "total": h.keys.Len()})
}

// UpsertKey 新增或更新密钥
func (h *AdminHandler) UpsertKey(c *gin.Context) {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}

	err := h.keys.Upsert(c.Param("name"), body.Value)
	switch {
	case errors.Is(err, model.ErrInvalidKeyName), errors.Is(err, model.ErrEmptyKeyValue):
		abortError(c, 400, "invalid_request_error", "invalid_key", err.Error())
		return
	case err != nil:
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Key saved"})
}

// DeleteKey 删除密钥
func (h *AdminHandler) DeleteKey(c *gin.Context) {
	err := h.keys.Delete(c.Param("name"))
	if errors.Is(err, model.ErrKeyNotFound) {
		notFound(c, "Key")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Key deleted"})
}

// RevealKey 返回密钥原文
func (h *AdminHandler) RevealKey(c *gin.Context) {
	name := c.Param("name")
	value, err := h.keys.Reveal(name)
	if err != nil {
		notFound(c, "Key")
		return
	}
	c.JSON(200, gin.H{"data": gin.H{"name": name, "value": value}})
}

// RefreshKey 探测单个密钥
func (h *AdminHandler) RefreshKey(c *gin.Context) {
	res, err := h.refresher.Refresh(c.Request.Context(), c.Param("name"))
	if errors.Is(err, model.ErrKeyNotFound) {
		notFound(c, "Key")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": res})
}

// RefreshAllKeys 探测全部密钥
func (h *AdminHandler) RefreshAllKeys(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.refresher.RefreshAll(c.Request.Context())})
}

// === 预算 ===

// GetBudget 获取今日预算统计
func (h *AdminHandler) GetBudget(c *gin.Context) {
	c.JSON(200, h.budget.Stats())
}

// GetModelBudget 获取模型上限与剩余额度
func (h *AdminHandler) GetModelBudget(c *gin.Context) {
	m := c.Param("model")
	c.JSON(200, gin.H{
		"model":     m,
		"limits":    h.budget.GetLimits(m),
		"remaining": h.budget.Remaining(m),
	})
}

// SetModelBudget 设置模型自定义上限
func (h *AdminHandler) SetModelBudget(c *gin.Context) {
	var body model.ModelLimits
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}
	if body.RPD < 0 || body.TPD < 0 {
		abortError(c, 400, "invalid_request_error", "invalid_limits", "limits must not be negative")
		return
	}

	m := c.Param("model")
	h.budget.SetCustomLimits(m, body.RPD, body.TPD)
	c.JSON(200, gin.H{"model": m, "limits": h.budget.GetLimits(m)})
}

// ClearModelBudget 删除模型自定义上限
func (h *AdminHandler) ClearModelBudget(c *gin.Context) {
	m := c.Param("model")
	if !h.budget.ClearCustomLimits(m) {
		notFound(c, "Custom limits")
		return
	}
	c.JSON(200, gin.H{"model": m, "limits": h.budget.GetLimits(m)})
}

// GetAlerts 查询告警记录
func (h *AdminHandler) GetAlerts(c *gin.Context) {
	var query model.AlertQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_query", "Invalid query: "+err.Error())
		return
	}

	alerts, err := h.store.QueryAlerts(&query)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": alerts})
}

// === 熔断 ===

// GetBreakers 获取熔断器状态
func (h *AdminHandler) GetBreakers(c *gin.Context) {
	c.JSON(200, gin.H{
		"circuits": h.breakers.Status(),
		"models":   h.keys.ModelBreakers(),
	})
}

// ResetBreaker 手动关闭熔断器
func (h *AdminHandler) ResetBreaker(c *gin.Context) {
	if !h.breakers.Reset(c.Param("name")) {
		notFound(c, "Breaker")
		return
	}
	c.JSON(200, gin.H{"message": "Breaker reset"})
}

// === 实时推送 ===

// GetRealtime 获取推送计数
func (h *AdminHandler) GetRealtime(c *gin.Context) {
	c.JSON(200, h.hub.Stats())
}

// IssueRealtimeToken 签发 websocket 身份令牌
func (h *AdminHandler) IssueRealtimeToken(c *gin.Context) {
	var body struct {
		UserID     int64  `json:"user_id"`
		Username   string `json:"username"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}
	if body.UserID <= 0 && body.Username == "" {
		abortError(c, 400, "invalid_request_error", "missing_identity", "user_id or username is required")
		return
	}

	h.cfgMu.Lock()
	secret := h.cfg.WebSocket.JWTSecret
	h.cfgMu.Unlock()

	token, err := SignIdentityToken(secret, body.UserID, body.Username, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		abortError(c, 409, "invalid_request_error", "jwt_disabled", err.Error())
		return
	}
	c.JSON(200, gin.H{"token": token})
}

// === 状态 ===

// GetStatus 获取系统状态
func (h *AdminHandler) GetStatus(c *gin.Context) {
	infos := h.keys.List()
	var cooling, invalid int
	for _, k := range infos {
		if k.Stats.Invalid != nil {
			invalid++
		} else if k.Stats.CooldownUntil != nil {
			cooling++
		}
	}

	var openCircuits int
	for _, s := range h.breakers.Status() {
		if s.State != model.CircuitClosed {
			openCircuits++
		}
	}
	var openModels int
	for _, m := range h.keys.ModelBreakers() {
		if m.Open {
			openModels++
		}
	}

	stats := h.budget.Stats()
	c.JSON(200, gin.H{
		"total_keys":     len(infos),
		"available_keys": len(infos) - cooling - invalid,
		"cooling_keys":   cooling,
		"invalid_keys":   invalid,
		"budget_date":    stats.Date,
		"alerts_today":   len(stats.Alerts),
		"open_circuits":  openCircuits,
		"open_models":    openModels,
		"realtime":       h.hub.Stats(),
	})
}

// === 配置 ===

// GetConfig 获取配置（不含密钥）
func (h *AdminHandler) GetConfig(c *gin.Context) {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	c.JSON(200, gin.H{
		"server": gin.H{
			"host": h.cfg.Server.Host,
			"port": h.cfg.Server.Port,
		},
		"keys":          h.cfg.Keys,
		"upstream":      h.cfg.Upstream,
		"breaker":       h.cfg.Breaker,
		"model_breaker": h.cfg.ModelBreaker,
		"budget":        h.cfg.Budget,
		"websocket":     h.cfg.WebSocket,
		"events":        h.cfg.Events,
		"logging":       h.cfg.Logging,
	})
}

// UpdateConfig 更新可热加载的配置
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var update struct {
		Logging         *config.LoggingConfig `json:"logging"`
		RefreshInterval *int                  `json:"refresh_interval"`
	}
	if err := c.ShouldBindJSON(&update); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}
	if update.RefreshInterval != nil && *update.RefreshInterval < 0 {
		abortError(c, 400, "invalid_request_error", "invalid_request", "refresh_interval must not be negative")
		return
	}

	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	if update.Logging != nil {
		h.cfg.Logging = *update.Logging
		logger.SetLevel(logger.ParseLevel(h.cfg.Logging.Level))
	}
	if update.RefreshInterval != nil {
		h.cfg.Keys.RefreshInterval = *update.RefreshInterval
		if h.refresher != nil {
			h.refresher.UpdateConfig(h.cfg.Keys.RefreshInterval)
		}
	}

	if h.configPath != "" {
		if err := config.Save(h.configPath, h.cfg); err != nil {
			internalError(c, errors.New("Failed to save config: "+err.Error()))
			return
		}
	}

	c.JSON(200, gin.H{"message": "Config updated"})
}
