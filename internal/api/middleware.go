package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

// RequestIDKey gin 上下文中请求 ID 的键
const RequestIDKey = "request_id"

// RequestIDHeader 请求 ID 响应头
const RequestIDHeader = "X-Request-ID"

var httpLog = logger.Named("http")

// abortError 写入 OpenAI 风格错误并中止
func abortError(c *gin.Context, status int, errType, code, message string) {
	c.AbortWithStatusJSON(status, model.NewError(errType, code, message))
}

// AuthMiddleware API Key 认证中间件
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果未设置 API Key，跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			abortError(c, 401, "authentication_error", "missing_api_key", "Missing Authorization header")
			return
		}

		// 没有 Bearer 前缀时直接视为 key
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			abortError(c, 401, "authentication_error", "invalid_api_key", "Invalid API key")
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 为每个请求分配 ID（沿用客户端传入的值）
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				httpLog.Error("panic recovered", "path", c.Request.URL.Path, "request_id", c.GetString(RequestIDKey), "err", err)
				abortError(c, 500, "internal_error", "internal_error", "Internal server error")
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		httpLog.Info("request",
			"status", c.Writer.Status(),
			"latency", time.Since(start).Round(time.Microsecond),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString(RequestIDKey),
		)
	}
}

// Handlers 路由依赖的全部处理器
type Handlers struct {
	Relay  *RelayHandler
	Events *EventsHandler
	WS     *WSHandler
	Admin  *AdminHandler
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 服务 API
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(cfg.Server.APIKey))
	{
		v1.POST("/chat/completions", h.Relay.ChatCompletions)
		v1.POST("/events", h.Events.Publish)
	}

	// 实时推送
	r.GET("/ws", h.WS.Serve)

	// 管理 API
	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg.Server.AdminAPIKey))
	{
		// 密钥
		api.GET("/keys", h.Admin.ListKeys)
		api.POST("/keys/reload", h.Admin.ReloadKeys)
		api.POST("/keys/refresh", h.Admin.RefreshAllKeys)
		api.PUT("/keys/:name", h.Admin.UpsertKey)
		api.DELETE("/keys/:name", h.Admin.DeleteKey)
		api.GET("/keys/:name/reveal", h.Admin.RevealKey)
		api.POST("/keys/:name/refresh", h.Admin.RefreshKey)

		// 预算
		api.GET("/budget", h.Admin.GetBudget)
		api.GET("/budget/:model", h.Admin.GetModelBudget)
		api.PUT("/budget/:model", h.Admin.SetModelBudget)
		api.DELETE("/budget/:model", h.Admin.ClearModelBudget)
		api.GET("/alerts", h.Admin.GetAlerts)

		// 熔断
		api.GET("/breakers", h.Admin.GetBreakers)
		api.POST("/breakers/:name/reset", h.Admin.ResetBreaker)

		// 实时推送
		api.GET("/realtime", h.Admin.GetRealtime)
		api.POST("/realtime/token", h.Admin.IssueRealtimeToken)

		// 状态与配置
		api.GET("/status", h.Admin.GetStatus)
		api.GET("/config", h.Admin.GetConfig)
		api.PUT("/config", h.Admin.UpdateConfig)
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(404, model.NewError("not_found_error", "not_found", "not found"))
	})

	return r
}
