package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
)

// maxErrorMessage 返回给客户端的上游错误信息长度上限
const maxErrorMessage = 512

// RelayHandler 非流式对话转发
//
// 每次尝试：预算检查 -> 选择密钥 -> 上游调用 -> 回报结果 -> 记录用量。
type RelayHandler struct {
	keys       *core.KeyManager
	budget     *core.BudgetTracker
	upstream   *core.Upstream
	maxRetries int
	log        *logger.Logger
}

// NewRelayHandler 创建转发处理器
func NewRelayHandler(keys *core.KeyManager, budget *core.BudgetTracker, upstream *core.Upstream, maxRetries int) *RelayHandler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RelayHandler{
		keys:       keys,
		budget:     budget,
		upstream:   upstream,
		maxRetries: maxRetries,
		log:        logger.Named("relay"),
	}
}

// ChatCompletions 聊天补全
func (h *RelayHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}
	if req.Model == "" {
		abortError(c, 400, "invalid_request_error", "missing_model", "model is required")
		return
	}
	if req.Stream {
		abortError(c, 400, "invalid_request_error", "stream_unsupported", "streaming is not supported by this relay")
		return
	}

	if ok, reason := h.budget.CheckBudget(req.Model); !ok {
		abortError(c, 429, "rate_limit_error", "budget_exceeded", reason)
		return
	}

	reqID := c.GetString(RequestIDKey)
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		key, ok := h.keys.GetNextKey(req.Model)
		if !ok {
			break
		}

		resp, err := h.upstream.Chat(c.Request.Context(), key.Value, req)
		if err == nil {
			h.keys.ReportSuccess(key.Value, req.Model)
			h.budget.RecordUsage(req.Model, int64(resp.Usage.TotalTokens), key.ID)
			c.JSON(http.StatusOK, resp)
			return
		}
		if errors.Is(err, core.ErrUpstreamUnavailable) {
			abortError(c, 503, "server_error", "upstream_unavailable", "upstream is temporarily unavailable")
			return
		}
		if c.Request.Context().Err() != nil {
			return
		}

		status := core.StatusOf(err)
		h.keys.ReportFailure(key.Value, status, req.Model)
		h.log.Warn("upstream call failed",
			"request_id", reqID, "model", req.Model, "key", key.Prefix,
			"attempt", attempt+1, "status", status, "err", err)

		if !retryable(status) {
			abortError(c, status, "invalid_request_error", "upstream_rejected", truncateMessage(err.Error(), maxErrorMessage))
			return
		}
		lastErr = err
	}

	if lastErr == nil {
		abortError(c, 503, "server_error", "no_key_available", fmt.Sprintf("no API key available for %s", req.Model))
		return
	}
	abortError(c, 502, "server_error", "upstream_error", truncateMessage(lastErr.Error(), maxErrorMessage))
}

// retryable reports whether another key may succeed where this one failed.
func retryable(status int) bool {
	switch {
	case status == 0, status == 401, status == 429:
		return true
	case status >= 500:
		return true
	}
	return false
}

func truncateMessage(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
