package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
)

// EventsHandler 任务事件入口
type EventsHandler struct {
	hub *core.Hub
}

// NewEventsHandler 创建事件处理器
func NewEventsHandler(hub *core.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Publish 接收任务事件并推送给目标用户
func (h *EventsHandler) Publish(c *gin.Context) {
	var ev model.JobEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_request", "Invalid request: "+err.Error())
		return
	}
	if len(ev.Payload) == 0 {
		abortError(c, 400, "invalid_request_error", "missing_payload", "payload is required")
		return
	}

	delivered := h.hub.Publish(c.Request.Context(), ev)
	c.JSON(202, gin.H{"delivered": delivered})
}
