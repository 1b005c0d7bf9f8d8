package model

import (
	"encoding/json"
	"strconv"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
)

// EventImageProgress 图片生成进度事件类型
const EventImageProgress = "image_progress"

// ProgressEvent 推送给 websocket 客户端的任务进度
type ProgressEvent struct {
	Type           string    `json:"type"`
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	Progress       int       `json:"progress"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ImageURL       string    `json:"image_url,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// JobEvent 带投递目标的事件。Payload 原样转发，不做校验。
type JobEvent struct {
	UserID   int64           `json:"user_id,omitempty"`
	Username string          `json:"username,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Identities returns the identity strings this event is addressed to, in
// match priority order: username first, then the numeric id.
func (e JobEvent) Identities() []string {
	var ids []string
	if e.Username != "" {
		ids = append(ids, e.Username)
	}
	if e.UserID > 0 {
		ids = append(ids, strconv.FormatInt(e.UserID, 10))
	}
	return ids
}

// RealtimeStats websocket 路由计数
type RealtimeStats struct {
	Connections     int   `json:"connections"`
	Sent            int64 `json:"sent"`
	NoRecipient     int64 `json:"no_recipient"`
	DroppedNoTarget int64 `json:"dropped_no_target"`
}
