package core

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Conn 一个已建立的实时连接
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Hub 按用户身份路由实时消息
//
// 每个连接登记为数字用户 ID 和/或用户名；消息只投递给指定身份的连接。
type Hub struct {
	mu    sync.Mutex
	conns map[Conn][]string // handle -> identities

	sent            atomic.Int64
	noRecipient     atomic.Int64
	droppedNoTarget atomic.Int64

	log *logger.Logger
}

// NewHub 创建路由
func NewHub() *Hub {
	return &Hub{
		conns: make(map[Conn][]string),
		log:   logger.Named("ws"),
	}
}

// Register 登记连接；userID <= 0 与空用户名表示缺省
func (h *Hub) Register(conn Conn, userID int64, username string) {
	var ids []string
	if userID > 0 {
		ids = append(ids, strconv.FormatInt(userID, 10))
	}
	if username != "" {
		ids = append(ids, username)
	}

	h.mu.Lock()
	h.conns[conn] = ids
	n := len(h.conns)
	h.mu.Unlock()

	h.log.Debug("connection registered", "identities", ids, "connections", n)
}

// Unregister 注销连接
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// SendToUser 投递给某一身份的全部连接，返回成功投递数
func (h *Hub) SendToUser(ctx context.Context, identity string, payload any) int {
	if identity == "" {
		h.droppedNoTarget.Add(1)
		return 0
	}
	return h.deliver(ctx, h.match([]string{identity}), payload)
}

// Publish 投递任务事件。先按用户名匹配，没有在线连接时才退回用户 ID，
// 所以两个字段指向不同用户时只有用户名一方收到。
func (h *Hub) Publish(ctx context.Context, ev model.JobEvent) int {
	ids := ev.Identities()
	if len(ids) == 0 {
		h.droppedNoTarget.Add(1)
		h.log.Warn("job event without target dropped")
		return 0
	}
	var targets []Conn
	for _, id := range ids {
		if targets = h.match([]string{id}); len(targets) > 0 {
			break
		}
	}
	return h.deliver(ctx, targets, ev.Payload)
}

// match snapshots the handles registered under any of ids.
func (h *Hub) match(ids []string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []Conn
	for c, registered := range h.conns {
		if hasAny(registered, ids) {
			targets = append(targets, c)
		}
	}
	return targets
}

func (h *Hub) deliver(ctx context.Context, targets []Conn, payload any) int {
	if len(targets) == 0 {
		h.noRecipient.Add(1)
		return 0
	}

	delivered := 0
	var failed []Conn
	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := c.WriteJSON(payload); err != nil {
			h.log.Debug("send failed, dropping connection", "err", err)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	h.sent.Add(int64(delivered))

	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			delete(h.conns, c)
		}
		h.mu.Unlock()
		for _, c := range failed {
			c.Close()
		}
	}
	return delivered
}

// Stats 返回路由计数
func (h *Hub) Stats() model.RealtimeStats {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	return model.RealtimeStats{
		Connections:     n,
		Sent:            h.sent.Load(),
		NoRecipient:     h.noRecipient.Load(),
		DroppedNoTarget: h.droppedNoTarget.Load(),
	}
}

// CloseAll 关闭并注销全部连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[Conn][]string)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func hasAny(have, want []string) bool {
	for _, a := range have {
		for _, b := range want {
			if a == b {
				return true
			}
		}
	}
	return false
}
