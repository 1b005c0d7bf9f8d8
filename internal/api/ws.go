package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
)

// IdentityClaims websocket 身份令牌
type IdentityClaims struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// SignIdentityToken 签发 HS256 身份令牌，ttl <= 0 表示不过期
func SignIdentityToken(secret string, userID int64, username string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	claims := IdentityClaims{UserID: userID, Username: username}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseIdentityToken 校验令牌并返回身份
func ParseIdentityToken(secret, token string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// WSHandler websocket 接入
type WSHandler struct {
	hub      *core.Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewWSHandler 创建 websocket 处理器
func NewWSHandler(hub *core.Hub, cfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.Named("ws"),
	}
}

// identity resolves who is connecting. Anonymous connections are allowed and
// never match a targeted message.
func (h *WSHandler) identity(r *http.Request) (int64, string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	if h.cfg.JWTSecret != "" {
		if token == "" {
			return 0, "", nil
		}
		claims, err := ParseIdentityToken(h.cfg.JWTSecret, token)
		if err != nil {
			return 0, "", err
		}
		return claims.UserID, claims.Username, nil
	}

	if h.cfg.AllowQueryIdentity {
		q := r.URL.Query()
		userID, _ := strconv.ParseInt(q.Get("user_id"), 10, 64)
		return userID, q.Get("username"), nil
	}
	return 0, "", nil
}

// Serve 升级连接并登记到路由
func (h *WSHandler) Serve(c *gin.Context) {
	userID, username, err := h.identity(c.Request)
	if err != nil {
		abortError(c, 401, "authentication_error", "invalid_token", "Invalid identity token")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "err", err)
		return
	}

	client := newWSClient(conn, time.Duration(h.cfg.WriteTimeout)*time.Second)
	h.hub.Register(client, userID, username)
	defer func() {
		h.hub.Unregister(client)
		client.Close()
	}()

	ping := time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	go client.pingLoop(ping)
	client.readLoop(ping * 2)
}

// wsClient 串行化写入的连接包装
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsClient{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

// WriteJSON 写入一条 JSON 消息
func (c *wsClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close 关闭连接，可重复调用
func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop discards client messages and returns once the peer goes away or
// stops answering pings.
func (c *wsClient) readLoop(pongWait time.Duration) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}
