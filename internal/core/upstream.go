package core

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/model"
)

// UpstreamBreakerName 上游调用使用的熔断器名称
const UpstreamBreakerName = "upstream"

// ErrUpstreamUnavailable is returned without calling out while the upstream
// breaker is open.
var ErrUpstreamUnavailable = errors.New("upstream circuit open")

// Upstream OpenAI 兼容上游客户端
type Upstream struct {
	baseURL    string
	httpClient *http.Client
	breaker    *CircuitBreaker
	now        func() time.Time
}

// NewUpstream 创建上游客户端，breaker 可为 nil
func NewUpstream(cfg config.UpstreamConfig, breaker *CircuitBreaker) *Upstream {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Upstream{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		now:        time.Now,
	}
}

// SetTimeout 更新请求超时
func (u *Upstream) SetTimeout(d time.Duration) {
	if d > 0 {
		u.httpClient.Timeout = d
	}
}

func (u *Upstream) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if u.baseURL != "" {
		cfg.BaseURL = u.baseURL
	}
	cfg.HTTPClient = u.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Chat 使用指定密钥发送一次非流式对话请求
func (u *Upstream) Chat(ctx context.Context, key string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if u.breaker != nil && !u.breaker.CanExecute() {
		return openai.ChatCompletionResponse{}, ErrUpstreamUnavailable
	}
	req.Stream = false
	resp, err := u.client(key).CreateChatCompletion(ctx, req)
	u.observe(err)
	return resp, err
}

// Probe sends a one-token completion with key and returns the rate limit
// snapshot the upstream attached to the response.
func (u *Upstream) Probe(ctx context.Context, key, probeModel string) (model.UpstreamQuota, int, error) {
	resp, err := u.Chat(ctx, key, openai.ChatCompletionRequest{
		Model:     probeModel,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return model.UpstreamQuota{}, 0, err
	}
	return ParseQuota(resp.Header(), u.now()), resp.Usage.TotalTokens, nil
}

// observe feeds the upstream breaker: transport errors and 5xx count as
// failures, anything the upstream answered otherwise counts as reachable.
func (u *Upstream) observe(err error) {
	if u.breaker == nil {
		return
	}
	if err == nil {
		u.breaker.RecordSuccess()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	status := StatusOf(err)
	if status == 0 || status >= 500 {
		u.breaker.RecordFailure()
		return
	}
	u.breaker.RecordSuccess()
}

// StatusOf 从上游错误中提取 HTTP 状态码，非 HTTP 错误返回 0
func StatusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// ParseQuota 解析 x-ratelimit-* 响应头
func ParseQuota(h http.Header, now time.Time) model.UpstreamQuota {
	return model.UpstreamQuota{
		LimitRequests:     headerInt(h, "x-ratelimit-limit-requests"),
		RemainingRequests: headerInt(h, "x-ratelimit-remaining-requests"),
		LimitTokens:       headerInt(h, "x-ratelimit-limit-tokens"),
		RemainingTokens:   headerInt(h, "x-ratelimit-remaining-tokens"),
		ResetRequests:     h.Get("x-ratelimit-reset-requests"),
		ResetTokens:       h.Get("x-ratelimit-reset-tokens"),
		CheckedAt:         now,
	}
}

func headerInt(h http.Header, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(name)))
	if err != nil {
		return 0
	}
	return n
}
