// Package events feeds job progress published by workers over Redis pub/sub
// into the realtime hub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Publisher 接收解码后的任务事件（由 core.Hub 实现）
type Publisher interface {
	Publish(ctx context.Context, ev model.JobEvent) int
}

// Subscriber Redis 频道订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
	pub     Publisher
	log     *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriber 连接 Redis 并校验连通性
func NewSubscriber(ctx context.Context, redisURL, channel string, pub Publisher) (*Subscriber, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Subscriber{
		client:  client,
		channel: channel,
		pub:     pub,
		log:     logger.Named("events"),
	}, nil
}

// Start 订阅频道并在后台转发消息
func (s *Subscriber) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		s.cancel()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.log.Info("subscribed", "channel", s.channel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.handleMessage(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

// handleMessage decodes one envelope and hands it to the hub. Malformed
// messages are logged and skipped.
func (s *Subscriber) handleMessage(ctx context.Context, payload string) int {
	var ev model.JobEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.log.Warn("malformed job event", "err", err)
		return 0
	}
	if len(ev.Payload) == 0 {
		s.log.Warn("job event without payload", "user_id", ev.UserID, "username", ev.Username)
		return 0
	}
	return s.pub.Publish(ctx, ev)
}

// Stop 取消订阅并关闭连接
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
}
