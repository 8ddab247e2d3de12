package event

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const channelPrefix = "baton:events:"

// Channel 会话事件在 Redis 上的频道名
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisSubscriber interface {
	PSubscribe(ctx context.Context, pattern string) *goredis.PubSub
}

// RedisBroadcaster 多实例部署时经 Redis 频道广播事件，
// 每个实例的 Relay 再投递到本地 Hub。
// Redis 重试耗尽后退化为只投递本地 Hub。
type RedisBroadcaster struct {
	client     redisPublisher
	local      *Hub
	logger     *zap.Logger
	maxRetries uint64
	baseDelay  time.Duration
}

// NewRedisBroadcaster 创建 RedisBroadcaster
func NewRedisBroadcaster(client redisPublisher, local *Hub, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:     client,
		local:      local,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  50 * time.Millisecond,
	}
}

// Publish 以指数退避重试发布到 Redis
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(b.maxRetries, retry.NewExponential(b.baseDelay))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.client.Publish(ctx, Channel(ev.SessionID), payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("Redis 事件广播失败，仅投递本实例订阅者",
			zap.String("session_id", ev.SessionID),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		return b.local.Publish(ctx, ev)
	}
	return nil
}

// Relay 订阅全部会话频道并转发到本地 Hub，ctx 取消后返回
func Relay(ctx context.Context, client redisSubscriber, hub *Hub, logger *zap.Logger) {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("丢弃无法解析的事件", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if ev.SessionID == "" {
				ev.SessionID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = hub.Publish(ctx, ev)
		}
	}
}
