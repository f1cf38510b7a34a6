package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/hub"
)

// NoticeChannel carries lifecycle notices between studyhub processes.
const NoticeChannel = "studyhub:notices"

// LocalPublisher delivers a notice to the rooms of this process.
type LocalPublisher interface {
	Publish(ctx context.Context, n hub.Notice) error
}

// RedisNotifier publishes lifecycle notices to every process, the sender
// included, instead of delivering them locally.
type RedisNotifier struct {
	rdb redis.Cmdable
}

func NewRedisNotifier(rdb redis.Cmdable) *RedisNotifier { return &RedisNotifier{rdb: rdb} }

func (n *RedisNotifier) Publish(ctx context.Context, notice hub.Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, NoticeChannel, payload).Err()
}

// SubscribeNotices fans-out notices coming from any instance to the
// in-process hub.
func SubscribeNotices(ctx context.Context, rdb *redis.Client, local LocalPublisher) {
	pubsub := rdb.Subscribe(ctx, NoticeChannel)
	defer pubsub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			if err := deliverNotice(ctx, local, m.Payload); err != nil {
				zap.L().Warn("ws.notice_dropped", zap.Error(err))
			}
		}
	}
}

func deliverNotice(ctx context.Context, local LocalPublisher, payload string) error {
	var n hub.Notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return err
	}
	return local.Publish(ctx, n)
}
