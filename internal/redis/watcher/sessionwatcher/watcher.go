package sessionwatcher

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/redis/sessiontimer"
	"studyhub/internal/services/studysession"
)

// Run listens to key-expiry events and force-ends sessions whose scheduled
// end has passed. Start it once at boot; every process may run one, the
// finalisation lock keeps the work single.
func Run(ctx context.Context, rdb *redis.Client, svc studysession.IStudySessionService) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		zap.L().Warn("sessionwatcher.config_set", zap.Error(err))
	}
	ps := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			handleExpired(ctx, svc, m.Payload)
		}
	}
}

func handleExpired(ctx context.Context, svc studysession.IStudySessionService, key string) {
	id, ok := strings.CutPrefix(key, sessiontimer.TimerKeyPrefix)
	if !ok || id == "" {
		return
	}
	if err := svc.ForceEnd(ctx, id, studysession.ReasonScheduledEnd); err != nil {
		zap.L().Error("sessionwatcher.force_end", zap.String("session", id), zap.Error(err))
	}
}
