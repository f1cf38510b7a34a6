package sessiontimer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/services/studysession"
)

const (
	// TimerKeyPrefix marks keys whose expiry means "scheduled end reached".
	TimerKeyPrefix = "sess_t:"
	lockKeyPrefix  = "sess_lock:"
	lockTTL        = 5 * time.Second
	minTTL         = time.Second
)

// Timers arms scheduled-end deadlines as expiring redis keys and hands out
// the per-session finalisation lock.
type Timers struct {
	rdb redis.Cmdable
	now func() time.Time
}

var (
	_ studysession.Timer  = (*Timers)(nil)
	_ studysession.Locker = (*Timers)(nil)
)

func New(rdb redis.Cmdable) *Timers {
	return &Timers{rdb: rdb, now: time.Now}
}

// Arm sets the deadline key; a deadline already in the past fires almost
// immediately.
func (t *Timers) Arm(ctx context.Context, sessionID string, at time.Time) error {
	ttl := at.Sub(t.now())
	if ttl < minTTL {
		ttl = minTTL
	}
	return t.rdb.Set(ctx, TimerKeyPrefix+sessionID, 1, ttl).Err()
}

func (t *Timers) Disarm(ctx context.Context, sessionID string) error {
	return t.rdb.Del(ctx, TimerKeyPrefix+sessionID).Err()
}

// TryLock makes sure only one process finalises a session at a time. A
// redis failure is returned as an error, never as a held lock.
func (t *Timers) TryLock(ctx context.Context, sessionID string) (func(), bool, error) {
	key := lockKeyPrefix + sessionID
	ok, err := t.rdb.SetNX(ctx, key, 1, lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := t.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
			zap.L().Warn("sessiontimer.unlock", zap.String("session", sessionID), zap.Error(err))
		}
	}, true, nil
}
