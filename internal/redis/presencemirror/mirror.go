package presencemirror

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/hub"
	"studyhub/internal/redis/redis_functions"
)

const callTimeout = 1500 * time.Millisecond

// Mirror copies the hub's presence view into redis so that other processes
// (and syncdb) can read it. Only the latest view matters: MirrorPresence
// overwrites any view the worker has not written yet.
type Mirror struct {
	rdb redis.Cmdable

	mu      sync.Mutex
	pending *hub.PresenceView
	wake    chan struct{}
}

var _ hub.PresenceMirror = (*Mirror)(nil)

func New(rdb redis.Cmdable) *Mirror {
	return &Mirror{rdb: rdb, wake: make(chan struct{}, 1)}
}

// MirrorPresence never blocks; it is called with the hub lock held.
func (m *Mirror) MirrorPresence(view hub.PresenceView) {
	m.mu.Lock()
	m.pending = &view
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run writes pending views until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	view := m.pending
	m.pending = nil
	m.mu.Unlock()
	if view == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := m.write(cctx, *view); err != nil {
		zap.L().Warn("presencemirror.write", zap.Error(err))
	}
}

func (m *Mirror) write(ctx context.Context, view hub.PresenceView) error {
	args := make([]any, 0, 1+2*len(view.LiveGroups))
	args = append(args, strconv.Itoa(view.OnlineCount))
	for _, g := range view.LiveGroups {
		args = append(args, g.GroupID, strconv.Itoa(g.ActiveMemberCount))
	}
	return m.rdb.FCall(ctx, "presence_mirror",
		[]string{redis_functions.PresenceGroupsKey, redis_functions.PresenceOnlineKey},
		args...).Err()
}
