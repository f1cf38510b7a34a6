package syncdb

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/redis/redis_functions"
)

const readTimeout = 1500 * time.Millisecond

// Run copies the mirrored presence view into groups.active_members and
// groups.is_live every interval.
func Run(ctx context.Context, rdc redis.Cmdable, db *sql.DB, interval time.Duration) {
	tk := time.NewTicker(interval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				if err := syncOnce(ctx, rdc, db); err != nil {
					zap.L().Error("syncdb.sync", zap.Error(err))
				}
			}
		}
	}()
}

func syncOnce(ctx context.Context, rdc redis.Cmdable, db *sql.DB) error {
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	data, err := rdc.HGetAll(rctx, redis_functions.PresenceGroupsKey).Result()
	cancel()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// groups nobody is in any more
	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET active_members = 0, is_live = FALSE
		  WHERE (is_live OR active_members <> 0) AND NOT (id = ANY($1::text[]))`,
		ids); err != nil {
		return err
	}

	const upd = `UPDATE groups SET active_members = $2, is_live = $2 > 0 WHERE id = $1`
	for _, id := range ids {
		n, err := strconv.Atoi(data[id])
		if err != nil {
			zap.L().Warn("syncdb.bad_count", zap.String("group", id), zap.String("value", data[id]))
			continue
		}
		if _, err := tx.ExecContext(ctx, upd, id, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}
