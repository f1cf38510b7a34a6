package syncmsg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/hub"
)

const (
	stream    = "messages_stream"
	streamCap = 100_000
)

// Sink appends accepted session messages to the redis stream. The hub calls
// it after releasing its lock, so a slow redis never stalls the coordinator.
type Sink struct {
	rdc redis.Cmdable
}

var _ hub.MessageSink = (*Sink)(nil)

func NewSink(rdc redis.Cmdable) *Sink { return &Sink{rdc: rdc} }

func (s *Sink) Append(ctx context.Context, msg hub.ChatMessage) error {
	return s.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamCap,
		Approx: true,
		Values: []any{
			"room", string(msg.Room),
			"from", string(msg.From),
			"body", msg.Body,
			"at", strconv.FormatInt(msg.SentAt.UnixMilli(), 10),
		},
	}).Err()
}

// Run tails the stream and persists every message. Entries are keyed by
// their stream id, so replaying from the start after a restart is harmless.
func Run(ctx context.Context, rdc redis.Cmdable, db *sql.DB) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   100,
				Block:   2 * time.Second,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("syncmsg.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				continue
			}
			entries := res[0].Messages
			if err := persist(ctx, db, entries); err != nil {
				zap.L().Error("syncmsg.persist", zap.Int("entries", len(entries)), zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			lastID = entries[len(entries)-1].ID
		}
	}()
}

func persist(ctx context.Context, db *sql.DB, msgs []redis.XMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const ins = `INSERT INTO messages (id, room, sender_id, body, sent_at)
	             VALUES ($1, $2, $3, $4, $5)
	             ON CONFLICT (id) DO NOTHING`
	for _, m := range msgs {
		msg, err := decode(m)
		if err != nil {
			zap.L().Warn("syncmsg.decode", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, m.ID, string(msg.Room), string(msg.From), msg.Body, msg.SentAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func decode(m redis.XMessage) (hub.ChatMessage, error) {
	field := func(k string) (string, error) {
		v, ok := m.Values[k].(string)
		if !ok {
			return "", fmt.Errorf("missing field %q", k)
		}
		return v, nil
	}
	var (
		msg hub.ChatMessage
		err error
		s   string
	)
	if s, err = field("room"); err != nil {
		return msg, err
	}
	msg.Room = hub.RoomName(s)
	if s, err = field("from"); err != nil {
		return msg, err
	}
	msg.From = hub.Identity(s)
	if msg.Body, err = field("body"); err != nil {
		return msg, err
	}
	if s, err = field("at"); err != nil {
		return msg, err
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return msg, fmt.Errorf("bad timestamp: %w", err)
	}
	msg.SentAt = time.UnixMilli(ms).UTC()
	return msg, nil
}
