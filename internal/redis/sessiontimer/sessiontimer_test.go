package sessiontimer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimers() (*Timers, redismock.ClientMock, time.Time) {
	rdb, mock := redismock.NewClientMock()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tm := New(rdb)
	tm.now = func() time.Time { return now }
	return tm, mock, now
}

func TestArm(t *testing.T) {
	tm, mock, now := newTimers()

	mock.ExpectSet("sess_t:s1", 1, 45*time.Minute).SetVal("OK")
	require.NoError(t, tm.Arm(context.Background(), "s1", now.Add(45*time.Minute)))

	mock.ExpectSet("sess_t:s2", 1, time.Second).SetVal("OK")
	require.NoError(t, tm.Arm(context.Background(), "s2", now.Add(-time.Hour)))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisarm(t *testing.T) {
	tm, mock, _ := newTimers()
	mock.ExpectDel("sess_t:s1").SetVal(1)
	require.NoError(t, tm.Disarm(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryLock(t *testing.T) {
	tm, mock, _ := newTimers()
	ctx := context.Background()

	mock.ExpectSetNX("sess_lock:s1", 1, 5*time.Second).SetVal(true)
	mock.ExpectSetNX("sess_lock:s1", 1, 5*time.Second).SetVal(false)
	mock.ExpectDel("sess_lock:s1").SetVal(1)

	release, ok, err := tm.TryLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	_, again, err := tm.TryLock(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, again)
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryLock_RedisDown(t *testing.T) {
	tm, mock, _ := newTimers()
	down := errors.New("connection refused")
	mock.ExpectSetNX("sess_lock:s1", 1, 5*time.Second).SetErr(down)

	release, ok, err := tm.TryLock(context.Background(), "s1")
	assert.ErrorIs(t, err, down)
	assert.False(t, ok)
	assert.Nil(t, release)
	assert.NoError(t, mock.ExpectationsWereMet())
}
