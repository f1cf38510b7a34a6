package syncdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arrayArgs lets string slices through to the expectations untouched, the
// way the pgx driver accepts them.
type arrayArgs struct{}

func (arrayArgs) ConvertValue(v any) (driver.Value, error) {
	if ss, ok := v.([]string); ok {
		return ss, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayArgs{}))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestSyncOnce(t *testing.T) {
	rdb, rmock := redismock.NewClientMock()
	db, mock := newMockDB(t)

	rmock.ExpectHGetAll("presence:groups").SetVal(map[string]string{"g2": "1", "g1": "3"})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET active_members = 0, is_live = FALSE")).
		WithArgs([]string{"g1", "g2"}).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("SET active_members = $2, is_live = $2 > 0")).
		WithArgs("g1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET active_members = $2, is_live = $2 > 0")).
		WithArgs("g2", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, syncOnce(context.Background(), rdb, db))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, rmock.ExpectationsWereMet())
}

func TestSyncOnce_NobodyOnline(t *testing.T) {
	rdb, rmock := redismock.NewClientMock()
	db, mock := newMockDB(t)

	rmock.ExpectHGetAll("presence:groups").SetVal(map[string]string{})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET active_members = 0")).
		WithArgs([]string{}).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, syncOnce(context.Background(), rdb, db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncOnce_RedisError(t *testing.T) {
	rdb, rmock := redismock.NewClientMock()
	db, mock := newMockDB(t)

	rmock.ExpectHGetAll("presence:groups").SetErr(errors.New("LOADING"))

	assert.Error(t, syncOnce(context.Background(), rdb, db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
