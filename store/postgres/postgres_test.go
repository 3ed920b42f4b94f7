package postgres

import (
	"context"
	"database/sql"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/store/sqlstore"
	"github.com/dpup/wxauth/store/storetests"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs the acceptance suite against a live database when PG_TEST_DSN is set,
// e.g. postgres://postgres@localhost/wxauth_test?sslmode=disable.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	storetests.Run(t, func(clock store.Clock) store.Store {
		prefix := "t" + uuid.NewString()[:8] + "_"
		s, err := New(ctx, dsn, sqlstore.WithClock(clock), sqlstore.WithPrefix(prefix))
		require.NoError(t, err)
		t.Cleanup(func() {
			for _, model := range []any{store.Config{}, store.StateToken{}, store.UserToken{}, store.AuthCode{}, store.AccessToken{}} {
				_, _ = s.DB().Exec("DROP TABLE IF EXISTS " + sqlstore.TableName(prefix, model))
			}
			s.Close()
		})
		return s
	})
}

func TestQueriesAreRebound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	ctx := context.Background()

	s, err := NewFromDB(ctx, db, sqlstore.WithAutoCreateTables(false))
	require.NoError(t, err)

	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, account_id, scope, enabled, is_default, remark, created_at, updated_at FROM wx_configs WHERE account_id = $1")).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "scope", "enabled", "is_default", "remark", "created_at", "updated_at"}).
			AddRow("cfg-1", "acct-1", "snsapi_base", true, false, "", created, created))

	c, err := s.GetConfig(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", c.ID)
	assert.True(t, c.CreatedAt.Equal(time.Unix(0, created)))

	mock.ExpectQuery(regexp.QuoteMeta("FROM wx_configs WHERE account_id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetConfig(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeStateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	ctx := context.Background()

	s, err := NewFromDB(ctx, db, sqlstore.WithAutoCreateTables(false))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wx_state_tokens SET valid = $1, used_at = $2 WHERE value = $3 AND valid = $4 AND expires_at > $5")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = s.ConsumeState(ctx, "already-used")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique", &pq.Error{Code: "23505", Message: "duplicate key"}, store.ErrAlreadyExists},
		{"not null", &pq.Error{Code: "23502", Message: "null value in column"}, store.ErrInvalidModel},
		{"unique message", errors.New(`pq: duplicate key value violates unique constraint "wx_configs_pkey"`), store.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translateError(tt.err), tt.want)
		})
	}
	assert.NoError(t, translateError(nil))
}
