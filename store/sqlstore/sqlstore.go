// Package sqlstore implements store.Store on top of database/sql. The sqlite
// and postgres packages supply a Dialect and a driver connection; the queries
// are shared and written with `?` placeholders that the dialect rebinds.
//
// Timestamps are stored as UTC unix nanoseconds so that expiry comparisons are
// exact and behave the same on every driver.
//
//nolint:gosec // Reports on G202. SQL string concat used to parameterize table.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	pluralize "github.com/gertd/go-pluralize"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

var pluralizer = pluralize.NewClient()

// Dialect captures the differences between SQL backends.
type Dialect interface {
	// Name of the dialect, used in error messages.
	Name() string

	// Rebind converts `?` placeholders to the dialect's bind syntax.
	Rebind(query string) string

	// TranslateError maps driver errors onto store errors.
	TranslateError(err error) error

	// BlobType is the column type used for raw JSON payloads.
	BlobType() string
}

// TableName returns the table used for a model, e.g. StateToken with prefix
// "wx_" becomes "wx_state_tokens".
func TableName(prefix string, model any) string {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return prefix + pluralizer.Plural(strcase.ToSnake(t.Name()))
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithPrefix overrides the default prefix for table names.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(c store.Clock) Option {
	return func(s *Store) {
		s.now = c
	}
}

// WithCleanupBatchSize bounds the number of rows removed per delete statement.
func WithCleanupBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithAutoCreateTables controls whether tables and indexes are created on
// initialization. Disable when the schema is managed separately.
func WithAutoCreateTables(autoCreate bool) Option {
	return func(s *Store) {
		s.autoCreateTables = autoCreate
	}
}

// New wraps an open database. Tables are created optimistically unless
// disabled.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:               db,
		dialect:          dialect,
		prefix:           "wx_",
		now:              store.SystemClock,
		batchSize:        1000,
		autoCreateTables: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.configs = TableName(s.prefix, store.Config{})
	s.states = TableName(s.prefix, store.StateToken{})
	s.users = TableName(s.prefix, store.UserToken{})
	s.codes = TableName(s.prefix, store.AuthCode{})
	s.tokens = TableName(s.prefix, store.AccessToken{})

	if s.autoCreateTables {
		if err := s.ensureTables(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Store is the SQL backend.
type Store struct {
	db               *sql.DB
	dialect          Dialect
	prefix           string
	now              store.Clock
	batchSize        int
	autoCreateTables bool

	configs, states, users, codes, tokens string
}

var _ store.Store = (*Store)(nil)

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.configs + ` (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			scope TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			is_default BOOLEAN NOT NULL,
			remark TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.states + ` (
			value TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			valid BOOLEAN NOT NULL,
			used_at BIGINT,
			expires_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.states + `_expires_at_idx ON ` + s.states + ` (expires_at)`,
		`CREATE TABLE IF NOT EXISTS ` + s.users + ` (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			open_id TEXT NOT NULL,
			union_id TEXT NOT NULL,
			nickname TEXT NOT NULL,
			sex INTEGER NOT NULL,
			province TEXT NOT NULL,
			city TEXT NOT NULL,
			country TEXT NOT NULL,
			head_img_url TEXT NOT NULL,
			privileges TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_in INTEGER NOT NULL,
			access_token_expires_at BIGINT NOT NULL,
			scope TEXT NOT NULL,
			raw_data ` + s.dialect.BlobType() + `,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (config_id, open_id)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.users + `_open_id_idx ON ` + s.users + ` (open_id)`,
		`CREATE TABLE IF NOT EXISTS ` + s.codes + ` (
			code TEXT PRIMARY KEY,
			open_id TEXT NOT NULL,
			union_id TEXT NOT NULL,
			redirect_uri TEXT NOT NULL,
			scope TEXT NOT NULL,
			state TEXT NOT NULL,
			account_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			used BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.tokens + ` (
			access_token TEXT PRIMARY KEY,
			refresh_token TEXT UNIQUE,
			open_id TEXT NOT NULL,
			union_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			account_id TEXT NOT NULL,
			access_token_expires_at BIGINT NOT NULL,
			refresh_token_expires_at BIGINT,
			revoked BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapPrefix(err, s.dialect.Name()+": failed to create tables", 0)
		}
	}
	return nil
}

//
// Helpers
//

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, s.dialect.TranslateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, 0)
	}
	return n, nil
}

// Runs fn in a transaction, committing only if it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dialect.TranslateError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return s.dialect.TranslateError(err)
	}
	return nil
}

// Deletes rows matching where in batches keyed by key, until a short batch.
func (s *Store) deleteBatched(ctx context.Context, table, key, where string, args ...any) (int64, error) {
	query := "DELETE FROM " + table + " WHERE " + key + " IN (SELECT " + key + " FROM " + table +
		" WHERE " + where + " LIMIT ?)"
	var total int64
	for {
		n, err := s.exec(ctx, s.db, query, append(append([]any{}, args...), s.batchSize)...)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, errors.Wrap(err, 0)
		}
	}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Rebind replaces `?` placeholders with `$1`, `$2`, ... for postgres style
// drivers. Queries must not contain literal question marks.
func Rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

//
// Configs
//

const configColumns = "id, account_id, scope, enabled, is_default, remark, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (*store.Config, error) {
	var c store.Config
	var created, updated int64
	if err := row.Scan(&c.ID, &c.AccountID, &c.Scope, &c.Enabled, &c.IsDefault, &c.Remark, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *Store) queryConfig(ctx context.Context, where string, args ...any) (*store.Config, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+configColumns+" FROM "+s.configs+" WHERE "+where), args...)
	c, err := scanConfig(row)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	return c, nil
}

func (s *Store) GetConfig(ctx context.Context, accountID string) (*store.Config, error) {
	return s.queryConfig(ctx, "account_id = ?", accountID)
}

func (s *Store) GetConfigByID(ctx context.Context, id string) (*store.Config, error) {
	return s.queryConfig(ctx, "id = ?", id)
}

func (s *Store) FindUsableConfig(ctx context.Context) (*store.Config, error) {
	return s.queryConfig(ctx, "enabled = ? ORDER BY is_default DESC, created_at ASC, id ASC LIMIT 1", true)
}

func (s *Store) SaveConfig(ctx context.Context, c *store.Config) error {
	if c.AccountID == "" {
		return errors.Mark(store.ErrInvalidModel, 0).Append("account id required")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var id string
		var created int64
		err := tx.QueryRowContext(ctx, s.dialect.Rebind("SELECT id, created_at FROM "+s.configs+" WHERE account_id = ?"), c.AccountID).
			Scan(&id, &created)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.CreatedAt = now
			c.UpdatedAt = now
			_, err = s.exec(ctx, tx, "INSERT INTO "+s.configs+" ("+configColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
				c.ID, c.AccountID, c.Scope, c.Enabled, c.IsDefault, c.Remark, toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
			return err
		case err != nil:
			return s.dialect.TranslateError(err)
		}

		if c.ID != "" && c.ID != id {
			return errors.Mark(store.ErrAlreadyExists, 0)
		}
		c.ID = id
		c.CreatedAt = fromNanos(created)
		c.UpdatedAt = now
		_, err = s.exec(ctx, tx, "UPDATE "+s.configs+" SET scope = ?, enabled = ?, is_default = ?, remark = ?, updated_at = ? WHERE id = ?",
			c.Scope, c.Enabled, c.IsDefault, c.Remark, toNanos(now), c.ID)
		return err
	})
}

func (s *Store) SetDefaultConfig(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())
		if _, err := s.exec(ctx, tx, "UPDATE "+s.configs+" SET is_default = ?, updated_at = ? WHERE is_default = ? AND id <> ?",
			false, now, true, id); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, "UPDATE "+s.configs+" SET is_default = ?, updated_at = ? WHERE id = ?", true, now, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Mark(store.ErrNotFound, 0)
		}
		return nil
	})
}

func (s *Store) ListConfigs(ctx context.Context) ([]*store.Config, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+configColumns+" FROM "+s.configs+" ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	defer rows.Close()

	var out []*store.Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, s.dialect.TranslateError(err)
		}
		out = append(out, c)
	}
	return out, s.dialect.TranslateError(rows.Err())
}

func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.db, "DELETE FROM "+s.configs+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Mark(store.ErrNotFound, 0)
	}
	return nil
}

//
// State tokens
//

const stateColumns = "value, config_id, session_id, valid, used_at, expires_at, created_at"

func scanState(row scanner) (*store.StateToken, error) {
	var st store.StateToken
	var used sql.NullInt64
	var expires, created int64
	if err := row.Scan(&st.Value, &st.ConfigID, &st.SessionID, &st.Valid, &used, &expires, &created); err != nil {
		return nil, err
	}
	st.UsedAt = fromNullNanos(used)
	st.ExpiresAt = fromNanos(expires)
	st.CreatedAt = fromNanos(created)
	return &st, nil
}

func (s *Store) CreateState(ctx context.Context, st *store.StateToken) error {
	_, err := s.exec(ctx, s.db, "INSERT INTO "+s.states+" ("+stateColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		st.Value, st.ConfigID, st.SessionID, st.Valid, toNullNanos(st.UsedAt), toNanos(st.ExpiresAt), toNanos(st.CreatedAt))
	return err
}

func (s *Store) FindUsableState(ctx context.Context, value string) (*store.StateToken, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+stateColumns+" FROM "+s.states+
		" WHERE value = ? AND valid = ? AND expires_at > ?"), value, true, toNanos(s.now()))
	st, err := scanState(row)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	return st, nil
}

func (s *Store) ConsumeState(ctx context.Context, value string) (*store.StateToken, error) {
	var st *store.StateToken
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())
		n, err := s.exec(ctx, tx, "UPDATE "+s.states+" SET valid = ?, used_at = ? WHERE value = ? AND valid = ? AND expires_at > ?",
			false, now, value, true, now)
		if err != nil {
			return err
		}
		if n != 1 {
			return errors.Mark(store.ErrNotFound, 0)
		}
		st, err = scanState(tx.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+stateColumns+" FROM "+s.states+" WHERE value = ?"), value))
		return s.dialect.TranslateError(err)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) CleanupStates(ctx context.Context) (int64, error) {
	now := s.now()
	return s.deleteBatched(ctx, s.states, "value",
		"expires_at < ? OR (valid = ? AND used_at < ?)",
		toNanos(now), false, toNanos(now.Add(-store.UsedStateRetention)))
}

//
// User tokens
//

const userColumns = "id, config_id, open_id, union_id, nickname, sex, province, city, country, head_img_url, " +
	"privileges, access_token, refresh_token, expires_in, access_token_expires_at, scope, raw_data, created_at, updated_at"

func scanUser(row scanner) (*store.UserToken, error) {
	var u store.UserToken
	var privileges string
	var raw []byte
	var expires, created, updated int64
	if err := row.Scan(&u.ID, &u.ConfigID, &u.OpenID, &u.UnionID, &u.Nickname, &u.Sex, &u.Province, &u.City,
		&u.Country, &u.HeadImgURL, &privileges, &u.AccessToken, &u.RefreshToken, &u.ExpiresIn, &expires,
		&u.Scope, &raw, &created, &updated); err != nil {
		return nil, err
	}
	if privileges != "" {
		if err := json.Unmarshal([]byte(privileges), &u.Privileges); err != nil {
			return nil, errors.Mark(store.ErrInvalidModel, 0).Append(err.Error())
		}
	}
	if len(raw) > 0 {
		u.RawData = append(json.RawMessage(nil), raw...)
	}
	u.AccessTokenExpiresAt = fromNanos(expires)
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func (s *Store) UpsertUserToken(ctx context.Context, u *store.UserToken) error {
	if u.OpenID == "" || u.ConfigID == "" {
		return errors.Mark(store.ErrInvalidModel, 0).Append("openid and config id required")
	}
	privileges, err := json.Marshal(u.Privileges)
	if err != nil {
		return errors.Mark(store.ErrInvalidModel, 0).Append(err.Error())
	}
	if u.Privileges == nil {
		privileges = []byte("[]")
	}
	var raw []byte
	if len(u.RawData) > 0 {
		raw = u.RawData
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		id := u.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := s.exec(ctx, tx, "INSERT INTO "+s.users+" ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (config_id, open_id) DO UPDATE SET union_id = excluded.union_id, nickname = excluded.nickname, "+
			"sex = excluded.sex, province = excluded.province, city = excluded.city, country = excluded.country, "+
			"head_img_url = excluded.head_img_url, privileges = excluded.privileges, access_token = excluded.access_token, "+
			"refresh_token = excluded.refresh_token, expires_in = excluded.expires_in, "+
			"access_token_expires_at = excluded.access_token_expires_at, scope = excluded.scope, "+
			"raw_data = excluded.raw_data, updated_at = excluded.updated_at",
			id, u.ConfigID, u.OpenID, u.UnionID, u.Nickname, int(u.Sex), u.Province, u.City, u.Country, u.HeadImgURL,
			string(privileges), u.AccessToken, u.RefreshToken, u.ExpiresIn, toNanos(u.AccessTokenExpiresAt), u.Scope,
			raw, toNanos(now), toNanos(now))
		if err != nil {
			return err
		}

		var created int64
		err = tx.QueryRowContext(ctx, s.dialect.Rebind("SELECT id, created_at FROM "+s.users+" WHERE config_id = ? AND open_id = ?"),
			u.ConfigID, u.OpenID).Scan(&u.ID, &created)
		if err != nil {
			return s.dialect.TranslateError(err)
		}
		u.CreatedAt = fromNanos(created)
		u.UpdatedAt = now
		return nil
	})
}

func (s *Store) FindUserToken(ctx context.Context, configID, openID string) (*store.UserToken, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+userColumns+" FROM "+s.users+
		" WHERE config_id = ? AND open_id = ?"), configID, openID)
	u, err := scanUser(row)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	return u, nil
}

func (s *Store) FindUserTokenByOpenID(ctx context.Context, openID string) (*store.UserToken, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+userColumns+" FROM "+s.users+
		" WHERE open_id = ? ORDER BY updated_at DESC LIMIT 1"), openID)
	u, err := scanUser(row)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	return u, nil
}

func (s *Store) CleanupUserTokens(ctx context.Context) (int64, error) {
	now := s.now()
	return s.deleteBatched(ctx, s.users, "id",
		"access_token_expires_at < ? AND updated_at < ?",
		toNanos(now), toNanos(now.Add(-store.UserTokenRetention)))
}

//
// Local grants
//

const codeColumns = "code, open_id, union_id, redirect_uri, scope, state, account_id, expires_at, used, created_at"

const tokenColumns = "access_token, refresh_token, open_id, union_id, scope, account_id, access_token_expires_at, " +
	"refresh_token_expires_at, revoked, created_at, updated_at"

func scanToken(row scanner) (*store.AccessToken, error) {
	var t store.AccessToken
	var refresh sql.NullString
	var refreshExp sql.NullInt64
	var accessExp, created, updated int64
	if err := row.Scan(&t.AccessToken, &refresh, &t.OpenID, &t.UnionID, &t.Scope, &t.AccountID, &accessExp,
		&refreshExp, &t.Revoked, &created, &updated); err != nil {
		return nil, err
	}
	t.RefreshToken = refresh.String
	t.AccessTokenExpiresAt = fromNanos(accessExp)
	t.RefreshTokenExpiresAt = fromNullNanos(refreshExp)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}

func (s *Store) CreateAuthCode(ctx context.Context, c *store.AuthCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, s.db, "INSERT INTO "+s.codes+" ("+codeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.Code, c.OpenID, c.UnionID, c.RedirectURI, c.Scope, c.State, c.AccountID, toNanos(c.ExpiresAt), c.Used, toNanos(c.CreatedAt))
	return err
}

func (s *Store) GetAuthCode(ctx context.Context, code string) (*store.AuthCode, error) {
	var c store.AuthCode
	var expires, created int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+codeColumns+" FROM "+s.codes+" WHERE code = ?"), code).
		Scan(&c.Code, &c.OpenID, &c.UnionID, &c.RedirectURI, &c.Scope, &c.State, &c.AccountID, &expires, &c.Used, &created)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	c.ExpiresAt = fromNanos(expires)
	c.CreatedAt = fromNanos(created)
	return &c, nil
}

func (s *Store) RedeemAuthCode(ctx context.Context, code string, t *store.AccessToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, "UPDATE "+s.codes+" SET used = ? WHERE code = ? AND used = ?", true, code, false)
		if err != nil {
			return err
		}
		if n != 1 {
			return errors.Mark(store.ErrConflict, 0)
		}
		return s.insertToken(ctx, tx, t)
	})
}

func (s *Store) CreateAccessToken(ctx context.Context, t *store.AccessToken) error {
	return s.insertToken(ctx, s.db, t)
}

func (s *Store) insertToken(ctx context.Context, q execer, t *store.AccessToken) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.exec(ctx, q, "INSERT INTO "+s.tokens+" ("+tokenColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.AccessToken, nullString(t.RefreshToken), t.OpenID, t.UnionID, t.Scope, t.AccountID,
		toNanos(t.AccessTokenExpiresAt), toNullNanos(t.RefreshTokenExpiresAt), t.Revoked, toNanos(t.CreatedAt), toNanos(t.UpdatedAt))
	return err
}

func (s *Store) GetAccessToken(ctx context.Context, accessToken string) (*store.AccessToken, error) {
	return s.queryToken(ctx, "access_token = ?", accessToken)
}

func (s *Store) GetAccessTokenByRefresh(ctx context.Context, refreshToken string) (*store.AccessToken, error) {
	return s.queryToken(ctx, "refresh_token = ?", refreshToken)
}

func (s *Store) queryToken(ctx context.Context, where string, args ...any) (*store.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT "+tokenColumns+" FROM "+s.tokens+" WHERE "+where), args...)
	t, err := scanToken(row)
	if err != nil {
		return nil, s.dialect.TranslateError(err)
	}
	return t, nil
}

func (s *Store) RotateAccessToken(ctx context.Context, refreshToken string, next *store.AccessToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, "UPDATE "+s.tokens+" SET revoked = ?, updated_at = ? WHERE refresh_token = ? AND revoked = ?",
			true, toNanos(s.now()), refreshToken, false)
		if err != nil {
			return err
		}
		if n != 1 {
			return errors.Mark(store.ErrConflict, 0)
		}
		return s.insertToken(ctx, tx, next)
	})
}

func (s *Store) RevokeAccessToken(ctx context.Context, accessToken string) error {
	n, err := s.exec(ctx, s.db, "UPDATE "+s.tokens+" SET revoked = ?, updated_at = ? WHERE access_token = ?",
		true, toNanos(s.now()), accessToken)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Mark(store.ErrNotFound, 0)
	}
	return nil
}

func (s *Store) CleanupAuthCodes(ctx context.Context) (int64, error) {
	return s.deleteBatched(ctx, s.codes, "code", "used = ? OR expires_at < ?", true, toNanos(s.now()))
}

func (s *Store) CleanupAccessTokens(ctx context.Context) (int64, error) {
	now := toNanos(s.now())
	return s.deleteBatched(ctx, s.tokens, "access_token",
		"revoked = ? OR (access_token_expires_at < ? AND (refresh_token IS NULL OR refresh_token_expires_at < ?))",
		true, now, now)
}
