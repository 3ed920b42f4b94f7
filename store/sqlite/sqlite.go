// Package sqlite provides a SQLite backed store.Store.
//
// Examples:
//
//	s, err := sqlite.New(ctx, "file:wxauth.s3db")
//
//	s, err := sqlite.New(ctx, ":memory:", sqlstore.WithPrefix("test_"))
package sqlite

import (
	"context"
	"database/sql"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/store/sqlstore"
	"github.com/mattn/go-sqlite3"
)

// New opens a SQLite database and returns a store backed by it. Tables are
// created optimistically.
//
// SQLite serializes writers, and every connection to ":memory:" is a separate
// database, so the pool is limited to a single connection.
func New(ctx context.Context, conn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.WrapPrefix(err, "failed to open sqlite connection", 0)
	}
	db.SetMaxOpenConns(1)
	s, err := sqlstore.New(ctx, db, Dialect{}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MustNew is like New but panics on error.
func MustNew(ctx context.Context, conn string, opts ...sqlstore.Option) *sqlstore.Store {
	s, err := New(ctx, conn, opts...)
	if err != nil {
		panic("failed to initialize sqlite store: " + err.Error())
	}
	return s
}

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Rebind(query string) string { return query }

func (Dialect) BlobType() string { return "BLOB" }

func (Dialect) TranslateError(err error) error {
	return translateError(err)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(store.ErrNotFound, 1)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return errors.Mark(store.ErrAlreadyExists, 1)
	}
	return errors.MaybeWrap(err, 1)
}
