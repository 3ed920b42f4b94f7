// Package redisstate implements store.StateStore on Redis, for deployments
// where several bridge instances share state tokens. Keys expire natively, so
// CleanupStates has nothing to do.
package redisstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "wxauth:"

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock overrides the clock used for validity checks.
func WithClock(c store.Clock) Option {
	return func(s *Store) {
		s.now = c
	}
}

// New returns a state store backed by an existing client. The client's
// lifecycle belongs to the caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    store.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the Redis server at url, e.g. redis://localhost:6379/0,
// and verifies the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WrapPrefix(err, "redisstate: invalid url", 0)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapPrefix(err, "redisstate: failed to connect", 0)
	}
	return New(client, opts...), nil
}

// Store is the Redis state backend.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    store.Clock
}

var _ store.StateStore = (*Store)(nil)

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type storedState struct {
	Value     string     `json:"value"`
	ConfigID  string     `json:"config_id"`
	SessionID string     `json:"session_id,omitempty"`
	Valid     bool       `json:"valid"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Store) stateKey(value string) string {
	return s.prefix + "state:" + value
}

func (s *Store) usedKey(value string) string {
	return s.prefix + "state-used:" + value
}

// Keys live until expiry plus the used-token retention window.
func (s *Store) ttl(st *store.StateToken) time.Duration {
	ttl := st.ExpiresAt.Sub(s.now()) + store.UsedStateRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Store) CreateState(ctx context.Context, st *store.StateToken) error {
	data, err := json.Marshal(storedState(*st))
	if err != nil {
		return errors.Wrap(err, 0)
	}
	ok, err := s.client.SetNX(ctx, s.stateKey(st.Value), data, s.ttl(st)).Result()
	if err != nil {
		return errors.Wrap(err, 0)
	}
	if !ok {
		return errors.Mark(store.ErrAlreadyExists, 0)
	}
	return nil
}

func (s *Store) FindUsableState(ctx context.Context, value string) (*store.StateToken, error) {
	st, err := s.get(ctx, value)
	if err != nil {
		return nil, err
	}
	if !st.IsValidState(s.now()) {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	used, err := s.client.Exists(ctx, s.usedKey(value)).Result()
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if used > 0 {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	return st, nil
}

// ConsumeState claims the token with SETNX on a marker key, so of several
// concurrent consumers only the one that creates the marker succeeds.
func (s *Store) ConsumeState(ctx context.Context, value string) (*store.StateToken, error) {
	st, err := s.get(ctx, value)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !st.IsValidState(now) {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}

	claimed, err := s.client.SetNX(ctx, s.usedKey(value), now.UnixNano(), s.ttl(st)).Result()
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if !claimed {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}

	st.MarkAsUsed(now)
	data, err := json.Marshal(storedState(*st))
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if err := s.client.Set(ctx, s.stateKey(value), data, redis.KeepTTL).Err(); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return st, nil
}

// CleanupStates always reports zero; Redis expires keys itself.
func (s *Store) CleanupStates(_ context.Context) (int64, error) {
	return 0, nil
}

func (s *Store) get(ctx context.Context, value string) (*store.StateToken, error) {
	data, err := s.client.Get(ctx, s.stateKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Mark(store.ErrNotFound, 0)
	} else if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	var stored storedState
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Mark(store.ErrInvalidModel, 0).Append(err.Error())
	}
	st := store.StateToken(stored)
	return &st, nil
}
