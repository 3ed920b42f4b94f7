// Package memstore implements store.Store in a purely in-memory manner. All
// collections share one lock, so multi-record operations are atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/google/uuid"
)

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithClock overrides the clock used for expiry checks.
func WithClock(c store.Clock) Option {
	return func(s *Store) {
		s.now = c
	}
}

// New returns a store that provides transient, in-memory storage.
func New(opts ...Option) *Store {
	s := &Store{
		now:       store.SystemClock,
		configs:   map[string]*store.Config{},
		states:    map[string]*store.StateToken{},
		users:     map[string]*store.UserToken{},
		codes:     map[string]*store.AuthCode{},
		tokens:    map[string]*store.AccessToken{},
		refreshes: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store is the in-memory backend.
type Store struct {
	mu  sync.RWMutex
	now store.Clock

	configs map[string]*store.Config // by id
	states  map[string]*store.StateToken
	users   map[string]*store.UserToken // by configID + "/" + openID
	codes   map[string]*store.AuthCode
	tokens  map[string]*store.AccessToken // by access value

	// refresh value -> access value
	refreshes map[string]string
}

var _ store.Store = (*Store)(nil)

// Close is a no-op.
func (s *Store) Close() error { return nil }

//
// Configs
//

func (s *Store) GetConfig(_ context.Context, accountID string) (*store.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.AccountID == accountID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errors.Mark(store.ErrNotFound, 0)
}

func (s *Store) GetConfigByID(_ context.Context, id string) (*store.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindUsableConfig(_ context.Context) (*store.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *store.Config
	for _, c := range s.sortedConfigs() {
		if !c.Enabled {
			continue
		}
		if c.IsDefault {
			cp := *c
			return &cp, nil
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback == nil {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	cp := *fallback
	return &cp, nil
}

func (s *Store) SaveConfig(_ context.Context, c *store.Config) error {
	if c.AccountID == "" {
		return errors.Mark(store.ErrInvalidModel, 0).Append("account id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, existing := range s.configs {
		if existing.AccountID != c.AccountID {
			continue
		}
		if c.ID != "" && c.ID != existing.ID {
			return errors.Mark(store.ErrAlreadyExists, 0)
		}
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = now
		cp := *c
		s.configs[c.ID] = &cp
		return nil
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, ok := s.configs[c.ID]; ok {
		return errors.Mark(store.ErrAlreadyExists, 0)
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.configs[c.ID] = &cp
	return nil
}

func (s *Store) SetDefaultConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.configs[id]
	if !ok {
		return errors.Mark(store.ErrNotFound, 0)
	}
	now := s.now()
	for _, c := range s.configs {
		if c.IsDefault {
			c.IsDefault = false
			c.UpdatedAt = now
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	return nil
}

func (s *Store) ListConfigs(_ context.Context) ([]*store.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Config
	for _, c := range s.sortedConfigs() {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return errors.Mark(store.ErrNotFound, 0)
	}
	delete(s.configs, id)
	return nil
}

// Oldest first, ties broken by id. Caller must hold the lock.
func (s *Store) sortedConfigs() []*store.Config {
	out := make([]*store.Config, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

//
// State tokens
//

func (s *Store) CreateState(_ context.Context, st *store.StateToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.Value]; ok {
		return errors.Mark(store.ErrAlreadyExists, 0)
	}
	cp := *st
	s.states[st.Value] = &cp
	return nil
}

func (s *Store) FindUsableState(_ context.Context, value string) (*store.StateToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[value]
	if !ok || !st.IsValidState(s.now()) {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ConsumeState(_ context.Context, value string) (*store.StateToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.states[value]
	if !ok || !st.IsValidState(now) {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	st.MarkAsUsed(now)
	cp := *st
	return &cp, nil
}

func (s *Store) CleanupStates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-store.UsedStateRetention)
	var n int64
	for k, st := range s.states {
		expired := st.ExpiresAt.Before(now)
		stale := !st.Valid && st.UsedAt != nil && st.UsedAt.Before(cutoff)
		if expired || stale {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

//
// User tokens
//

func userKey(configID, openID string) string {
	return configID + "/" + openID
}

func (s *Store) UpsertUserToken(_ context.Context, u *store.UserToken) error {
	if u.OpenID == "" || u.ConfigID == "" {
		return errors.Mark(store.ErrInvalidModel, 0).Append("openid and config id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := userKey(u.ConfigID, u.OpenID)
	if existing, ok := s.users[key]; ok {
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
	} else {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[key] = copyUser(u)
	return nil
}

func (s *Store) FindUserToken(_ context.Context, configID, openID string) (*store.UserToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userKey(configID, openID)]
	if !ok {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	return copyUser(u), nil
}

func (s *Store) FindUserTokenByOpenID(_ context.Context, openID string) (*store.UserToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *store.UserToken
	for _, u := range s.users {
		if u.OpenID != openID {
			continue
		}
		if found == nil || u.UpdatedAt.After(found.UpdatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	return copyUser(found), nil
}

func (s *Store) CleanupUserTokens(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-store.UserTokenRetention)
	var n int64
	for k, u := range s.users {
		if u.AccessTokenExpiresAt.Before(now) && u.UpdatedAt.Before(cutoff) {
			delete(s.users, k)
			n++
		}
	}
	return n, nil
}

func copyUser(u *store.UserToken) *store.UserToken {
	cp := *u
	cp.Privileges = append([]string(nil), u.Privileges...)
	cp.RawData = append([]byte(nil), u.RawData...)
	return &cp
}

//
// Local grants
//

func (s *Store) CreateAuthCode(_ context.Context, c *store.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[c.Code]; ok {
		return errors.Mark(store.ErrAlreadyExists, 0)
	}
	cp := *c
	s.codes[c.Code] = &cp
	return nil
}

func (s *Store) GetAuthCode(_ context.Context, code string) (*store.AuthCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) RedeemAuthCode(_ context.Context, code string, t *store.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return errors.Mark(store.ErrNotFound, 0)
	}
	if c.Used {
		return errors.Mark(store.ErrConflict, 0)
	}
	if err := s.insertToken(t); err != nil {
		return err
	}
	c.Used = true
	return nil
}

func (s *Store) CreateAccessToken(_ context.Context, t *store.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertToken(t)
}

// Caller must hold the write lock.
func (s *Store) insertToken(t *store.AccessToken) error {
	if _, ok := s.tokens[t.AccessToken]; ok {
		return errors.Mark(store.ErrAlreadyExists, 0)
	}
	if t.RefreshToken != "" {
		if _, ok := s.refreshes[t.RefreshToken]; ok {
			return errors.Mark(store.ErrAlreadyExists, 0)
		}
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tokens[t.AccessToken] = copyToken(t)
	if t.RefreshToken != "" {
		s.refreshes[t.RefreshToken] = t.AccessToken
	}
	return nil
}

func (s *Store) GetAccessToken(_ context.Context, accessToken string) (*store.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[accessToken]
	if !ok {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	return copyToken(t), nil
}

func (s *Store) GetAccessTokenByRefresh(_ context.Context, refreshToken string) (*store.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	access, ok := s.refreshes[refreshToken]
	if !ok {
		return nil, errors.Mark(store.ErrNotFound, 0)
	}
	return copyToken(s.tokens[access]), nil
}

func (s *Store) RotateAccessToken(_ context.Context, refreshToken string, next *store.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, ok := s.refreshes[refreshToken]
	if !ok {
		return errors.Mark(store.ErrNotFound, 0)
	}
	old := s.tokens[access]
	if old.Revoked {
		return errors.Mark(store.ErrConflict, 0)
	}
	if err := s.insertToken(next); err != nil {
		return err
	}
	old.Revoked = true
	old.UpdatedAt = s.now()
	return nil
}

func (s *Store) RevokeAccessToken(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[accessToken]
	if !ok {
		return errors.Mark(store.ErrNotFound, 0)
	}
	if !t.Revoked {
		t.Revoked = true
		t.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) CleanupAuthCodes(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, c := range s.codes {
		if c.Used || c.ExpiresAt.Before(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupAccessTokens(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, t := range s.tokens {
		if t.Revoked || tokenExhausted(t, now) {
			delete(s.tokens, k)
			if t.RefreshToken != "" {
				delete(s.refreshes, t.RefreshToken)
			}
			n++
		}
	}
	return n, nil
}

// The access part has expired and no refresh remains usable.
func tokenExhausted(t *store.AccessToken, now time.Time) bool {
	if !t.AccessTokenExpiresAt.Before(now) {
		return false
	}
	if t.RefreshToken == "" {
		return true
	}
	return t.RefreshTokenExpiresAt != nil && t.RefreshTokenExpiresAt.Before(now)
}

func copyToken(t *store.AccessToken) *store.AccessToken {
	cp := *t
	if t.RefreshTokenExpiresAt != nil {
		exp := *t.RefreshTokenExpiresAt
		cp.RefreshTokenExpiresAt = &exp
	}
	return &cp
}
