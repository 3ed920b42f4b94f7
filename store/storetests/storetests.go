// Package storetests provides common acceptance tests for store
// implementations.
package storetests

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch is the starting time of every FakeClock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock returns a clock set to Epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{t: Epoch}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Run executes the full suite against a backend.
func Run(t *testing.T, newStore func(clock store.Clock) store.Store) {
	RunConfigs(t, func(c store.Clock) store.ConfigStore { return newStore(c) })
	RunStates(t, func(c store.Clock) store.StateStore { return newStore(c) })
	RunUserTokens(t, func(c store.Clock) store.UserTokenStore { return newStore(c) })
	RunGrants(t, func(c store.Clock) store.GrantStore { return newStore(c) })
}

//nolint:funlen // This is a test helper.
func RunConfigs(t *testing.T, newStore func(clock store.Clock) store.ConfigStore) {
	ctx := context.Background()

	t.Run("TestConfigSaveAndGet", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		c := &store.Config{AccountID: "acct-1", Scope: "snsapi_userinfo", Enabled: true, Remark: "main"}
		require.NoError(t, s.SaveConfig(ctx, c))
		assert.NotEmpty(t, c.ID, "id should be assigned")

		got, err := s.GetConfig(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, "snsapi_userinfo", got.Scope)
		assert.True(t, got.Enabled)
		assert.Equal(t, "main", got.Remark)
		assert.True(t, got.CreatedAt.Equal(Epoch))

		byID, err := s.GetConfigByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "acct-1", byID.AccountID)

		_, err = s.GetConfig(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetConfigByID(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestConfigSaveUpdatesByAccount", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		first := &store.Config{AccountID: "acct-1", Scope: "snsapi_base", Enabled: true}
		require.NoError(t, s.SaveConfig(ctx, first))

		clock.Advance(time.Minute)
		second := &store.Config{AccountID: "acct-1", Scope: "snsapi_userinfo", Enabled: false}
		require.NoError(t, s.SaveConfig(ctx, second))
		assert.Equal(t, first.ID, second.ID, "one config per account")

		got, err := s.GetConfig(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "snsapi_userinfo", got.Scope)
		assert.False(t, got.Enabled)
		assert.True(t, got.CreatedAt.Equal(Epoch))
		assert.True(t, got.UpdatedAt.Equal(Epoch.Add(time.Minute)))

		clash := &store.Config{ID: "other-id", AccountID: "acct-1"}
		assert.ErrorIs(t, s.SaveConfig(ctx, clash), store.ErrAlreadyExists)

		list, err := s.ListConfigs(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("TestFindUsableConfig", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		_, err := s.FindUsableConfig(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound, "no configs")

		disabled := &store.Config{AccountID: "disabled", IsDefault: true, Enabled: false}
		require.NoError(t, s.SaveConfig(ctx, disabled))
		_, err = s.FindUsableConfig(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound, "disabled default isn't usable")

		clock.Advance(time.Second)
		oldest := &store.Config{AccountID: "oldest", Enabled: true}
		require.NoError(t, s.SaveConfig(ctx, oldest))
		clock.Advance(time.Second)
		newer := &store.Config{AccountID: "newer", Enabled: true}
		require.NoError(t, s.SaveConfig(ctx, newer))

		got, err := s.FindUsableConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "oldest", got.AccountID, "falls back to oldest enabled")

		require.NoError(t, s.SetDefaultConfig(ctx, newer.ID))
		got, err = s.FindUsableConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "newer", got.AccountID, "enabled default wins")
	})

	t.Run("TestSetDefaultConfig", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		a := &store.Config{AccountID: "a", Enabled: true, IsDefault: true}
		b := &store.Config{AccountID: "b", Enabled: true}
		require.NoError(t, s.SaveConfig(ctx, a))
		require.NoError(t, s.SaveConfig(ctx, b))

		require.NoError(t, s.SetDefaultConfig(ctx, b.ID))
		gotA, err := s.GetConfigByID(ctx, a.ID)
		require.NoError(t, err)
		gotB, err := s.GetConfigByID(ctx, b.ID)
		require.NoError(t, err)
		assert.False(t, gotA.IsDefault)
		assert.True(t, gotB.IsDefault)

		// Last writer wins.
		require.NoError(t, s.SetDefaultConfig(ctx, a.ID))
		require.NoError(t, s.SetDefaultConfig(ctx, a.ID))
		list, err := s.ListConfigs(ctx)
		require.NoError(t, err)
		defaults := 0
		for _, c := range list {
			if c.IsDefault {
				defaults++
				assert.Equal(t, a.ID, c.ID)
			}
		}
		assert.Equal(t, 1, defaults)

		assert.ErrorIs(t, s.SetDefaultConfig(ctx, "missing"), store.ErrNotFound)
	})

	t.Run("TestDeleteConfig", func(t *testing.T) {
		s := newStore(NewFakeClock().Now)
		c := &store.Config{AccountID: "a", Enabled: true}
		require.NoError(t, s.SaveConfig(ctx, c))
		require.NoError(t, s.DeleteConfig(ctx, c.ID))
		_, err := s.GetConfigByID(ctx, c.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeleteConfig(ctx, c.ID), store.ErrNotFound)
	})
}

//nolint:funlen // This is a test helper.
func RunStates(t *testing.T, newStore func(clock store.Clock) store.StateStore) {
	ctx := context.Background()
	ttl := 5 * time.Minute

	t.Run("TestStateValidityWindow", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		st := store.NewStateToken("config-1", "session-1", clock.Now(), ttl)
		require.NoError(t, s.CreateState(ctx, st))

		got, err := s.FindUsableState(ctx, st.Value)
		require.NoError(t, err)
		assert.Equal(t, "config-1", got.ConfigID)
		assert.Equal(t, "session-1", got.SessionID)
		assert.True(t, got.Valid)
		assert.Nil(t, got.UsedAt)

		clock.Set(st.ExpiresAt.Add(-time.Nanosecond))
		_, err = s.FindUsableState(ctx, st.Value)
		assert.NoError(t, err, "usable just before expiry")

		clock.Set(st.ExpiresAt)
		_, err = s.FindUsableState(ctx, st.Value)
		assert.ErrorIs(t, err, store.ErrNotFound, "expiry boundary is exclusive")

		_, err = s.ConsumeState(ctx, st.Value)
		assert.ErrorIs(t, err, store.ErrNotFound, "expired state can't be consumed")
	})

	t.Run("TestStateConsumedOnce", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		st := store.NewStateToken("config-1", "", clock.Now(), ttl)
		require.NoError(t, s.CreateState(ctx, st))

		clock.Advance(time.Second)
		got, err := s.ConsumeState(ctx, st.Value)
		require.NoError(t, err)
		assert.False(t, got.Valid)
		require.NotNil(t, got.UsedAt)
		assert.True(t, got.UsedAt.Equal(Epoch.Add(time.Second)))

		_, err = s.ConsumeState(ctx, st.Value)
		assert.ErrorIs(t, err, store.ErrNotFound, "second consumption fails")
		_, err = s.FindUsableState(ctx, st.Value)
		assert.ErrorIs(t, err, store.ErrNotFound, "used state is never usable again")
	})

	t.Run("TestStateNeverIssued", func(t *testing.T) {
		s := newStore(NewFakeClock().Now)
		_, err := s.ConsumeState(ctx, "never-issued")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindUsableState(ctx, "never-issued")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestStateConcurrentConsume", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		st := store.NewStateToken("config-1", "", clock.Now(), ttl)
		require.NoError(t, s.CreateState(ctx, st))

		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ConsumeState(ctx, st.Value); err == nil {
					wins.Add(1)
				} else if errors.Is(err, store.ErrNotFound) {
					losses.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), losses.Load())
	})

	t.Run("TestStateCleanup", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		expired := store.NewStateToken("config-1", "", clock.Now(), ttl)
		require.NoError(t, s.CreateState(ctx, expired))
		clock.Advance(ttl + time.Second)

		live := store.NewStateToken("config-1", "", clock.Now(), ttl)
		require.NoError(t, s.CreateState(ctx, live))

		n, err := s.CleanupStates(ctx)
		require.NoError(t, err)
		if n != 0 { // Backends relying on native TTLs report zero.
			assert.Equal(t, int64(1), n)
		}

		_, err = s.FindUsableState(ctx, live.Value)
		assert.NoError(t, err, "live state survives cleanup")

		n, err = s.CleanupStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "cleanup is idempotent")
	})
}

//nolint:funlen // This is a test helper.
func RunUserTokens(t *testing.T, newStore func(clock store.Clock) store.UserTokenStore) {
	ctx := context.Background()

	newRecord := func(configID, openID string, now time.Time) *store.UserToken {
		u := &store.UserToken{
			ConfigID:     configID,
			OpenID:       openID,
			UnionID:      "union-" + openID,
			Nickname:     "Nick",
			Sex:          store.SexFemale,
			Province:     "Guangdong",
			City:         "Shenzhen",
			Country:      "CN",
			HeadImgURL:   "https://thirdwx.qlogo.cn/mmopen/x/132",
			Privileges:   []string{"chinaunicom"},
			AccessToken:  "upstream-access",
			RefreshToken: "upstream-refresh",
			Scope:        store.ScopeUserInfo,
			RawData:      json.RawMessage(`{"openid":"` + openID + `"}`),
		}
		u.SetExpiresIn(7200, now)
		return u
	}

	t.Run("TestUserTokenUpsert", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		u := newRecord("config-1", "open-1", clock.Now())
		require.NoError(t, s.UpsertUserToken(ctx, u))
		assert.NotEmpty(t, u.ID)

		got, err := s.FindUserToken(ctx, "config-1", "open-1")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "union-open-1", got.UnionID)
		assert.Equal(t, store.SexFemale, got.Sex)
		assert.Equal(t, []string{"chinaunicom"}, got.Privileges)
		assert.JSONEq(t, `{"openid":"open-1"}`, string(got.RawData))
		assert.Equal(t, 7200, got.ExpiresIn)
		assert.True(t, got.AccessTokenExpiresAt.Equal(Epoch.Add(7200*time.Second)))

		clock.Advance(time.Hour)
		update := newRecord("config-1", "open-1", clock.Now())
		update.AccessToken = "upstream-access-2"
		update.Nickname = "Renamed"
		require.NoError(t, s.UpsertUserToken(ctx, update))
		assert.Equal(t, u.ID, update.ID, "upsert keyed by (openid, config)")

		got, err = s.FindUserToken(ctx, "config-1", "open-1")
		require.NoError(t, err)
		assert.Equal(t, "upstream-access-2", got.AccessToken)
		assert.Equal(t, "Renamed", got.Nickname)
		assert.True(t, got.CreatedAt.Equal(Epoch))
		assert.True(t, got.UpdatedAt.Equal(Epoch.Add(time.Hour)))

		_, err = s.FindUserToken(ctx, "config-2", "open-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestFindUserTokenByOpenID", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		require.NoError(t, s.UpsertUserToken(ctx, newRecord("config-1", "open-1", clock.Now())))
		clock.Advance(time.Minute)
		latest := newRecord("config-2", "open-1", clock.Now())
		require.NoError(t, s.UpsertUserToken(ctx, latest))

		got, err := s.FindUserTokenByOpenID(ctx, "open-1")
		require.NoError(t, err)
		assert.Equal(t, "config-2", got.ConfigID)

		_, err = s.FindUserTokenByOpenID(ctx, "open-2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestUserTokenCleanup", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		stale := newRecord("config-1", "stale", clock.Now())
		require.NoError(t, s.UpsertUserToken(ctx, stale))

		// Touched recently but with an access token that expired long ago.
		clock.Advance(29 * 24 * time.Hour)
		recent := newRecord("config-1", "recent", Epoch)
		require.NoError(t, s.UpsertUserToken(ctx, recent))

		clock.Advance(2 * 24 * time.Hour)
		n, err := s.CleanupUserTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.FindUserToken(ctx, "config-1", "stale")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindUserToken(ctx, "config-1", "recent")
		assert.NoError(t, err, "records touched within the retention window survive")

		n, err = s.CleanupUserTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

//nolint:funlen // This is a test helper.
func RunGrants(t *testing.T, newStore func(clock store.Clock) store.GrantStore) {
	ctx := context.Background()

	newCode := func(code string, now time.Time) *store.AuthCode {
		return &store.AuthCode{
			Code:        code,
			OpenID:      "open-1",
			UnionID:     "union-1",
			RedirectURI: "https://app.example.com/cb",
			Scope:       store.ScopeUserInfo,
			State:       "client-state",
			AccountID:   "acct-1",
			ExpiresAt:   now.Add(10 * time.Minute),
			CreatedAt:   now,
		}
	}
	newToken := func(access, refresh string, now time.Time) *store.AccessToken {
		t := &store.AccessToken{
			AccessToken:          access,
			RefreshToken:         refresh,
			OpenID:               "open-1",
			UnionID:              "union-1",
			Scope:                store.ScopeUserInfo,
			AccountID:            "acct-1",
			AccessTokenExpiresAt: now.Add(2 * time.Hour),
		}
		if refresh != "" {
			exp := now.Add(30 * 24 * time.Hour)
			t.RefreshTokenExpiresAt = &exp
		}
		return t
	}

	t.Run("TestAuthCodeRoundTrip", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		require.NoError(t, s.CreateAuthCode(ctx, newCode("code-1", clock.Now())))
		assert.ErrorIs(t, s.CreateAuthCode(ctx, newCode("code-1", clock.Now())), store.ErrAlreadyExists)

		got, err := s.GetAuthCode(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, "open-1", got.OpenID)
		assert.Equal(t, "union-1", got.UnionID)
		assert.Equal(t, "https://app.example.com/cb", got.RedirectURI)
		assert.Equal(t, "client-state", got.State)
		assert.False(t, got.Used)
		assert.True(t, got.ExpiresAt.Equal(Epoch.Add(10*time.Minute)))

		_, err = s.GetAuthCode(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestRedeemAuthCodeOnce", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)
		require.NoError(t, s.CreateAuthCode(ctx, newCode("code-1", clock.Now())))

		require.NoError(t, s.RedeemAuthCode(ctx, "code-1", newToken("access-1", "refresh-1", clock.Now())))
		got, err := s.GetAuthCode(ctx, "code-1")
		require.NoError(t, err)
		assert.True(t, got.Used)

		tok, err := s.GetAccessToken(ctx, "access-1")
		require.NoError(t, err)
		assert.Equal(t, "open-1", tok.OpenID)
		assert.Equal(t, "union-1", tok.UnionID)
		assert.Equal(t, store.ScopeUserInfo, tok.Scope)

		err = s.RedeemAuthCode(ctx, "code-1", newToken("access-2", "refresh-2", clock.Now()))
		assert.ErrorIs(t, err, store.ErrConflict)
		_, err = s.GetAccessToken(ctx, "access-2")
		assert.ErrorIs(t, err, store.ErrNotFound, "failed redemption writes nothing")
	})

	t.Run("TestRedeemAuthCodeConcurrently", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)
		require.NoError(t, s.CreateAuthCode(ctx, newCode("code-1", clock.Now())))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tok := newToken("access-"+string(rune('a'+i)), "refresh-"+string(rune('a'+i)), clock.Now())
				if err := s.RedeemAuthCode(ctx, "code-1", tok); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "exactly one redemption succeeds")
	})

	t.Run("TestAccessTokenLookup", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		require.NoError(t, s.CreateAccessToken(ctx, newToken("access-1", "refresh-1", clock.Now())))
		require.NoError(t, s.CreateAccessToken(ctx, newToken("access-2", "", clock.Now())))
		assert.ErrorIs(t, s.CreateAccessToken(ctx, newToken("access-1", "", clock.Now())), store.ErrAlreadyExists)

		byRefresh, err := s.GetAccessTokenByRefresh(ctx, "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, "access-1", byRefresh.AccessToken)
		require.NotNil(t, byRefresh.RefreshTokenExpiresAt)
		assert.True(t, byRefresh.RefreshTokenExpiresAt.Equal(Epoch.Add(30*24*time.Hour)))

		noRefresh, err := s.GetAccessToken(ctx, "access-2")
		require.NoError(t, err)
		assert.Empty(t, noRefresh.RefreshToken)
		assert.Nil(t, noRefresh.RefreshTokenExpiresAt)

		_, err = s.GetAccessTokenByRefresh(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TestRotateAccessToken", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)
		require.NoError(t, s.CreateAccessToken(ctx, newToken("access-1", "refresh-1", clock.Now())))

		require.NoError(t, s.RotateAccessToken(ctx, "refresh-1", newToken("access-2", "refresh-2", clock.Now())))

		old, err := s.GetAccessToken(ctx, "access-1")
		require.NoError(t, err)
		assert.True(t, old.Revoked)

		next, err := s.GetAccessToken(ctx, "access-2")
		require.NoError(t, err)
		assert.False(t, next.Revoked)

		err = s.RotateAccessToken(ctx, "refresh-1", newToken("access-3", "refresh-3", clock.Now()))
		assert.ErrorIs(t, err, store.ErrConflict)
		_, err = s.GetAccessToken(ctx, "access-3")
		assert.ErrorIs(t, err, store.ErrNotFound, "failed rotation writes nothing")
	})

	t.Run("TestRotateAccessTokenConcurrently", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)
		require.NoError(t, s.CreateAccessToken(ctx, newToken("access-0", "refresh-0", clock.Now())))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := newToken("access-"+string(rune('a'+i)), "refresh-"+string(rune('a'+i)), clock.Now())
				err := s.RotateAccessToken(ctx, "refresh-0", next)
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, store.ErrConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "exactly one rotation succeeds")

		old, err := s.GetAccessToken(ctx, "access-0")
		require.NoError(t, err)
		assert.True(t, old.Revoked)

		var live int
		for i := 0; i < 8; i++ {
			if _, err := s.GetAccessToken(ctx, "access-"+string(rune('a'+i))); err == nil {
				live++
			}
		}
		assert.Equal(t, 1, live, "losing rotations write nothing")
	})

	t.Run("TestRevokeAccessToken", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)
		require.NoError(t, s.CreateAccessToken(ctx, newToken("access-1", "", clock.Now())))

		require.NoError(t, s.RevokeAccessToken(ctx, "access-1"))
		require.NoError(t, s.RevokeAccessToken(ctx, "access-1"), "revocation is idempotent")
		got, err := s.GetAccessToken(ctx, "access-1")
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		assert.False(t, got.IsValid(clock.Now()))

		assert.ErrorIs(t, s.RevokeAccessToken(ctx, "missing"), store.ErrNotFound)
	})

	t.Run("TestGrantCleanup", func(t *testing.T) {
		clock := NewFakeClock()
		s := newStore(clock.Now)

		require.NoError(t, s.CreateAuthCode(ctx, newCode("expired", clock.Now())))
		require.NoError(t, s.CreateAuthCode(ctx, newCode("used", clock.Now().Add(time.Hour))))
		require.NoError(t, s.RedeemAuthCode(ctx, "used", newToken("from-code", "", clock.Now())))

		require.NoError(t, s.CreateAccessToken(ctx, newToken("revoked", "", clock.Now().Add(time.Hour))))
		require.NoError(t, s.RevokeAccessToken(ctx, "revoked"))
		require.NoError(t, s.CreateAccessToken(ctx, newToken("refreshable", "refresh-1", clock.Now())))

		clock.Advance(3 * time.Hour)
		require.NoError(t, s.CreateAuthCode(ctx, newCode("live", clock.Now())))

		n, err := s.CleanupAuthCodes(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		_, err = s.GetAuthCode(ctx, "live")
		assert.NoError(t, err)

		n, err = s.CleanupAccessTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "revoked and fully expired tokens are removed")
		_, err = s.GetAccessTokenByRefresh(ctx, "refresh-1")
		assert.NoError(t, err, "expired access with usable refresh is kept")

		n, err = s.CleanupAuthCodes(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		n, err = s.CleanupAccessTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}
