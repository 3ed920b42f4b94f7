package bridge

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpup/wxauth/account"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/store/memstore"
	"github.com/dpup/wxauth/store/storetests"
	"github.com/dpup/wxauth/wechat"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const (
	testAccountID = "acct-1"
	testAppID     = "wx0123456789"
	testSecret    = "app-secret"
	testCallback  = "https://bridge.example.com/callback"
	testRedirect  = "https://client.example.com/cb"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int

	exchange func(code string) (*wechat.TokenResponse, error)
	userInfo func(accessToken, openID string) (*wechat.UserInfoResponse, error)
	refresh  func(refreshToken string) (*wechat.TokenResponse, error)
	validate func(accessToken string) (bool, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls: map[string]int{},
		exchange: func(code string) (*wechat.TokenResponse, error) {
			return &wechat.TokenResponse{
				AccessToken:  "up-access-" + code,
				ExpiresIn:    7200,
				RefreshToken: "up-refresh-" + code,
				OpenID:       "openid-1",
				Scope:        store.ScopeUserInfo,
				UnionID:      "union-1",
			}, nil
		},
		userInfo: func(_, openID string) (*wechat.UserInfoResponse, error) {
			return &wechat.UserInfoResponse{
				OpenID:     openID,
				Nickname:   "小明",
				Sex:        1,
				Province:   "广东",
				City:       "深圳",
				Country:    "中国",
				HeadImgURL: "https://thirdwx.qlogo.cn/x/46",
				Privilege:  []string{"PRIVILEGE1"},
				UnionID:    "union-1",
				Raw:        []byte(`{"openid":"openid-1","nickname":"小明"}`),
			}, nil
		},
		refresh: func(refreshToken string) (*wechat.TokenResponse, error) {
			return &wechat.TokenResponse{
				AccessToken:  "up-access-renewed",
				ExpiresIn:    7200,
				RefreshToken: refreshToken,
				OpenID:       "openid-1",
				Scope:        store.ScopeUserInfo,
			}, nil
		},
		validate: func(string) (bool, error) { return true, nil },
	}
}

func (p *fakeProvider) called(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
}

func (p *fakeProvider) AuthorizeURL(appID, redirectURI, scope, state string) string {
	return wechat.New().AuthorizeURL(appID, redirectURI, scope, state)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, creds wechat.Credentials, code string) (*wechat.TokenResponse, error) {
	p.record("exchange")
	if creds.AppID != testAppID || creds.AppSecret != testSecret {
		return nil, errors.Wrap(&wechat.ProviderError{Code: 40125, Message: "invalid appsecret"}, 0)
	}
	return p.exchange(code)
}

func (p *fakeProvider) Refresh(_ context.Context, _ wechat.Credentials, refreshToken string) (*wechat.TokenResponse, error) {
	p.record("refresh")
	return p.refresh(refreshToken)
}

func (p *fakeProvider) UserInfo(_ context.Context, accessToken, openID, _ string) (*wechat.UserInfoResponse, error) {
	p.record("userinfo")
	return p.userInfo(accessToken, openID)
}

func (p *fakeProvider) Validate(_ context.Context, accessToken, _ string) (bool, error) {
	p.record("validate")
	return p.validate(accessToken)
}

type fixture struct {
	svc      *Service
	store    *memstore.Store
	clock    *storetests.FakeClock
	provider *fakeProvider
	cfg      *store.Config
}

func newFixture(t *testing.T, scope string) *fixture {
	t.Helper()
	clock := storetests.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	cfg := &store.Config{AccountID: testAccountID, Scope: scope, Enabled: true, IsDefault: true}
	require.NoError(t, s.SaveConfig(context.Background(), cfg))

	p := newFakeProvider()
	svc, err := NewBuilder().
		WithStore(s).
		WithAccounts(account.NewStatic(account.Account{ID: testAccountID, AppID: testAppID, AppSecret: testSecret})).
		WithProvider(p).
		WithClock(clock.Now).
		WithCallbackURL(testCallback).
		Build()
	require.NoError(t, err)
	return &fixture{svc: svc, store: s, clock: clock, provider: p, cfg: cfg}
}

// Runs the upstream flow and returns the stored record.
func (f *fixture) login(t *testing.T) *store.UserToken {
	t.Helper()
	ctx := context.Background()
	a, err := f.svc.Begin(ctx, "session-1", "")
	require.NoError(t, err)
	rec, err := f.svc.CompleteCallback(ctx, "session-1", "provider-code", a.State.Value)
	require.NoError(t, err)
	return rec
}

func (f *fixture) issueToken(t *testing.T) *store.AccessToken {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)
	tok, err := f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, testAccountID)
	require.NoError(t, err)
	return tok
}

func TestBuildRequiresDependencies(t *testing.T) {
	_, err := NewBuilder().Build()
	assert.Error(t, err)

	_, err = NewBuilder().WithStore(memstore.New()).Build()
	assert.Error(t, err)

	_, err = NewBuilder().WithStore(memstore.New()).WithAccounts(account.NewStatic()).Build()
	assert.Error(t, err)
}

func TestBeginAuthorization(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()

	raw, err := f.svc.BeginAuthorization(ctx, "session-1", "")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "open.weixin.qq.com", u.Host)
	assert.Equal(t, "wechat_redirect", u.Fragment)
	q := u.Query()
	assert.Equal(t, testAppID, q.Get("appid"))
	assert.Equal(t, testCallback, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, store.ScopeUserInfo, q.Get("scope"))

	st, err := f.store.FindUsableState(ctx, q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ID, st.ConfigID)
	assert.Equal(t, "session-1", st.SessionID)
	assert.Equal(t, storetests.Epoch.Add(DefaultStateTTL), st.ExpiresAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics().Attempts.WithLabelValues("initiated")))
}

func TestBeginAuthorizationScopeOverride(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	a, err := f.svc.Begin(context.Background(), "", store.ScopeBase)
	require.NoError(t, err)
	assert.Contains(t, a.URL, "scope=snsapi_base&")
}

func TestBeginAuthorizationNotConfigured(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, store.ScopeBase)
	require.NoError(t, f.store.DeleteConfig(ctx, f.cfg.ID))
	_, err := f.svc.BeginAuthorization(ctx, "", "")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))

	f = newFixture(t, store.ScopeBase)
	require.NoError(t, f.store.DeleteConfig(ctx, f.cfg.ID))
	require.NoError(t, f.store.SaveConfig(ctx, &store.Config{AccountID: "unknown", Enabled: true}))
	_, err = f.svc.BeginAuthorization(ctx, "", "")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCompleteCallback(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()

	a, err := f.svc.Begin(ctx, "session-1", "")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	rec, err := f.svc.CompleteCallback(ctx, "session-1", "provider-code", a.State.Value)
	require.NoError(t, err)
	assert.Equal(t, "openid-1", rec.OpenID)
	assert.Equal(t, "union-1", rec.UnionID)
	assert.Equal(t, "up-access-provider-code", rec.AccessToken)
	assert.Equal(t, 7200, rec.ExpiresIn)
	assert.Equal(t, f.clock.Now().Add(7200*time.Second), rec.AccessTokenExpiresAt)
	assert.Equal(t, "小明", rec.Nickname)
	assert.Equal(t, store.Sex(1), rec.Sex)
	assert.Equal(t, []string{"PRIVILEGE1"}, rec.Privileges)
	assert.NotEmpty(t, rec.RawData)

	stored, err := f.store.FindUserToken(ctx, f.cfg.ID, "openid-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	_, err = f.svc.CompleteCallback(ctx, "session-1", "provider-code", a.State.Value)
	assert.ErrorIs(t, err, ErrInvalidState, "a state is consumed once")
	assert.Equal(t, 1, f.provider.called("exchange"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics().Attempts.WithLabelValues("exchanged")))
}

func TestCompleteCallbackInvalidState(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	_, err := f.svc.CompleteCallback(ctx, "", "code", "never-issued")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))

	a, err := f.svc.Begin(ctx, "", "")
	require.NoError(t, err)
	f.clock.Advance(DefaultStateTTL)
	_, err = f.svc.CompleteCallback(ctx, "", "code", a.State.Value)
	assert.ErrorIs(t, err, ErrInvalidState, "expiry is exclusive")

	assert.Zero(t, f.provider.called("exchange"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.Metrics().Attempts.WithLabelValues("expired")))
}

func TestCompleteCallbackBaseScope(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	f.provider.exchange = func(code string) (*wechat.TokenResponse, error) {
		return &wechat.TokenResponse{AccessToken: "at", ExpiresIn: 7200, RefreshToken: "rt", OpenID: "openid-2", Scope: store.ScopeBase}, nil
	}

	rec := f.login(t)
	assert.Equal(t, "openid-2", rec.OpenID)
	assert.Empty(t, rec.Nickname)
	assert.Nil(t, rec.RawData)
	assert.Zero(t, f.provider.called("userinfo"))
}

func TestCompleteCallbackUserInfoFailureDegrades(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	f.provider.userInfo = func(string, string) (*wechat.UserInfoResponse, error) {
		return nil, errors.Wrap(&wechat.TransportError{Op: "userinfo", StatusCode: 502}, 0)
	}

	rec := f.login(t)
	assert.Equal(t, "openid-1", rec.OpenID)
	assert.Equal(t, "union-1", rec.UnionID)
	assert.Empty(t, rec.Nickname)
	assert.Equal(t, 1, f.provider.called("userinfo"))
}

func TestCompleteCallbackSessionMismatch(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	for _, session := range []string{"", "victim-session"} {
		a, err := f.svc.Begin(ctx, "attacker-session", "")
		require.NoError(t, err)

		_, err = f.svc.CompleteCallback(ctx, session, "provider-code", a.State.Value)
		assert.ErrorIs(t, err, ErrInvalidState, "session %q", session)

		_, err = f.svc.CompleteCallback(ctx, "attacker-session", "provider-code", a.State.Value)
		assert.ErrorIs(t, err, ErrInvalidState, "a rejected state is still consumed")
	}
	assert.Zero(t, f.provider.called("exchange"))

	// States minted without a session can be completed from anywhere.
	a, err := f.svc.Begin(ctx, "", "")
	require.NoError(t, err)
	_, err = f.svc.CompleteCallback(ctx, "some-session", "provider-code", a.State.Value)
	assert.NoError(t, err)
}

func TestCompleteCallbackKeepsProfileOnDegradedLogin(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakeProvider)
	}{
		{"userinfo fails", func(p *fakeProvider) {
			p.userInfo = func(string, string) (*wechat.UserInfoResponse, error) {
				return nil, errors.Wrap(&wechat.TransportError{Op: "userinfo", StatusCode: 502}, 0)
			}
		}},
		{"base scope granted", func(p *fakeProvider) {
			p.exchange = func(code string) (*wechat.TokenResponse, error) {
				return &wechat.TokenResponse{
					AccessToken: "up-access-" + code, ExpiresIn: 7200, RefreshToken: "up-refresh-" + code,
					OpenID: "openid-1", Scope: store.ScopeBase,
				}, nil
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.ScopeUserInfo)
			first := f.login(t)
			require.Equal(t, "小明", first.Nickname)

			tt.setup(f.provider)
			f.clock.Advance(time.Hour)
			again := f.login(t)
			assert.Equal(t, first.ID, again.ID)
			assert.Equal(t, "up-access-provider-code", again.AccessToken)
			assert.Equal(t, f.clock.Now().Add(7200*time.Second), again.AccessTokenExpiresAt)

			stored, err := f.store.FindUserToken(context.Background(), f.cfg.ID, "openid-1")
			require.NoError(t, err)
			assert.Equal(t, "小明", stored.Nickname)
			assert.Equal(t, "深圳", stored.City)
			assert.Equal(t, store.Sex(1), stored.Sex)
			assert.Equal(t, []string{"PRIVILEGE1"}, stored.Privileges)
			assert.Equal(t, "union-1", stored.UnionID)
			assert.Equal(t, first.RawData, stored.RawData)
		})
	}
}

func TestCompleteCallbackExchangeFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transport bool
	}{
		{"provider", &wechat.ProviderError{Code: 40029, Message: "invalid code"}, false},
		{"transport", &wechat.TransportError{Op: "exchange code", StatusCode: 500}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.ScopeUserInfo)
			f.provider.exchange = func(string) (*wechat.TokenResponse, error) {
				return nil, errors.Wrap(tt.err, 0)
			}
			ctx := context.Background()
			a, err := f.svc.Begin(ctx, "", "")
			require.NoError(t, err)

			_, err = f.svc.CompleteCallback(ctx, "", "code", a.State.Value)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstreamExchange)
			assert.Equal(t, tt.transport, wechat.IsTransport(err))
			assert.Equal(t, !tt.transport, wechat.IsProvider(err))
			assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
			if tt.transport {
				assert.Equal(t, codes.Unavailable, errors.Code(err))
			} else {
				assert.Equal(t, codes.FailedPrecondition, errors.Code(err))
			}

			// The sentinel itself is untouched.
			assert.Equal(t, codes.Unavailable, errors.Code(ErrUpstreamExchange))

			// The state was consumed before the exchange.
			_, err = f.svc.CompleteCallback(ctx, "", "code", a.State.Value)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, 1, f.provider.called("exchange"))
		})
	}
}

func TestExchangeLocalCode(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()
	rec := f.login(t)

	c, err := f.svc.MintLocalCode(ctx, rec, testRedirect, "", "client-state")
	require.NoError(t, err)
	assert.Equal(t, store.ScopeUserInfo, c.Scope)
	assert.Equal(t, testAccountID, c.AccountID)
	assert.Equal(t, f.clock.Now().Add(DefaultCodeTTL), c.ExpiresAt)

	_, err = f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, "other-account")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect+"/other", testAccountID)
	assert.ErrorIs(t, err, ErrRedirectMismatch)

	_, err = f.svc.ExchangeLocalCode(ctx, "unknown", testRedirect, testAccountID)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	tok, err := f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, testAccountID)
	require.NoError(t, err)
	assert.Equal(t, "openid-1", tok.OpenID)
	assert.Equal(t, "union-1", tok.UnionID)
	assert.Equal(t, store.ScopeUserInfo, tok.Scope)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(DefaultAccessTokenTTL), tok.AccessTokenExpiresAt)

	_, err = f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, testAccountID)
	assert.ErrorIs(t, err, ErrInvalidGrant, "codes are single use")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics().LocalGrants.WithLabelValues("authorization_code", "ok")))
}

func TestExchangeLocalCodeExpired(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	c, err := f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)

	f.clock.Advance(DefaultCodeTTL)
	_, err = f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, testAccountID)
	assert.ErrorIs(t, err, ErrExpiredGrant)

	code, desc, status := oauthError(err)
	assert.Equal(t, "invalid_grant", code)
	assert.Equal(t, "expired", desc)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExchangeLocalCodeConcurrently(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	c, err := f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)

	var wins, invalid int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExchangeLocalCode(ctx, c.Code, testRedirect, testAccountID)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrInvalidGrant):
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(9), invalid)
}

func TestRefreshLocalToken(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()
	old := f.issueToken(t)

	f.clock.Advance(time.Minute)
	next, err := f.svc.RefreshLocalToken(ctx, old.RefreshToken, testAccountID)
	require.NoError(t, err)
	assert.NotEqual(t, old.AccessToken, next.AccessToken)
	assert.NotEqual(t, old.RefreshToken, next.RefreshToken)
	assert.Equal(t, old.OpenID, next.OpenID)
	assert.Equal(t, old.Scope, next.Scope)

	_, active, err := f.svc.IntrospectLocalToken(ctx, old.AccessToken, testAccountID)
	require.NoError(t, err)
	assert.False(t, active, "the rotated token is revoked")

	_, err = f.svc.RefreshLocalToken(ctx, old.RefreshToken, testAccountID)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.svc.RefreshLocalToken(ctx, next.RefreshToken, "other-account")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	f.clock.Advance(DefaultRefreshTokenTTL)
	_, err = f.svc.RefreshLocalToken(ctx, next.RefreshToken, testAccountID)
	assert.ErrorIs(t, err, ErrExpiredGrant)
}

func TestRevokeLocalToken(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	assert.NoError(t, f.svc.RevokeLocalToken(ctx, "unknown-token", testAccountID, ""))

	tok := f.issueToken(t)
	assert.NoError(t, f.svc.RevokeLocalToken(ctx, tok.AccessToken, "other-account", ""))
	_, active, err := f.svc.IntrospectLocalToken(ctx, tok.AccessToken, testAccountID)
	require.NoError(t, err)
	assert.True(t, active, "another account can't revoke the token")

	// The refresh value is found even without the hint.
	assert.NoError(t, f.svc.RevokeLocalToken(ctx, tok.RefreshToken, testAccountID, HintAccessToken))
	_, active, err = f.svc.IntrospectLocalToken(ctx, tok.AccessToken, testAccountID)
	require.NoError(t, err)
	assert.False(t, active)

	assert.NoError(t, f.svc.RevokeLocalToken(ctx, tok.AccessToken, testAccountID, HintRefreshToken), "revocation is idempotent")
}

func TestIntrospectLocalToken(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()
	tok := f.issueToken(t)

	got, active, err := f.svc.IntrospectLocalToken(ctx, tok.AccessToken, testAccountID)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, tok.OpenID, got.OpenID)

	_, active, err = f.svc.IntrospectLocalToken(ctx, tok.AccessToken, "other-account")
	require.NoError(t, err)
	assert.False(t, active)

	f.clock.Advance(DefaultAccessTokenTTL)
	_, active, err = f.svc.IntrospectLocalToken(ctx, tok.AccessToken, testAccountID)
	require.NoError(t, err)
	assert.False(t, active, "expiry is exclusive")

	_, err = f.svc.AuthenticateBearer(ctx, tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLocalUserInfo(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()
	tok := f.issueToken(t)

	rec, got, err := f.svc.LocalUserInfo(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "小明", rec.Nickname)
	assert.Equal(t, tok.AccessToken, got.AccessToken)

	_, _, err = f.svc.LocalUserInfo(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
}

func TestRefreshUpstreamToken(t *testing.T) {
	f := newFixture(t, store.ScopeUserInfo)
	ctx := context.Background()

	assert.False(t, f.svc.RefreshUpstreamToken(ctx, "openid-1"), "no record yet")

	f.login(t)
	f.clock.Advance(time.Hour)
	assert.True(t, f.svc.RefreshUpstreamToken(ctx, "openid-1"))

	rec, err := f.store.FindUserToken(ctx, f.cfg.ID, "openid-1")
	require.NoError(t, err)
	assert.Equal(t, "up-access-renewed", rec.AccessToken)
	assert.Equal(t, f.clock.Now().Add(7200*time.Second), rec.AccessTokenExpiresAt)
	assert.Equal(t, "小明", rec.Nickname, "profile is kept")

	f.provider.refresh = func(string) (*wechat.TokenResponse, error) {
		return nil, errors.Wrap(&wechat.ProviderError{Code: 42002, Message: "refresh_token expired"}, 0)
	}
	assert.False(t, f.svc.RefreshUpstreamToken(ctx, "openid-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics().UpstreamCalls.WithLabelValues("refresh", "error")))
}

func TestValidateUpstreamToken(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	ok, err := f.svc.ValidateUpstreamToken(ctx, "openid-1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.login(t)
	ok, err = f.svc.ValidateUpstreamToken(ctx, "openid-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.provider.called("validate"))

	f.provider.validate = func(string) (bool, error) {
		return false, errors.Wrap(&wechat.TransportError{Op: "validate"}, 0)
	}
	_, err = f.svc.ValidateUpstreamToken(ctx, "openid-1")
	assert.True(t, wechat.IsTransport(err))

	f.clock.Advance(7200 * time.Second)
	ok, err = f.svc.ValidateUpstreamToken(ctx, "openid-1")
	require.NoError(t, err)
	assert.False(t, ok, "expired tokens aren't sent to WeChat")
	assert.Equal(t, 2, f.provider.called("validate"))
}
