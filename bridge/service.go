// Package bridge implements the WeChat web authorization flow and the local
// OAuth2 grants issued on top of it.
//
// An authorization attempt moves through these states:
//
//	INITIATED -> PENDING_CALLBACK -> EXCHANGED | FAILED | EXPIRED
//
// BeginAuthorization mints a one-time state token and returns the provider
// URL. CompleteCallback consumes the state, exchanges the provider code and
// upserts the user record. Optionally a local authorization code is minted,
// which a client later exchanges at the token endpoint for a local access
// token.
package bridge

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/dpup/wxauth/account"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/wechat"
	"github.com/go-oauth2/oauth2/v4"
	"github.com/go-oauth2/oauth2/v4/generates"
	"github.com/go-oauth2/oauth2/v4/models"
)

// Lifetimes applied when the builder isn't given others.
const (
	DefaultStateTTL        = 5 * time.Minute
	DefaultCodeTTL         = 10 * time.Minute
	DefaultAccessTokenTTL  = 2 * time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// AttemptState is the lifecycle state of an authorization attempt.
type AttemptState int

const (
	AttemptInitiated AttemptState = iota
	AttemptPendingCallback
	AttemptExchanged
	AttemptFailed
	AttemptExpired
)

func (s AttemptState) String() string {
	switch s {
	case AttemptInitiated:
		return "initiated"
	case AttemptPendingCallback:
		return "pending_callback"
	case AttemptExchanged:
		return "exchanged"
	case AttemptFailed:
		return "failed"
	case AttemptExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Provider is the subset of the WeChat client used by the service.
type Provider interface {
	AuthorizeURL(appID, redirectURI, scope, state string) string
	ExchangeCode(ctx context.Context, creds wechat.Credentials, code string) (*wechat.TokenResponse, error)
	Refresh(ctx context.Context, creds wechat.Credentials, refreshToken string) (*wechat.TokenResponse, error)
	UserInfo(ctx context.Context, accessToken, openID, lang string) (*wechat.UserInfoResponse, error)
	Validate(ctx context.Context, accessToken, openID string) (bool, error)
}

var _ Provider = (*wechat.Client)(nil)

// Builder provides a fluent interface for configuring the service.
type Builder struct {
	svc *Service
}

// NewBuilder returns a builder with default lifetimes, the system clock and
// the public WeChat client.
func NewBuilder() *Builder {
	return &Builder{
		svc: &Service{
			provider:   wechat.New(),
			now:        store.SystemClock,
			stateTTL:   DefaultStateTTL,
			codeTTL:    DefaultCodeTTL,
			accessTTL:  DefaultAccessTokenTTL,
			refreshTTL: DefaultRefreshTokenTTL,
		},
	}
}

// WithStore uses s for every collection.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.svc.configs = s
	b.svc.states = s
	b.svc.users = s
	b.svc.grants = s
	return b
}

// WithStateStore overrides where state tokens are kept, e.g. Redis shared by
// several instances.
func (b *Builder) WithStateStore(s store.StateStore) *Builder {
	b.svc.states = s
	return b
}

// WithAccounts sets the registry used to resolve account credentials.
func (b *Builder) WithAccounts(r account.Registry) *Builder {
	b.svc.accounts = r
	return b
}

// WithProvider replaces the WeChat client.
func (b *Builder) WithProvider(p Provider) *Builder {
	b.svc.provider = p
	return b
}

// WithClock overrides the clock used for expiry.
func (b *Builder) WithClock(c store.Clock) *Builder {
	b.svc.now = c
	return b
}

// WithCallbackURL sets the absolute URL of the provider callback route.
func (b *Builder) WithCallbackURL(u string) *Builder {
	b.svc.callbackURL = u
	return b
}

// WithStateTTL sets how long a state token can be consumed.
func (b *Builder) WithStateTTL(d time.Duration) *Builder {
	if d > 0 {
		b.svc.stateTTL = d
	}
	return b
}

// WithCodeTTL sets the lifetime of local authorization codes.
func (b *Builder) WithCodeTTL(d time.Duration) *Builder {
	if d > 0 {
		b.svc.codeTTL = d
	}
	return b
}

// WithAccessTokenTTL sets the lifetime of local access tokens.
func (b *Builder) WithAccessTokenTTL(d time.Duration) *Builder {
	if d > 0 {
		b.svc.accessTTL = d
	}
	return b
}

// WithRefreshTokenTTL sets the lifetime of local refresh tokens.
func (b *Builder) WithRefreshTokenTTL(d time.Duration) *Builder {
	if d > 0 {
		b.svc.refreshTTL = d
	}
	return b
}

// WithMetrics records to m rather than unregistered collectors.
func (b *Builder) WithMetrics(m *Metrics) *Builder {
	b.svc.metrics = m
	return b
}

// Build validates the configuration and returns the service.
func (b *Builder) Build() (*Service, error) {
	s := b.svc
	switch {
	case s.configs == nil || s.states == nil || s.users == nil || s.grants == nil:
		return nil, errors.New("bridge: a store is required")
	case s.accounts == nil:
		return nil, errors.New("bridge: an account registry is required")
	case s.callbackURL == "":
		return nil, errors.New("bridge: callback url is required")
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s, nil
}

// Service orchestrates the upstream flow and local grants.
type Service struct {
	configs  store.ConfigStore
	states   store.StateStore
	users    store.UserTokenStore
	grants   store.GrantStore
	accounts account.Registry
	provider Provider
	metrics  *Metrics
	now      store.Clock

	callbackURL string
	stateTTL    time.Duration
	codeTTL     time.Duration
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// Metrics returns the collectors the service records to.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// ResolveConfig returns the config used for a request: the enabled default,
// else the oldest enabled config.
func (s *Service) ResolveConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := s.configs.FindUsableConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrConfiguration, 0).Append("no enabled config")
	} else if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Service) credentials(ctx context.Context, cfg *store.Config) (*account.Account, error) {
	acct, err := s.accounts.Lookup(ctx, cfg.AccountID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, errors.Mark(ErrConfiguration, 0).Append("unknown account " + cfg.AccountID)
	} else if err != nil {
		return nil, err
	}
	return acct, nil
}

// Authorization is the result of starting an attempt.
type Authorization struct {
	URL    string
	State  *store.StateToken
	Config *store.Config
}

// Begin resolves the config, mints a state token and builds the provider URL.
// An empty scope falls back to the config's scope.
func (s *Service) Begin(ctx context.Context, sessionID, requestedScope string) (*Authorization, error) {
	cfg, err := s.ResolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	acct, err := s.credentials(ctx, cfg)
	if err != nil {
		return nil, err
	}

	scope := requestedScope
	if scope == "" {
		scope = cfg.Scope
	}

	st := store.NewStateToken(cfg.ID, sessionID, s.now(), s.stateTTL)
	if err := s.states.CreateState(ctx, st); err != nil {
		return nil, err
	}
	s.metrics.attempt(AttemptInitiated)

	u := s.provider.AuthorizeURL(acct.AppID, s.callbackURL, scope, st.Value)
	logging.Infow(ctx, "bridge: authorization initiated",
		"bridge.config_id", cfg.ID, "bridge.scope", scope, "bridge.attempt", AttemptPendingCallback.String())
	s.metrics.attempt(AttemptPendingCallback)

	return &Authorization{URL: u, State: st, Config: cfg}, nil
}

// BeginAuthorization returns the provider URL the browser should be sent to.
// Each call creates one state token.
func (s *Service) BeginAuthorization(ctx context.Context, sessionID, requestedScope string) (string, error) {
	a, err := s.Begin(ctx, sessionID, requestedScope)
	if err != nil {
		return "", err
	}
	return a.URL, nil
}

// CompleteCallback consumes the state, exchanges the provider code and
// upserts the user record. The state is consumed before the exchange, so a
// resubmitted callback fails even while the first is still in flight. A state
// minted for a session can only be completed by that session; a mismatch
// still consumes it.
func (s *Service) CompleteCallback(ctx context.Context, sessionID, code, stateValue string) (*store.UserToken, error) {
	st, err := s.states.ConsumeState(ctx, stateValue)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.attempt(AttemptExpired)
		return nil, errors.Mark(ErrInvalidState, 0)
	} else if err != nil {
		return nil, err
	}
	if st.SessionID != "" && subtle.ConstantTimeCompare([]byte(st.SessionID), []byte(sessionID)) != 1 {
		s.metrics.attempt(AttemptFailed)
		logging.Warnw(ctx, "bridge: state used from another session", "bridge.config_id", st.ConfigID)
		return nil, errors.Mark(ErrInvalidState, 0)
	}

	cfg, err := s.configs.GetConfigByID(ctx, st.ConfigID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.attempt(AttemptFailed)
		return nil, errors.Mark(ErrConfiguration, 0).Append("config removed during attempt")
	} else if err != nil {
		return nil, err
	}
	acct, err := s.credentials(ctx, cfg)
	if err != nil {
		s.metrics.attempt(AttemptFailed)
		return nil, err
	}

	tok, err := s.provider.ExchangeCode(ctx, wechat.Credentials{AppID: acct.AppID, AppSecret: acct.AppSecret}, code)
	s.metrics.upstream("exchange_code", err)
	if err != nil {
		s.metrics.attempt(AttemptFailed)
		logging.Warnw(ctx, "bridge: code exchange failed", "error", err, "wechat.transport", wechat.IsTransport(err))
		return nil, upstreamError(ErrUpstreamExchange, err)
	}

	// Fields this callback doesn't receive keep their stored values.
	rec, err := s.users.FindUserToken(ctx, cfg.ID, tok.OpenID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &store.UserToken{ConfigID: cfg.ID, OpenID: tok.OpenID}
	} else if err != nil {
		s.metrics.attempt(AttemptFailed)
		return nil, err
	}
	rec.AccessToken = tok.AccessToken
	rec.RefreshToken = tok.RefreshToken
	rec.Scope = tok.Scope
	if rec.Scope == "" {
		rec.Scope = cfg.Scope
	}
	if tok.UnionID != "" {
		rec.UnionID = tok.UnionID
	}
	rec.SetExpiresIn(tok.ExpiresIn, s.now())

	if store.HasScope(rec.Scope, store.ScopeUserInfo) {
		info, err := s.provider.UserInfo(ctx, tok.AccessToken, tok.OpenID, wechat.LangChinese)
		s.metrics.upstream("userinfo", err)
		if err != nil {
			// The identity is confirmed; the profile is best effort.
			logging.Warnw(ctx, "bridge: userinfo failed, keeping basic fields", "error", err)
		} else {
			applyUserInfo(rec, info)
		}
	}

	if err := s.users.UpsertUserToken(ctx, rec); err != nil {
		s.metrics.attempt(AttemptFailed)
		return nil, err
	}

	s.metrics.attempt(AttemptExchanged)
	logging.Infow(ctx, "bridge: authorization completed",
		"bridge.config_id", cfg.ID, "wechat.openid", rec.OpenID, "bridge.attempt", AttemptExchanged.String())
	return rec, nil
}

func applyUserInfo(rec *store.UserToken, info *wechat.UserInfoResponse) {
	rec.Nickname = info.Nickname
	rec.Sex = store.Sex(info.Sex)
	rec.Province = info.Province
	rec.City = info.City
	rec.Country = info.Country
	rec.HeadImgURL = info.HeadImgURL
	rec.Privileges = info.Privilege
	if info.UnionID != "" {
		rec.UnionID = info.UnionID
	}
	rec.RawData = info.Raw
}

// MintLocalCode issues a single use authorization code for rec, bound to
// redirectURI. An empty scope carries over the upstream scope.
func (s *Service) MintLocalCode(ctx context.Context, rec *store.UserToken, redirectURI, scope, clientState string) (*store.AuthCode, error) {
	cfg, err := s.configs.GetConfigByID(ctx, rec.ConfigID)
	if err != nil {
		return nil, err
	}
	if scope == "" {
		scope = rec.Scope
	}

	now := s.now()
	value, err := generates.NewAuthorizeGenerate().Token(ctx, &oauth2.GenerateBasic{
		Client:   &models.Client{ID: cfg.AccountID},
		UserID:   rec.OpenID,
		CreateAt: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	c := &store.AuthCode{
		Code:        value,
		OpenID:      rec.OpenID,
		UnionID:     rec.UnionID,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       clientState,
		AccountID:   cfg.AccountID,
		ExpiresAt:   now.Add(s.codeTTL),
		CreatedAt:   now,
	}
	if err := s.grants.CreateAuthCode(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Mints access and refresh values with go-oauth2's generator.
func (s *Service) newAccessToken(ctx context.Context, accountID, openID, unionID, scope string) (*store.AccessToken, error) {
	now := s.now()
	access, refresh, err := generates.NewAccessGenerate().Token(ctx, &oauth2.GenerateBasic{
		Client:   &models.Client{ID: accountID},
		UserID:   openID,
		CreateAt: now,
	}, true)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	refreshExp := now.Add(s.refreshTTL)
	return &store.AccessToken{
		AccessToken:           access,
		RefreshToken:          refresh,
		OpenID:                openID,
		UnionID:               unionID,
		Scope:                 scope,
		AccountID:             accountID,
		AccessTokenExpiresAt:  now.Add(s.accessTTL),
		RefreshTokenExpiresAt: &refreshExp,
		CreatedAt:             now,
	}, nil
}

// ExchangeLocalCode redeems a local authorization code. Marking the code used
// and inserting the token happen in one store transaction.
func (s *Service) ExchangeLocalCode(ctx context.Context, code, redirectURI, accountID string) (*store.AccessToken, error) {
	tok, err := s.exchangeLocalCode(ctx, code, redirectURI, accountID)
	s.metrics.grant("authorization_code", err)
	return tok, err
}

func (s *Service) exchangeLocalCode(ctx context.Context, code, redirectURI, accountID string) (*store.AccessToken, error) {
	c, err := s.grants.GetAuthCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	} else if err != nil {
		return nil, err
	}
	if c.AccountID != accountID {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	}
	if now := s.now(); !c.Redeemable(now, redirectURI) {
		switch {
		case c.Used:
			return nil, errors.Mark(ErrInvalidGrant, 0)
		case c.IsExpired(now):
			return nil, errors.Mark(ErrExpiredGrant, 0)
		default:
			return nil, errors.Mark(ErrRedirectMismatch, 0)
		}
	}

	tok, err := s.newAccessToken(ctx, accountID, c.OpenID, c.UnionID, c.Scope)
	if err != nil {
		return nil, err
	}
	err = s.grants.RedeemAuthCode(ctx, code, tok)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	} else if err != nil {
		return nil, err
	}
	logging.Infow(ctx, "bridge: local code exchanged", "wechat.openid", tok.OpenID, "bridge.account_id", accountID)
	return tok, nil
}

// RefreshLocalToken rotates a local token: the old one is revoked and a new
// one with fresh values is inserted, in one store transaction.
func (s *Service) RefreshLocalToken(ctx context.Context, refreshToken, accountID string) (*store.AccessToken, error) {
	tok, err := s.refreshLocalToken(ctx, refreshToken, accountID)
	s.metrics.grant("refresh_token", err)
	return tok, err
}

func (s *Service) refreshLocalToken(ctx context.Context, refreshToken, accountID string) (*store.AccessToken, error) {
	old, err := s.grants.GetAccessTokenByRefresh(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	} else if err != nil {
		return nil, err
	}
	if old.AccountID != accountID || old.Revoked {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	}
	if !old.CanRefresh(s.now()) {
		return nil, errors.Mark(ErrExpiredGrant, 0)
	}

	next, err := s.newAccessToken(ctx, accountID, old.OpenID, old.UnionID, old.Scope)
	if err != nil {
		return nil, err
	}
	err = s.grants.RotateAccessToken(ctx, refreshToken, next)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidGrant, 0)
	} else if err != nil {
		return nil, err
	}
	return next, nil
}

// TokenTypeHint values accepted by RevokeLocalToken.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// RevokeLocalToken revokes the token holding value. The hint picks which
// lookup is tried first; the other is tried when it misses. Unknown tokens,
// and tokens of another account, are a silent success.
func (s *Service) RevokeLocalToken(ctx context.Context, value, accountID, hint string) error {
	lookups := []func(context.Context, string) (*store.AccessToken, error){
		s.grants.GetAccessToken,
		s.grants.GetAccessTokenByRefresh,
	}
	if hint == HintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		t, err := lookup(ctx, value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		if t.AccountID != accountID {
			return nil
		}
		err = s.grants.RevokeAccessToken(ctx, t.AccessToken)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		logging.Infow(ctx, "bridge: local token revoked", "wechat.openid", t.OpenID, "bridge.account_id", accountID)
		return nil
	}
	return nil
}

// IntrospectLocalToken returns the token and whether it is currently active.
// Unknown tokens, and tokens of another account, are reported inactive.
func (s *Service) IntrospectLocalToken(ctx context.Context, value, accountID string) (*store.AccessToken, bool, error) {
	t, err := s.grants.GetAccessToken(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if t.AccountID != accountID {
		return nil, false, nil
	}
	return t, t.IsValid(s.now()), nil
}

// AuthenticateBearer returns the active token for a bearer value.
func (s *Service) AuthenticateBearer(ctx context.Context, value string) (*store.AccessToken, error) {
	if value == "" {
		return nil, errors.Mark(ErrInvalidToken, 0)
	}
	t, err := s.grants.GetAccessToken(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}
	if !t.IsValid(s.now()) {
		return nil, errors.Mark(ErrInvalidToken, 0)
	}
	return t, nil
}

// LocalUserInfo returns the upstream record behind an active bearer token.
func (s *Service) LocalUserInfo(ctx context.Context, bearer string) (*store.UserToken, *store.AccessToken, error) {
	t, err := s.AuthenticateBearer(ctx, bearer)
	if err != nil {
		return nil, nil, err
	}

	var rec *store.UserToken
	if cfg, cerr := s.configs.GetConfig(ctx, t.AccountID); cerr == nil {
		rec, err = s.users.FindUserToken(ctx, cfg.ID, t.OpenID)
	} else {
		rec, err = s.users.FindUserTokenByOpenID(ctx, t.OpenID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errors.Mark(ErrInvalidToken, 0).Append("no upstream record")
	} else if err != nil {
		return nil, nil, err
	}
	return rec, t, nil
}

// RefreshUpstreamToken renews the stored WeChat access token for openID. It
// reports whether the record was refreshed; failures are logged, never
// returned.
func (s *Service) RefreshUpstreamToken(ctx context.Context, openID string) bool {
	err := s.refreshUpstreamToken(ctx, openID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warnw(ctx, "bridge: upstream refresh failed", "wechat.openid", openID, "error", err)
		}
		return false
	}
	return true
}

func (s *Service) refreshUpstreamToken(ctx context.Context, openID string) error {
	rec, err := s.users.FindUserTokenByOpenID(ctx, openID)
	if err != nil {
		return err
	}
	cfg, err := s.configs.GetConfigByID(ctx, rec.ConfigID)
	if err != nil {
		return err
	}
	acct, err := s.credentials(ctx, cfg)
	if err != nil {
		return err
	}

	tok, err := s.provider.Refresh(ctx, wechat.Credentials{AppID: acct.AppID, AppSecret: acct.AppSecret}, rec.RefreshToken)
	s.metrics.upstream("refresh", err)
	if err != nil {
		return upstreamError(ErrUpstreamRefresh, err)
	}

	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	if tok.Scope != "" {
		rec.Scope = tok.Scope
	}
	rec.SetExpiresIn(tok.ExpiresIn, s.now())
	return s.users.UpsertUserToken(ctx, rec)
}

// ValidateUpstreamToken asks WeChat whether the stored access token for
// openID is still accepted. A missing record, or one whose token is already
// past its expiry, is reported as not valid without calling WeChat.
func (s *Service) ValidateUpstreamToken(ctx context.Context, openID string) (bool, error) {
	rec, err := s.users.FindUserTokenByOpenID(ctx, openID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if rec.IsAccessTokenExpired(s.now()) {
		return false, nil
	}
	ok, err := s.provider.Validate(ctx, rec.AccessToken, rec.OpenID)
	s.metrics.upstream("validate", err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// HTTPStatus maps a service error onto the status code used by handlers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return errors.HTTPStatusCode(err)
}
