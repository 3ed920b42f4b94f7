package bridge

import (
	"crypto/rand"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"github.com/dpup/wxauth/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-oauth2/oauth2/v4"
	"golang.org/x/time/rate"
)

// DefaultIdentityExpiration is the lifetime of the identity cookie.
const DefaultIdentityExpiration = 24 * time.Hour

const callbackFailedDescription = "Sign in could not be completed. Please start again."

// HandlerOption configures the HTTP handler.
type HandlerOption func(*Handler)

// WithLandingURL sets where the browser goes after a callback that didn't
// request a local code.
func WithLandingURL(u string) HandlerOption {
	return func(h *Handler) {
		h.landingURL = u
	}
}

// WithSigningKey enables the identity cookie and signs the pending cookie
// with key.
func WithSigningKey(key []byte) HandlerOption {
	return func(h *Handler) {
		if len(key) > 0 {
			h.signingKey = key
			h.cookieKey = key
		}
	}
}

// WithIssuer sets the issuer and audience of identity tokens.
func WithIssuer(issuer string) HandlerOption {
	return func(h *Handler) {
		if issuer != "" {
			h.issuer = issuer
		}
	}
}

// WithIdentityExpiration sets the lifetime of the identity cookie.
func WithIdentityExpiration(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.identityExpiration = d
		}
	}
}

// WithSecureCookies marks every cookie Secure.
func WithSecureCookies(secure bool) HandlerOption {
	return func(h *Handler) {
		h.secureCookies = secure
	}
}

// WithAllowedRedirects restricts local redirect URIs to the given prefixes.
func WithAllowedRedirects(prefixes ...string) HandlerOption {
	return func(h *Handler) {
		h.allowedRedirects = append(h.allowedRedirects, prefixes...)
	}
}

// WithAuthorizeRateLimit sets the per client limit on /authorize. A zero
// limit disables it.
func WithAuthorizeRateLimit(limit rate.Limit, burst int) HandlerOption {
	return func(h *Handler) {
		if limit <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = newIPLimiter(limit, burst)
	}
}

// WithGzip controls compression of the JSON endpoints. Enabled by default.
func WithGzip(enabled bool) HandlerOption {
	return func(h *Handler) {
		h.gzip = enabled
	}
}

// NewHandler returns the HTTP surface of svc.
func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:                svc,
		landingURL:         "/",
		issuer:             "wxauth",
		identityExpiration: DefaultIdentityExpiration,
		pendingTTL:         svc.stateTTL,
		now:                svc.now,
		limiter:            newIPLimiter(DefaultAuthorizeRate, DefaultAuthorizeBurst),
		gzip:               true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cookieKey == nil {
		// Pending grants only live for one round trip, so a per-process key
		// suffices when no signing key is configured.
		h.cookieKey = make([]byte, 32)
		if _, err := rand.Read(h.cookieKey); err != nil {
			panic(err)
		}
	}
	return h
}

// Handler serves the browser flow and the local OAuth2 endpoints.
type Handler struct {
	svc     *Service
	limiter *ipLimiter
	now     func() time.Time

	landingURL         string
	signingKey         []byte
	cookieKey          []byte
	issuer             string
	identityExpiration time.Duration
	pendingTTL         time.Duration
	secureCookies      bool
	allowedRedirects   []string
	gzip               bool
}

// Routes returns a router with every bridge route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	authorize := http.Handler(http.HandlerFunc(h.authorize))
	if h.limiter != nil {
		authorize = h.limiter.middleware(authorize)
	}
	r.Method(http.MethodGet, "/authorize", authorize)
	r.Get("/callback", h.callback)

	r.Group(func(r chi.Router) {
		if h.gzip {
			r.Use(gziphandler.GzipHandler)
		}
		r.Method(http.MethodPost, "/oauth2/token", wrapJSONHandler(h.token))
		r.Method(http.MethodPost, "/oauth2/revoke", wrapJSONHandler(h.revoke))
		r.Method(http.MethodPost, "/oauth2/introspect", wrapJSONHandler(h.introspect))
		r.Method(http.MethodGet, "/oauth2/userinfo", wrapJSONHandler(h.userInfo))
	})
	return r
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	scope := q.Get("scope")

	var pending *pendingGrant
	if redirectURI := q.Get("redirect_uri"); redirectURI != "" {
		if !h.redirectAllowed(redirectURI) {
			logging.Warnw(ctx, "bridge: redirect uri rejected", "bridge.redirect_uri", redirectURI)
			renderError(w, r, http.StatusBadRequest, errInvalidRedirectURI, "redirect_uri is not allowed")
			return
		}
		pending = &pendingGrant{RedirectURI: redirectURI, ClientState: q.Get("state"), Scope: scope}
	}

	a, err := h.svc.Begin(ctx, h.sessionID(w, r), scope)
	if errors.Is(err, ErrConfiguration) {
		logging.TrackError(ctx, err)
		http.Error(w, "not configured", http.StatusNotFound)
		return
	} else if err != nil {
		logging.TrackError(ctx, err)
		renderError(w, r, HTTPStatus(err), "server_error", errors.PublicMessage(err))
		return
	}

	if pending != nil {
		pending.UpstreamState = a.State.Value
		pending.TimeStamp = h.now()
		h.setPending(w, pending)
	}
	http.Redirect(w, r, a.URL, http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		logging.Track(ctx, "wechat.error", e)
		renderError(w, r, http.StatusBadRequest, e, q.Get("error_description"))
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		http.NotFound(w, r)
		return
	}

	pending := h.readPending(r, state)
	sessionID := h.sessionID(w, r)
	rec, err := h.svc.CompleteCallback(ctx, sessionID, code, state)
	if err != nil {
		h.callbackFailed(w, r, err)
		return
	}

	if h.signingKey != nil {
		tok, err := IdentityToken(h.signingKey, h.issuer, Identity{
			SessionID: sessionID,
			OpenID:    rec.OpenID,
			UnionID:   rec.UnionID,
			Nickname:  rec.Nickname,
			Scope:     rec.Scope,
			IssuedAt:  h.now(),
		}, h.identityExpiration)
		if err != nil {
			logging.Errorw(ctx, "bridge: failed to sign identity token", "error", err)
		} else {
			h.setIdentity(w, tok)
		}
	}

	if pending == nil {
		http.Redirect(w, r, withQuery(h.landingURL, "openid", rec.OpenID), http.StatusFound)
		return
	}

	h.clearPending(w)
	c, err := h.svc.MintLocalCode(ctx, rec, pending.RedirectURI, pending.Scope, pending.ClientState)
	if err != nil {
		h.callbackFailed(w, r, err)
		return
	}
	target := withQuery(pending.RedirectURI, "code", c.Code)
	if c.State != "" {
		target = withQuery(target, "state", c.State)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// The browser sees the same page whatever went wrong; the cause is logged.
func (h *Handler) callbackFailed(w http.ResponseWriter, r *http.Request, err error) {
	logging.TrackError(r.Context(), err)
	renderError(w, r, http.StatusBadRequest, "callback_failed", callbackFailedDescription)
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	OpenID       string `json:"openid"`
}

func (h *Handler) token(r *http.Request) (any, error) {
	acct, err := h.authenticateClient(r)
	if err != nil {
		return nil, err
	}

	var tok *store.AccessToken
	switch oauth2.GrantType(r.PostFormValue("grant_type")) {
	case oauth2.AuthorizationCode:
		code := r.PostFormValue("code")
		if code == "" {
			return nil, errors.Mark(ErrInvalidRequest, 0).Append("missing code")
		}
		tok, err = h.svc.ExchangeLocalCode(r.Context(), code, r.PostFormValue("redirect_uri"), acct)
	case oauth2.Refreshing:
		refresh := r.PostFormValue("refresh_token")
		if refresh == "" {
			return nil, errors.Mark(ErrInvalidRequest, 0).Append("missing refresh_token")
		}
		tok, err = h.svc.RefreshLocalToken(r.Context(), refresh, acct)
	case "":
		return nil, errors.Mark(ErrInvalidRequest, 0).Append("missing grant_type")
	default:
		return nil, errors.Mark(ErrUnsupportedGrantType, 0)
	}
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    tok.ExpiresIn(h.now()),
		Scope:        tok.Scope,
		OpenID:       tok.OpenID,
	}, nil
}

func (h *Handler) revoke(r *http.Request) (any, error) {
	acct, err := h.authenticateClient(r)
	if err != nil {
		return nil, err
	}
	value := r.PostFormValue("token")
	if value == "" {
		return nil, errors.Mark(ErrInvalidRequest, 0).Append("missing token")
	}
	if err := h.svc.RevokeLocalToken(r.Context(), value, acct, r.PostFormValue("token_type_hint")); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// IntrospectionResponse follows RFC 7662. Only Active is set for inactive
// tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	OpenID    string `json:"openid,omitempty"`
	UnionID   string `json:"unionid,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

func (h *Handler) introspect(r *http.Request) (any, error) {
	acct, err := h.authenticateClient(r)
	if err != nil {
		return nil, err
	}
	value := r.PostFormValue("token")
	if value == "" {
		return nil, errors.Mark(ErrInvalidRequest, 0).Append("missing token")
	}
	t, active, err := h.svc.IntrospectLocalToken(r.Context(), value, acct)
	if err != nil {
		return nil, err
	}
	if !active {
		return &IntrospectionResponse{}, nil
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     t.Scope,
		ClientID:  t.AccountID,
		OpenID:    t.OpenID,
		UnionID:   t.UnionID,
		Subject:   t.OpenID,
		TokenType: "Bearer",
		Exp:       t.AccessTokenExpiresAt.Unix(),
		Iat:       t.CreatedAt.Unix(),
	}, nil
}

// UserInfoResponse is the profile served to holders of a local access token.
type UserInfoResponse struct {
	OpenID     string   `json:"openid"`
	UnionID    string   `json:"unionid,omitempty"`
	Nickname   string   `json:"nickname,omitempty"`
	Sex        int      `json:"sex"`
	Province   string   `json:"province,omitempty"`
	City       string   `json:"city,omitempty"`
	Country    string   `json:"country,omitempty"`
	HeadImgURL string   `json:"headimgurl,omitempty"`
	Privilege  []string `json:"privilege,omitempty"`
	Scope      string   `json:"scope,omitempty"`
}

func (h *Handler) userInfo(r *http.Request) (any, error) {
	rec, t, err := h.svc.LocalUserInfo(r.Context(), bearerToken(r))
	if err != nil {
		return nil, err
	}
	return &UserInfoResponse{
		OpenID:     rec.OpenID,
		UnionID:    rec.UnionID,
		Nickname:   rec.Nickname,
		Sex:        int(rec.Sex),
		Province:   rec.Province,
		City:       rec.City,
		Country:    rec.Country,
		HeadImgURL: rec.HeadImgURL,
		Privilege:  rec.Privileges,
		Scope:      t.Scope,
	}, nil
}

// Authenticates the calling client with HTTP Basic or form credentials and
// returns its account id. The secret is the account's app secret.
func (h *Handler) authenticateClient(r *http.Request) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", errors.Mark(ErrInvalidRequest, 0).Append(err.Error())
	}

	id, secret, ok := r.BasicAuth()
	if ok {
		// RFC 6749 2.3.1 form-encodes both values.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
	} else {
		id, secret = r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	}
	if id == "" || secret == "" {
		return "", errors.Mark(ErrInvalidClient, 0).Append("missing credentials")
	}

	acct, err := h.svc.accounts.Lookup(r.Context(), id)
	if err != nil {
		return "", errors.Mark(ErrInvalidClient, 0).Append("unknown client")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(acct.AppSecret)) != 1 {
		return "", errors.Mark(ErrInvalidClient, 0).Append("bad secret")
	}
	logging.Track(r.Context(), "bridge.client_id", acct.ID)
	return acct.ID, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// Local redirect URIs must be absolute http(s) URLs without a fragment and,
// when an allowlist is configured, start with one of its prefixes.
func (h *Handler) redirectAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	if len(h.allowedRedirects) == 0 {
		return true
	}
	for _, prefix := range h.allowedRedirects {
		if strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
