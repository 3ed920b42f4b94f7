// Package wechat is a client for the WeChat official account web
// authorization API.
//
// https://developers.weixin.qq.com/doc/offiaccount/OA_Web_Apps/Wechat_webpage_authorization.html
//
// The flow is:
//
// 1. The user is redirected to AuthorizeURL.
// 2. WeChat redirects back to the callback with `code` and `state`.
// 3. ExchangeCode trades the code for an access token and openid.
// 4. For the snsapi_userinfo scope, UserInfo fetches the profile.
// 5. Refresh extends the access token using the refresh token.
//
// Every call is a single synchronous request. Nothing is retried, since codes
// are single use and a retry would fail the same way.
package wechat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultAuthorizeURL is the browser facing authorize endpoint.
	DefaultAuthorizeURL = "https://open.weixin.qq.com/connect/oauth2/authorize"

	// DefaultAPIBaseURL hosts the sns endpoints.
	DefaultAPIBaseURL = "https://api.weixin.qq.com"

	// DefaultTimeout bounds each provider call.
	DefaultTimeout = 10 * time.Second

	// LangChinese is the profile language requested by the callback.
	LangChinese = "zh_CN"

	maxBodySize = 1 << 20
)

// Credentials identify the upstream official account.
type Credentials struct {
	AppID     string
	AppSecret string
}

// TokenResponse is returned by the code exchange and refresh calls.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	OpenID       string `json:"openid"`
	Scope        string `json:"scope"`
	UnionID      string `json:"unionid,omitempty"`
}

// UserInfoResponse is the profile returned for the snsapi_userinfo scope. Raw
// holds the body exactly as received.
type UserInfoResponse struct {
	OpenID     string          `json:"openid"`
	Nickname   string          `json:"nickname"`
	Sex        int             `json:"sex"`
	Province   string          `json:"province"`
	City       string          `json:"city"`
	Country    string          `json:"country"`
	HeadImgURL string          `json:"headimgurl"`
	Privilege  []string        `json:"privilege"`
	UnionID    string          `json:"unionid,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

type errorEnvelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Its timeout is left
// untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithAuthorizeURL overrides the authorize endpoint.
func WithAuthorizeURL(u string) Option {
	return func(c *Client) {
		c.authorizeURL = u
	}
}

// WithAPIBaseURL overrides the API host, used to point tests at a fake.
func WithAPIBaseURL(u string) Option {
	return func(c *Client) {
		c.apiBaseURL = strings.TrimRight(u, "/")
	}
}

// New returns a client for the public WeChat endpoints.
func New(opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{Timeout: DefaultTimeout},
		authorizeURL: DefaultAuthorizeURL,
		apiBaseURL:   DefaultAPIBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client calls the WeChat web authorization API.
type Client struct {
	http         *http.Client
	authorizeURL string
	apiBaseURL   string
}

// AuthorizeURL builds the URL the browser is sent to. WeChat rejects requests
// whose parameters are out of order, so the query is assembled by hand rather
// than through url.Values, which sorts keys.
func (c *Client) AuthorizeURL(appID, redirectURI, scope, state string) string {
	var sb strings.Builder
	sb.WriteString(c.authorizeURL)
	sb.WriteString("?appid=")
	sb.WriteString(url.QueryEscape(appID))
	sb.WriteString("&redirect_uri=")
	sb.WriteString(url.QueryEscape(redirectURI))
	sb.WriteString("&response_type=code&scope=")
	sb.WriteString(url.QueryEscape(scope))
	sb.WriteString("&state=")
	sb.WriteString(url.QueryEscape(state))
	sb.WriteString("#wechat_redirect")
	return sb.String()
}

// ExchangeCode trades an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, creds Credentials, code string) (*TokenResponse, error) {
	q := url.Values{}
	q.Set("appid", creds.AppID)
	q.Set("secret", creds.AppSecret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")

	var resp TokenResponse
	if _, err := c.get(ctx, "exchange code", "/sns/oauth2/access_token", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh renews an access token. WeChat refresh tokens last 30 days.
func (c *Client) Refresh(ctx context.Context, creds Credentials, refreshToken string) (*TokenResponse, error) {
	q := url.Values{}
	q.Set("appid", creds.AppID)
	q.Set("grant_type", "refresh_token")
	q.Set("refresh_token", refreshToken)

	var resp TokenResponse
	if _, err := c.get(ctx, "refresh", "/sns/oauth2/refresh_token", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UserInfo fetches the profile of openID. Requires the snsapi_userinfo scope.
func (c *Client) UserInfo(ctx context.Context, accessToken, openID, lang string) (*UserInfoResponse, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("openid", openID)
	q.Set("lang", lang)

	var resp UserInfoResponse
	body, err := c.get(ctx, "userinfo", "/sns/userinfo", q, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = body
	return &resp, nil
}

// Validate checks whether accessToken is still accepted for openID. A provider
// errcode means the token is invalid and is not an error. Transport failures
// are returned as errors so they aren't mistaken for an invalid token.
func (c *Client) Validate(ctx context.Context, accessToken, openID string) (bool, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("openid", openID)

	if _, err := c.get(ctx, "validate", "/sns/auth", q, nil); err != nil {
		if IsProvider(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Issues the request, checks the errcode envelope and decodes into out when
// non-nil. The raw body is returned for callers that keep it.
func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, transportError(op, 0, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, 0, err)
	}
	defer resp.Body.Close()

	logging.Debugw(ctx, "wechat: call finished", "wechat.op", op, "http.status", resp.StatusCode,
		"wechat.duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, transportError(op, resp.StatusCode, nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(op, 0, err)
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, transportError(op, 0, err)
	}
	if env.ErrCode != 0 {
		return nil, errors.Wrap(&ProviderError{Code: env.ErrCode, Message: env.ErrMsg}, 0).
			WithCode(codes.FailedPrecondition)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, transportError(op, 0, err)
		}
	}
	return body, nil
}

func transportError(op string, status int, err error) error {
	return errors.Wrap(&TransportError{Op: op, StatusCode: status, Err: err}, 1).
		WithCode(codes.Unavailable)
}
