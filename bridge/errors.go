package bridge

import (
	"fmt"
	"net/http"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/wechat"
	oauth2errors "github.com/go-oauth2/oauth2/v4/errors"
	"google.golang.org/grpc/codes"
)

var (
	// Returned when no enabled config, or its account, can be resolved.
	ErrConfiguration = errors.NewC("bridge: not configured", codes.NotFound).
				WithPublicMessage("not configured")

	// Returned for any unusable state: never issued, expired or already used.
	ErrInvalidState = errors.NewC("bridge: invalid state", codes.InvalidArgument).
			WithPublicMessage("The authorization request is invalid or has expired")

	ErrUpstreamExchange = errors.NewC("bridge: upstream code exchange failed", codes.Unavailable).
				WithHTTPStatusCode(http.StatusBadGateway).
				WithPublicMessage("WeChat authorization failed")

	ErrUpstreamRefresh = errors.NewC("bridge: upstream refresh failed", codes.Unavailable).
				WithHTTPStatusCode(http.StatusBadGateway)

	ErrInvalidGrant     = errors.NewC("bridge: invalid grant", codes.InvalidArgument)
	ErrExpiredGrant     = errors.NewC("bridge: expired grant", codes.InvalidArgument)
	ErrRedirectMismatch = errors.NewC("bridge: redirect uri mismatch", codes.InvalidArgument)
	ErrInvalidClient    = errors.NewC("bridge: invalid client", codes.Unauthenticated)
	ErrInvalidRequest   = errors.NewC("bridge: invalid request", codes.InvalidArgument)

	ErrUnsupportedGrantType = errors.NewC("bridge: unsupported grant type", codes.InvalidArgument)

	// Returned for bearer tokens that are unknown, expired or revoked.
	ErrInvalidToken = errors.NewC("bridge: invalid token", codes.Unauthenticated)
)

// OAuth2 error code for a redirect uri that doesn't match the one recorded
// with the code. Not part of RFC 6749 but widely used.
const errInvalidRedirectURI = "invalid_redirect_uri"

// Wraps cause so that the result matches both sentinel and the provider or
// transport error underneath. Transport failures are classified as
// Unavailable, provider answers as FailedPrecondition.
func upstreamError(sentinel *errors.Error, cause error) error {
	e := errors.Mark(sentinel, 1)
	e.Err = fmt.Errorf("%w: %w", sentinel.Err, cause)
	if wechat.IsTransport(cause) {
		return e.WithCode(codes.Unavailable)
	}
	return e.WithCode(codes.FailedPrecondition)
}

// oauthError maps an error onto the RFC 6749 error code, description and
// HTTP status returned by the token endpoints.
func oauthError(err error) (code string, description string, status int) {
	switch {
	case errors.Is(err, ErrExpiredGrant):
		return oauth2errors.ErrInvalidGrant.Error(), "expired", http.StatusBadRequest
	case errors.Is(err, ErrInvalidGrant):
		return oauth2errors.ErrInvalidGrant.Error(), oauth2errors.Descriptions[oauth2errors.ErrInvalidGrant], http.StatusBadRequest
	case errors.Is(err, ErrRedirectMismatch):
		return errInvalidRedirectURI, "redirect_uri does not match the authorization request", http.StatusBadRequest
	case errors.Is(err, ErrInvalidClient):
		return oauth2errors.ErrInvalidClient.Error(), oauth2errors.Descriptions[oauth2errors.ErrInvalidClient], http.StatusUnauthorized
	case errors.Is(err, ErrUnsupportedGrantType):
		return oauth2errors.ErrUnsupportedGrantType.Error(), oauth2errors.Descriptions[oauth2errors.ErrUnsupportedGrantType], http.StatusBadRequest
	case errors.Is(err, ErrInvalidRequest):
		return oauth2errors.ErrInvalidRequest.Error(), oauth2errors.Descriptions[oauth2errors.ErrInvalidRequest], http.StatusBadRequest
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token", "The access token is invalid or has expired", http.StatusUnauthorized
	default:
		return oauth2errors.ErrServerError.Error(), oauth2errors.Descriptions[oauth2errors.ErrServerError], http.StatusInternalServerError
	}
}
