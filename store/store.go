// Package store defines the persistence contracts for provider configs, state
// tokens, upstream user records and locally issued grants, along with the
// models they operate on. Backends live in sub-packages and share the
// acceptance suite in storetests.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/dpup/wxauth/errors"
	"google.golang.org/grpc/codes"
)

var (
	// Returned when a record doesn't exist, or exists but is no longer usable.
	ErrNotFound = errors.NewC("record not found", codes.NotFound)

	// Returned when a record conflicts with an existing key.
	ErrAlreadyExists = errors.NewC("record already exists", codes.AlreadyExists)

	// Returned when a guarded update found nothing to transition, for example a
	// code that was redeemed concurrently.
	ErrConflict = errors.NewC("record was modified concurrently", codes.Aborted)

	// Returned when a model is missing required fields.
	ErrInvalidModel = errors.NewC("invalid model", codes.InvalidArgument)
)

// Retention windows applied by cleanup.
const (
	// Used state tokens are kept this long after use.
	UsedStateRetention = 24 * time.Hour

	// Upstream records untouched for this long, with an expired access token,
	// are purged.
	UserTokenRetention = 30 * 24 * time.Hour
)

// ConfigStore persists provider configurations.
type ConfigStore interface {
	// GetConfig returns the config for an account.
	GetConfig(ctx context.Context, accountID string) (*Config, error)

	GetConfigByID(ctx context.Context, id string) (*Config, error)

	// FindUsableConfig returns the enabled default config, falling back to the
	// oldest enabled config.
	FindUsableConfig(ctx context.Context) (*Config, error)

	// SaveConfig creates or updates the config for c.AccountID.
	SaveConfig(ctx context.Context, c *Config) error

	// SetDefaultConfig atomically clears the default flag on every config and
	// sets it on id.
	SetDefaultConfig(ctx context.Context, id string) error

	ListConfigs(ctx context.Context) ([]*Config, error)
	DeleteConfig(ctx context.Context, id string) error
}

// StateStore persists one-time state tokens.
type StateStore interface {
	CreateState(ctx context.Context, s *StateToken) error

	// FindUsableState returns the token only if it is valid and unexpired.
	FindUsableState(ctx context.Context, value string) (*StateToken, error)

	// ConsumeState atomically transitions a valid, unexpired token to used and
	// returns it. Of two concurrent consumers exactly one succeeds; the other
	// gets ErrNotFound.
	ConsumeState(ctx context.Context, value string) (*StateToken, error)

	// CleanupStates removes expired tokens and used tokens past retention.
	CleanupStates(ctx context.Context) (int64, error)
}

// UserTokenStore persists upstream profiles and credentials.
type UserTokenStore interface {
	// UpsertUserToken inserts or updates the record keyed by (ConfigID,
	// OpenID). ID and CreatedAt are populated from the stored row.
	UpsertUserToken(ctx context.Context, u *UserToken) error

	FindUserToken(ctx context.Context, configID, openID string) (*UserToken, error)

	// FindUserTokenByOpenID returns the most recently updated record for the
	// openid across all configs.
	FindUserTokenByOpenID(ctx context.Context, openID string) (*UserToken, error)

	// CleanupUserTokens removes records whose access token expired and that
	// haven't been touched within UserTokenRetention.
	CleanupUserTokens(ctx context.Context) (int64, error)
}

// GrantStore persists locally issued authorization codes and access tokens.
type GrantStore interface {
	CreateAuthCode(ctx context.Context, c *AuthCode) error
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// RedeemAuthCode marks the code used and inserts the token in one
	// transaction. If the code was already used, ErrConflict is returned and
	// nothing is written.
	RedeemAuthCode(ctx context.Context, code string, t *AccessToken) error

	CreateAccessToken(ctx context.Context, t *AccessToken) error
	GetAccessToken(ctx context.Context, accessToken string) (*AccessToken, error)
	GetAccessTokenByRefresh(ctx context.Context, refreshToken string) (*AccessToken, error)

	// RotateAccessToken revokes the token holding refreshToken and inserts next
	// in one transaction. If the old token was already revoked, ErrConflict is
	// returned and nothing is written.
	RotateAccessToken(ctx context.Context, refreshToken string, next *AccessToken) error

	// RevokeAccessToken marks the token revoked. It returns ErrNotFound when no
	// token has that access value.
	RevokeAccessToken(ctx context.Context, accessToken string) error

	// CleanupAuthCodes removes expired or used codes.
	CleanupAuthCodes(ctx context.Context) (int64, error)

	// CleanupAccessTokens removes revoked tokens and tokens whose access and
	// refresh parts have both expired.
	CleanupAccessTokens(ctx context.Context) (int64, error)
}

// Store is implemented by backends that provide every contract.
type Store interface {
	ConfigStore
	StateStore
	UserTokenStore
	GrantStore
	Close() error
}

// Clock returns the current time. Stores use it for expiry checks so tests can
// control time.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// RandomValue returns n random bytes encoded as hex.
func RandomValue(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("store: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
