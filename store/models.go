package store

import (
	"encoding/json"
	"strings"
	"time"
)

// ScopeUserInfo is the provider scope that grants access to the detailed
// profile.
const ScopeUserInfo = "snsapi_userinfo"

// ScopeBase grants only the openid.
const ScopeBase = "snsapi_base"

// Config binds an upstream account to the scopes requested from the provider.
type Config struct {
	ID        string
	AccountID string
	Scope     string // space delimited
	Enabled   bool
	IsDefault bool
	Remark    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasScope reports whether scope contains s as a whole word. Scopes may be
// separated by spaces or commas.
func HasScope(scope, s string) bool {
	for _, f := range strings.FieldsFunc(scope, func(r rune) bool { return r == ' ' || r == ',' }) {
		if f == s {
			return true
		}
	}
	return false
}

// StateToken is the one-time CSRF token carried through the provider round
// trip.
type StateToken struct {
	Value     string
	ConfigID  string
	SessionID string
	Valid     bool
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewStateToken returns a fresh, valid state token that expires after ttl.
func NewStateToken(configID, sessionID string, now time.Time, ttl time.Duration) *StateToken {
	return &StateToken{
		Value:     RandomValue(32),
		ConfigID:  configID,
		SessionID: sessionID,
		Valid:     true,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// IsValidState reports whether the token can still be consumed. The expiry
// boundary is exclusive.
func (s *StateToken) IsValidState(now time.Time) bool {
	return s.Valid && now.Before(s.ExpiresAt)
}

// MarkAsUsed invalidates the token. A token is never re-armed, and marking an
// already used token keeps the original timestamp.
func (s *StateToken) MarkAsUsed(now time.Time) {
	if !s.Valid {
		return
	}
	s.Valid = false
	s.UsedAt = &now
}

// Sex as reported by the provider.
type Sex int

const (
	SexUnknown Sex = 0
	SexMale    Sex = 1
	SexFemale  Sex = 2
)

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "male"
	case SexFemale:
		return "female"
	default:
		return "unknown"
	}
}

// UserToken is the persisted profile and upstream credentials for one openid
// under one config.
type UserToken struct {
	ID                   string
	ConfigID             string
	OpenID               string
	UnionID              string
	Nickname             string
	Sex                  Sex
	Province             string
	City                 string
	Country              string
	HeadImgURL           string
	Privileges           []string
	AccessToken          string
	RefreshToken         string
	ExpiresIn            int
	AccessTokenExpiresAt time.Time
	Scope                string
	RawData              json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SetExpiresIn records the lifetime reported by the provider and derives the
// absolute expiry from it. Expiry is never set any other way.
func (u *UserToken) SetExpiresIn(seconds int, now time.Time) {
	u.ExpiresIn = seconds
	u.AccessTokenExpiresAt = now.Add(time.Duration(seconds) * time.Second)
}

// IsAccessTokenExpired reports whether the upstream access token has expired.
func (u *UserToken) IsAccessTokenExpired(now time.Time) bool {
	return !now.Before(u.AccessTokenExpiresAt)
}

// AuthCode is a locally issued, single use authorization code.
type AuthCode struct {
	Code        string
	OpenID      string
	UnionID     string
	RedirectURI string
	Scope       string
	State       string
	AccountID   string
	ExpiresAt   time.Time
	Used        bool
	CreatedAt   time.Time
}

// IsExpired reports whether the code is past its expiry.
func (c *AuthCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Redeemable reports whether the code can be exchanged for the given
// redirect uri. The redirect uri must match exactly.
func (c *AuthCode) Redeemable(now time.Time, redirectURI string) bool {
	return !c.Used && !c.IsExpired(now) && c.RedirectURI == redirectURI
}

// AccessToken is a locally issued access token with an optional refresh
// token.
type AccessToken struct {
	AccessToken           string
	RefreshToken          string
	OpenID                string
	UnionID               string
	Scope                 string
	AccountID             string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	Revoked               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsValid reports whether the access token can be used.
func (t *AccessToken) IsValid(now time.Time) bool {
	return !t.Revoked && now.Before(t.AccessTokenExpiresAt)
}

// CanRefresh reports whether the refresh token can be used.
func (t *AccessToken) CanRefresh(now time.Time) bool {
	if t.Revoked || t.RefreshToken == "" {
		return false
	}
	return t.RefreshTokenExpiresAt == nil || now.Before(*t.RefreshTokenExpiresAt)
}

// ExpiresIn returns the remaining lifetime of the access token in whole
// seconds.
func (t *AccessToken) ExpiresIn(now time.Time) int64 {
	d := t.AccessTokenExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
