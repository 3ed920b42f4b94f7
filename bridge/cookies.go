package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// Cookie names.
const (
	SessionCookieName  = "wx-session"
	PendingCookieName  = "wx-pending"
	IdentityCookieName = "wx-identity"
)

// Leeway for identity token expiration checks.
const jwtLeeway = 5 * time.Second

// Returns the session id from the request, minting and setting a new one when
// the cookie is absent.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// pendingGrant remembers that a client asked for a local code, across the
// provider round trip. It is bound to the upstream state value.
type pendingGrant struct {
	UpstreamState string    `json:"u"`
	RedirectURI   string    `json:"r"`
	ClientState   string    `json:"s,omitempty"`
	Scope         string    `json:"c,omitempty"`
	TimeStamp     time.Time `json:"t"`
	Signature     string    `json:"sig,omitempty"`
}

func (p *pendingGrant) encode() string {
	b, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (p *pendingGrant) sign(key []byte) {
	p.Signature = ""
	m := hmac.New(sha256.New, key)
	m.Write([]byte(p.encode()))
	p.Signature = hex.EncodeToString(m.Sum(nil))
}

func (h *Handler) setPending(w http.ResponseWriter, p *pendingGrant) {
	p.sign(h.cookieKey)
	http.SetCookie(w, &http.Cookie{
		Name:     PendingCookieName,
		Value:    p.encode(),
		Path:     "/",
		MaxAge:   int(h.pendingTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearPending(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     PendingCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
	})
}

// Returns the pending grant for upstreamState, or nil when there is none or
// it doesn't verify.
func (h *Handler) readPending(r *http.Request, upstreamState string) *pendingGrant {
	c, err := r.Cookie(PendingCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	p, err := parsePending(c.Value, h.cookieKey, h.now(), h.pendingTTL)
	if err != nil || p.UpstreamState != upstreamState {
		return nil
	}
	return p
}

func parsePending(s string, key []byte, now time.Time, ttl time.Duration) (*pendingGrant, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewC("bridge: pending grant is not base64 encoded", codes.InvalidArgument)
	}
	var p pendingGrant
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.NewC("bridge: pending grant json decode failed", codes.InvalidArgument)
	}
	if !now.Before(p.TimeStamp.Add(ttl)) {
		return nil, errors.NewC("bridge: pending grant has expired", codes.InvalidArgument)
	}

	actual, err := hex.DecodeString(p.Signature)
	if err != nil {
		return nil, errors.NewC("bridge: pending grant has invalid signature", codes.InvalidArgument)
	}
	expected := p
	expected.sign(key)
	want, _ := hex.DecodeString(expected.Signature)
	if !hmac.Equal(actual, want) {
		return nil, errors.NewC("bridge: pending grant has invalid signature", codes.InvalidArgument)
	}
	return &p, nil
}

// IdentityClaims are carried by the identity cookie set after a successful
// callback.
type IdentityClaims struct {
	jwt.RegisteredClaims
	UnionID  string `json:"unionid,omitempty"`
	Nickname string `json:"name,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// Identity is the verified content of an identity token.
type Identity struct {
	SessionID string
	OpenID    string
	UnionID   string
	Nickname  string
	Scope     string
	IssuedAt  time.Time
}

// IdentityToken signs an HS256 JWT for id. The issuer and audience are both
// the bridge's own address.
func IdentityToken(key []byte, issuer string, id Identity, expiration time.Duration) (string, error) {
	claims := &IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.SessionID,
			Subject:   id.OpenID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(id.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(id.IssuedAt.Add(expiration)),
		},
		UnionID:  id.UnionID,
		Nickname: id.Nickname,
		Scope:    id.Scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, 0).WithCode(codes.Unauthenticated)
	}
	return ss, nil
}

// ParseIdentityToken validates a token created by IdentityToken.
func ParseIdentityToken(key []byte, issuer string, tokenString string, now func() time.Time) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&IdentityClaims{},
		func(token *jwt.Token) (interface{}, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(issuer),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Identity{}, errors.Wrap(err, 0).WithCode(codes.Unauthenticated)
	}
	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return Identity{}, errors.Mark(ErrInvalidToken, 0).Append("invalid claims")
	}
	return Identity{
		SessionID: claims.ID,
		OpenID:    claims.Subject,
		UnionID:   claims.UnionID,
		Nickname:  claims.Nickname,
		Scope:     claims.Scope,
		IssuedAt:  claims.IssuedAt.Time,
	}, nil
}

func (h *Handler) setIdentity(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     IdentityCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.identityExpiration / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
