package wxauth

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"google.golang.org/grpc/codes"
)

type XFramesOptions string

const (
	XFramesOptionsNone       XFramesOptions = ""
	XFramesOptionsDeny       XFramesOptions = "DENY"
	XFramesOptionsSameOrigin XFramesOptions = "SAMEORIGIN"
)

// HSTS requires a minimum expiration of 1 year for preload.
var ErrBadHSTSExpiration = errors.NewC("wxauth: HSTS preload requires expiration of at least 1 year", codes.FailedPrecondition)

// SecurityHeaders are set on every response.
type SecurityHeaders struct {
	// X-Frame-Options controls whether the browser should allow the page to be
	// rendered in a frame or iframe.
	XFramesOptions XFramesOptions

	// Strict-Transport-Security (HSTS) tells the browser to always use HTTPS
	// when connecting to the site.
	HSTSExpiration        time.Duration
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	once    sync.Once
	headers map[string]string
	err     error
}

// SecurityHeadersFromConfig reads the server.security keys.
func SecurityHeadersFromConfig() *SecurityHeaders {
	return &SecurityHeaders{
		XFramesOptions:        XFramesOptions(Config.String("server.security.xFramesOptions")),
		HSTSExpiration:        Config.Duration("server.security.hstsExpiration"),
		HSTSIncludeSubdomains: Config.Bool("server.security.hstsIncludeSubdomains"),
		HSTSPreload:           Config.Bool("server.security.hstsPreload"),
	}
}

// Apply the security headers to the given response.
func (s *SecurityHeaders) Apply(w http.ResponseWriter) error {
	s.once.Do(s.compute)
	if s.err != nil {
		return s.err
	}
	for k, v := range s.headers {
		w.Header().Set(k, v)
	}
	return nil
}

// Middleware applies the headers before calling next. A misconfiguration is
// logged and fails the request.
func (s *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Apply(w); err != nil {
			logging.Errorw(r.Context(), "wxauth: invalid security headers", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *SecurityHeaders) compute() {
	h := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	if s.XFramesOptions != XFramesOptionsNone {
		h["X-Frame-Options"] = string(s.XFramesOptions)
	}

	if s.HSTSExpiration > 0 {
		v := fmt.Sprintf("max-age=%.0f", s.HSTSExpiration.Seconds())
		if s.HSTSIncludeSubdomains {
			v += "; includeSubDomains"
		}
		if s.HSTSPreload {
			if s.HSTSExpiration < time.Hour*24*365 {
				s.err = ErrBadHSTSExpiration
				return
			}
			v += "; preload"
		}
		h["Strict-Transport-Security"] = v
	}
	s.headers = h
}
