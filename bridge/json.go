package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/dpup/wxauth/logging"
)

// JSONHandler is an HTTP handler whose result is encoded as JSON. Errors are
// rendered as RFC 6749 error bodies.
type JSONHandler func(req *http.Request) (any, error)

// OAuthErrorResponse is the body written for failed token endpoint calls.
type OAuthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func wrapJSONHandler(fn JSONHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r)
		if err != nil {
			writeOAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code, desc, status := oauthError(err)
	logging.TrackError(r.Context(), err)
	if status >= http.StatusInternalServerError {
		logging.Errorw(r.Context(), "bridge: token endpoint error", "error", err,
			"req.method", r.Method, "req.url", r.URL.String())
	}

	switch code {
	case "invalid_client":
		w.Header().Set("WWW-Authenticate", `Basic realm="wxauth"`)
	case "invalid_token":
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeJSON(w, status, &OAuthErrorResponse{Error: code, ErrorDescription: desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
