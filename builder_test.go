package wxauth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	withConfig(t, map[string]interface{}{})
	return New(append([]ServerOption{
		WithLogger(logging.NewDevLogger()),
		WithHost("127.0.0.1"),
		WithPort(0),
	}, opts...)...)
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHealthzFailingCheck(t *testing.T) {
	s := newTestServer(t,
		WithHealthCheck("store", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)
	rec := serve(s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, map[string]string{"store": "ok", "redis": "connection refused"}, body.Checks)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "wxauth_test_total", Help: "test"}).Inc()

	s := newTestServer(t, WithMetricsGatherer(reg))
	rec := serve(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wxauth_test_total 1")

	s = newTestServer(t)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics").Code)
}

func TestTrustProxyHeaders(t *testing.T) {
	remote := WithHTTPHandler("/ip", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.RemoteAddr))
	}))
	request := func(s *Server) string {
		req := httptest.NewRequest(http.MethodGet, "/ip", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Body.String()
	}

	assert.Equal(t, "192.0.2.1:1234", request(newTestServer(t, remote)), "forwarded headers are ignored by default")
	assert.Equal(t, "203.0.113.9", request(newTestServer(t, remote, WithTrustProxyHeaders(true))))
}

func TestSecurityHeadersDisabled(t *testing.T) {
	s := newTestServer(t, WithSecurityHeaders(nil))
	rec := serve(s, http.MethodGet, "/healthz")
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
}

func TestServeStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestServer(t, WithContext(ctx), WithShutdownTimeout(time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestShutdown(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown(context.Background()), "shutdown before start is a no-op")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.httpServer != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}
