package wxauth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/wxauth/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOptions customize the configuration and operation of the HTTP server.
type ServerOption func(*builder)

// HealthCheck reports whether a dependency is usable. Checks are run on every
// request to /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type handler struct {
	prefix      string
	httpHandler http.Handler
}

// New returns a new server, configured from Config and then opts.
func New(opts ...ServerOption) *Server {
	b := &builder{
		host:            Config.String("server.host"),
		port:            Config.Int("server.port"),
		certFile:        Config.String("server.tls.certFile"),
		keyFile:         Config.String("server.tls.keyFile"),
		shutdownTimeout: Config.Duration("server.shutdownTimeout"),
		securityHeaders: SecurityHeadersFromConfig(),
		trustProxy:      Config.Bool("server.trustProxyHeaders"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

type builder struct {
	baseContext     context.Context
	logger          logging.Logger
	host            string
	port            int
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration
	securityHeaders *SecurityHeaders
	gatherer        prometheus.Gatherer
	trustProxy      bool

	handlers     []handler
	healthChecks []HealthCheck
}

func (b *builder) build() *Server {
	if b.baseContext == nil {
		b.baseContext = context.Background()
	}
	if b.logger == nil {
		b.logger = logging.NewLogger(Config.Bool("logging.dev"), Config.String("logging.level"))
	}
	if b.shutdownTimeout <= 0 {
		b.shutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	if b.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(logging.Middleware(b.logger))
	if b.securityHeaders != nil {
		r.Use(b.securityHeaders.Middleware)
	}

	r.Get("/healthz", healthHandler(b.healthChecks))
	if b.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	}
	for _, h := range b.handlers {
		r.Mount(h.prefix, h.httpHandler)
	}

	return &Server{
		baseContext:     logging.With(b.baseContext, b.logger),
		host:            b.host,
		port:            b.port,
		certFile:        b.certFile,
		keyFile:         b.keyFile,
		shutdownTimeout: b.shutdownTimeout,
		router:          r,
	}
}

// WithContext sets the base context for the server. Cancelling it shuts the
// server down.
func WithContext(ctx context.Context) ServerOption {
	return func(b *builder) {
		b.baseContext = ctx
	}
}

// WithLogger sets the root logger that request scoped loggers derive from.
//
// Config keys: `logging.dev`, `logging.level`.
func WithLogger(logger logging.Logger) ServerOption {
	return func(b *builder) {
		b.logger = logger
	}
}

// WithHost configures the hostname or IP the server will listen on.
//
// Config key: `server.host`.
func WithHost(host string) ServerOption {
	return func(b *builder) {
		b.host = host
	}
}

// WithPort configures the port the server will listen on.
//
// Config key: `server.port`.
func WithPort(port int) ServerOption {
	return func(b *builder) {
		b.port = port
	}
}

// WithTrustProxyHeaders takes the client address from X-Forwarded-For and
// X-Real-IP. Only enable it behind a proxy that sets those headers, since
// the /authorize rate limit is keyed on that address.
//
// Config key: `server.trustProxyHeaders`.
func WithTrustProxyHeaders(trust bool) ServerOption {
	return func(b *builder) {
		b.trustProxy = trust
	}
}

// WithShutdownTimeout bounds how long Start waits for connections to drain.
//
// Config key: `server.shutdownTimeout`.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(b *builder) {
		b.shutdownTimeout = d
	}
}

// WithSecurityHeaders sets the security headers that should be set on HTTP
// responses. Pass nil to disable them.
//
// Config keys:
// - `server.security.xFramesOptions`
// - `server.security.hstsExpiration`
// - `server.security.hstsIncludeSubdomains`
// - `server.security.hstsPreload`.
func WithSecurityHeaders(headers *SecurityHeaders) ServerOption {
	return func(b *builder) {
		b.securityHeaders = headers
	}
}

// WithMetricsGatherer exposes g on /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) ServerOption {
	return func(b *builder) {
		b.gatherer = g
	}
}

// WithHealthCheck adds a check to /healthz.
func WithHealthCheck(name string, check func(ctx context.Context) error) ServerOption {
	return func(b *builder) {
		b.healthChecks = append(b.healthChecks, HealthCheck{Name: name, Check: check})
	}
}

// WithHTTPHandler mounts an HTTP handler under prefix.
func WithHTTPHandler(prefix string, h http.Handler) ServerOption {
	return func(b *builder) {
		b.handlers = append(b.handlers, handler{
			prefix:      prefix,
			httpHandler: h,
		})
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for _, c := range checks {
			if resp.Checks == nil {
				resp.Checks = map[string]string{}
			}
			if err := c.Check(r.Context()); err != nil {
				logging.Warnw(r.Context(), "wxauth: health check failed", "check", c.Name, "error", err)
				resp.Checks[c.Name] = strings.TrimSpace(err.Error())
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// TLS1.2 min and support for HTTP2.
func safeTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
}
