// Package wxauth assembles the WeChat authorization bridge into a runnable
// HTTP server. Configuration is read from wxauth.yaml and WX__ environment
// variables through the global Config, and NewApp wires the stores, the
// WeChat client and the bridge handlers from it.
package wxauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dpup/wxauth/logging"
	"github.com/go-chi/chi/v5"
)

// Server wraps an HTTP server with a chi router carrying request logging,
// security headers, /healthz and, when configured, /metrics.
//
// Usage:
//
//	app, err := wxauth.NewApp(ctx)
//	...
//	server := wxauth.New(app.ServerOptions()...)
//	server.Start()
type Server struct {
	// Hostname or IP to bind to.
	host string

	// Port to listen on.
	port int

	// Location of certificate file, if TLS to be used.
	certFile string

	// Location of key file, if TLS to be used.
	keyFile string

	// Context that is propagated to handlers. Cancelling it stops the server.
	baseContext context.Context

	shutdownTimeout time.Duration

	router chi.Router

	mu         sync.Mutex
	httpServer *http.Server
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens on Addr and serves requests until SIGINT, SIGTERM, the base
// context is cancelled, or Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve is like Start but accepts connections from ln.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.baseContext
		},
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	ctx, stop := signal.NotifyContext(s.baseContext, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() {
		if s.certFile != "" {
			srv.TLSConfig = safeTLSConfig()
			logging.Infof(s.baseContext, "Listening for traffic on https://%s", ln.Addr())
			served <- srv.ServeTLS(ln, s.certFile, s.keyFile)
			return
		}
		logging.Infof(s.baseContext, "Listening for traffic on http://%s", ln.Addr())
		served <- srv.Serve(ln)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logging.Info(s.baseContext, "Graceful shutdown triggered")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseContext), s.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in flight requests, up
// to the deadline on ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		logging.Errorw(s.baseContext, "Shutdown error", "error", err)
	} else {
		logging.Info(s.baseContext, "Connections drained")
	}
	return err
}
