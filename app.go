package wxauth

import (
	"context"
	"strings"

	"github.com/dpup/wxauth/account"
	"github.com/dpup/wxauth/bridge"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/store/memstore"
	"github.com/dpup/wxauth/store/postgres"
	"github.com/dpup/wxauth/store/redisstate"
	"github.com/dpup/wxauth/store/sqlite"
	"github.com/dpup/wxauth/store/sqlstore"
	"github.com/dpup/wxauth/wechat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
)

// ErrInvalidConfig is returned by NewApp when ValidateConfig reports
// problems.
var ErrInvalidConfig = errors.NewC("wxauth: invalid configuration", codes.FailedPrecondition)

// App holds everything built from Config.
type App struct {
	Store    store.Store
	States   store.StateStore
	Accounts *account.Static
	Service  *bridge.Service
	Handler  *bridge.Handler
	Janitor  *bridge.Janitor
	Registry *prometheus.Registry

	healthChecks []HealthCheck
	closers      []func() error
}

// AppOption adjusts an App before the service is built.
type AppOption func(*appOptions)

type appOptions struct {
	store    store.Store
	provider bridge.Provider
	clock    store.Clock
}

// WithAppStore uses s instead of opening the configured backend.
func WithAppStore(s store.Store) AppOption {
	return func(o *appOptions) {
		o.store = s
	}
}

// WithAppProvider replaces the WeChat client.
func WithAppProvider(p bridge.Provider) AppOption {
	return func(o *appOptions) {
		o.provider = p
	}
}

// WithAppClock overrides the clock used by the service and its stores.
func WithAppClock(c store.Clock) AppOption {
	return func(o *appOptions) {
		o.clock = c
	}
}

// NewApp validates Config and wires the store, the WeChat client and the
// bridge service from it. Close releases the connections it opened.
func NewApp(ctx context.Context, opts ...AppOption) (*App, error) {
	if errs := ValidateConfig(); len(errs) > 0 {
		return nil, errors.Mark(ErrInvalidConfig, 0).Append(FormatValidationErrors(errs))
	}
	for _, w := range ConfigWarnings() {
		logging.Warnw(ctx, "wxauth: config warning", "warning", w)
	}

	o := &appOptions{clock: store.SystemClock}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		Accounts: account.FromConfig(Config),
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if len(a.Accounts.IDs()) == 0 {
		logging.Warnw(ctx, "wxauth: no accounts configured, every authorization will fail")
	}

	if err := a.openStores(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider = wechat.New(
			wechat.WithAuthorizeURL(Config.String("wechat.authorizeUrl")),
			wechat.WithAPIBaseURL(Config.String("wechat.apiBaseUrl")),
			wechat.WithTimeout(Config.Duration("wechat.timeout")),
		)
	}

	callbackURL := CallbackURL()
	svc, err := bridge.NewBuilder().
		WithStore(a.Store).
		WithStateStore(a.States).
		WithAccounts(a.Accounts).
		WithProvider(provider).
		WithClock(o.clock).
		WithCallbackURL(callbackURL).
		WithStateTTL(Config.Duration("bridge.stateTtl")).
		WithCodeTTL(Config.Duration("bridge.codeTtl")).
		WithAccessTokenTTL(Config.Duration("bridge.accessTokenTtl")).
		WithRefreshTokenTTL(Config.Duration("bridge.refreshTokenTtl")).
		WithMetrics(bridge.NewMetrics(a.Registry)).
		Build()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Service = svc

	a.Handler = bridge.NewHandler(svc,
		bridge.WithLandingURL(Config.String("bridge.landingUrl")),
		bridge.WithSigningKey([]byte(Config.String("auth.signingKey"))),
		bridge.WithIssuer(Config.String("address")),
		bridge.WithIdentityExpiration(Config.Duration("auth.expiration")),
		bridge.WithSecureCookies(strings.HasPrefix(callbackURL, "https://")),
		bridge.WithAllowedRedirects(Config.Strings("bridge.allowedRedirects")...),
		bridge.WithAuthorizeRateLimit(
			rate.Limit(Config.Float64("server.authorizeRateLimit")),
			Config.Int("server.authorizeBurst"),
		),
		bridge.WithGzip(Config.Bool("server.gzip")),
	)
	a.Janitor = bridge.NewJanitor(svc, Config.Duration("bridge.cleanupInterval"))

	logging.Infow(ctx, "wxauth: app ready",
		"store.driver", Config.String("store.driver"),
		"redis", Config.String("redis.url") != "" || Config.String("redis.addr") != "",
		"accounts", a.Accounts.IDs(),
		"callback_url", callbackURL)
	return a, nil
}

// CallbackURL returns bridge.callbackUrl, or {address}/callback when unset.
func CallbackURL() string {
	if u := Config.String("bridge.callbackUrl"); u != "" {
		return u
	}
	return strings.TrimRight(Config.String("address"), "/") + "/callback"
}

func (a *App) openStores(ctx context.Context, o *appOptions) error {
	if o.store != nil {
		a.Store = o.store
	} else {
		s, err := OpenStore(ctx, o.clock)
		if err != nil {
			return err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		if sq, ok := s.(*sqlstore.Store); ok {
			a.healthChecks = append(a.healthChecks, HealthCheck{
				Name:  "store",
				Check: sq.DB().PingContext,
			})
		}
	}
	a.States = a.Store

	rs, err := openStateStore(ctx, o.clock)
	if err != nil {
		return err
	}
	if rs != nil {
		a.States = rs
		a.closers = append(a.closers, rs.Close)
		a.healthChecks = append(a.healthChecks, HealthCheck{Name: "redis", Check: rs.Ping})
	}
	return nil
}

// Returns nil when neither redis.url nor redis.addr is set.
func openStateStore(ctx context.Context, clock store.Clock) (*redisstate.Store, error) {
	opts := []redisstate.Option{
		redisstate.WithPrefix(Config.String("redis.keyPrefix")),
		redisstate.WithClock(clock),
	}
	if u := Config.String("redis.url"); u != "" {
		rs, err := redisstate.Dial(ctx, u, opts...)
		if err != nil {
			return nil, errors.WrapPrefix(err, "wxauth: redis unavailable", 0)
		}
		return rs, nil
	}

	addr := Config.String("redis.addr")
	if addr == "" {
		return nil, nil
	}
	rs := redisstate.New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: Config.String("redis.password"),
		DB:       Config.Int("redis.db"),
	}), opts...)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, errors.WrapPrefix(err, "wxauth: redis unavailable", 0)
	}
	return rs, nil
}

// OpenStore opens the backend named by store.driver.
func OpenStore(ctx context.Context, clock store.Clock) (store.Store, error) {
	sqlOpts := []sqlstore.Option{
		sqlstore.WithPrefix(Config.String("store.tablePrefix")),
		sqlstore.WithCleanupBatchSize(Config.Int("store.cleanupBatchSize")),
		sqlstore.WithAutoCreateTables(Config.Bool("store.autoCreateTables")),
		sqlstore.WithClock(clock),
	}

	var (
		s   *sqlstore.Store
		err error
	)
	switch driver := Config.String("store.driver"); driver {
	case "", "memory":
		return memstore.New(memstore.WithClock(clock)), nil
	case "sqlite":
		s, err = sqlite.New(ctx, Config.String("store.dsn"), sqlOpts...)
	case "postgres":
		s, err = postgres.New(ctx, Config.String("store.dsn"), sqlOpts...)
	default:
		return nil, errors.Mark(ErrInvalidConfig, 0).Append("unknown store driver " + driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ServerOptions mounts the bridge routes, /metrics and the store health
// checks.
func (a *App) ServerOptions() []ServerOption {
	opts := []ServerOption{
		WithMetricsGatherer(a.Registry),
		WithHTTPHandler("/", a.Handler.Routes()),
	}
	for _, hc := range a.healthChecks {
		opts = append(opts, WithHealthCheck(hc.Name, hc.Check))
	}
	return opts
}

// Serve runs the HTTP server and the cleanup janitor until ctx is cancelled
// or the process is signalled.
func (a *App) Serve(ctx context.Context, opts ...ServerOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	all := append(a.ServerOptions(), WithContext(gctx))
	srv := New(append(all, opts...)...)

	g.Go(func() error {
		defer cancel()
		return srv.Start()
	})
	g.Go(func() error {
		return a.Janitor.Run(gctx)
	})
	return g.Wait()
}

// Close releases stores opened by NewApp.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
