package wxauth

import (
	"net"

	"github.com/dpup/wxauth/internal/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Filename of the standard configuration file.
const ConfigFile = "wxauth.yaml"

// ConfigKeyInfo contains metadata about a known configuration key.
type ConfigKeyInfo = config.KeyInfo

// Config is a global koanf instance used to access application level
// configuration options.
//
// Config is loaded in the following order (later sources override earlier):
// 1. Registered defaults
// 2. Auto-discovered wxauth.yaml
// 3. Environment variables with WX__ prefix
// 4. Additional sources loaded via LoadConfigFile() or LoadConfigDefaults()
//
// Environment variable transformation:
//   - WX__SERVER__PORT → server.port
//   - WX__BRIDGE__CALLBACK_URL → bridge.callbackUrl
//   - WX__ACCOUNTS__MAIN__APP_SECRET → accounts.main.appSecret
var Config = koanf.New(".")

const (
	defaultPort = "8000"
	defaultHost = "localhost"
)

func init() {
	registerCoreConfigKeys()
	if err := Config.Load(confmap.Provider(config.Defaults(), "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}

	if cfg := config.Search(ConfigFile, "."); cfg != "" {
		if err := Config.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			panic("error loading config: " + err.Error())
		}
	}

	if err := Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
		panic("error loading env config: " + err.Error())
	}
}

// RegisterConfigKeys documents configuration keys and their defaults. Keys
// that aren't registered produce warnings.
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	config.Register(infos...)
}

// LoadConfigFile loads additional configuration from a YAML file into the
// global Config instance. Environment variables still take precedence.
func LoadConfigFile(path string) error {
	if err := Config.Load(file.Provider(path), yaml.Parser()); err != nil {
		return err
	}
	return Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil)
}

// LoadConfigDefaults loads values into the global Config instance, typically
// from tests or flags.
func LoadConfigDefaults(defaults map[string]interface{}) {
	if err := Config.Load(confmap.Provider(defaults, "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}
}

// ConfigWarnings lists keys that are set but unknown, with suggestions for
// likely typos, and keys that have been renamed.
func ConfigWarnings() []string {
	var out []string
	for _, w := range config.Validate(Config) {
		out = append(out, w.String())
	}
	return out
}

func registerCoreConfigKeys() {
	registerServerConfigKeys()
	registerStoreConfigKeys()
	registerBridgeConfigKeys()
}

func registerServerConfigKeys() {
	config.Register(
		ConfigKeyInfo{
			Key:         "name",
			Description: "User-facing name that identifies the service",
			Type:        "string",
			Default:     "wxauth",
		},
		ConfigKeyInfo{
			Key:         "address",
			Description: "External address of the bridge, used to build the callback url",
			Type:        "string",
			Default:     "http://" + net.JoinHostPort(defaultHost, defaultPort),
		},
		ConfigKeyInfo{
			Key:         "server.host",
			Description: "Host to bind the server to",
			Type:        "string",
			Default:     defaultHost,
		},
		ConfigKeyInfo{
			Key:         "server.port",
			Description: "Port to bind the server to",
			Type:        "int",
			Default:     defaultPort,
		},
		ConfigKeyInfo{
			Key:         "server.gzip",
			Description: "Compress JSON responses",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "server.authorizeRateLimit",
			Description: "Requests per second allowed to /authorize per client address, 0 disables",
			Type:        "float",
			Default:     5,
		},
		ConfigKeyInfo{
			Key:         "server.authorizeBurst",
			Description: "Burst allowed above the /authorize rate limit",
			Type:        "int",
			Default:     20,
		},
		ConfigKeyInfo{
			Key:         "server.trustProxyHeaders",
			Description: "Take client addresses from X-Forwarded-For; only behind a trusted proxy",
			Type:        "bool",
			Default:     false,
		},
		ConfigKeyInfo{
			Key:         "server.shutdownTimeout",
			Description: "How long to wait for connections to drain on shutdown",
			Type:        "duration",
			Default:     "10s",
		},
		ConfigKeyInfo{
			Key:         "server.tls.certFile",
			Description: "Path to TLS certificate file",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "server.tls.keyFile",
			Description: "Path to TLS key file",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "server.security.xFramesOptions",
			Description: "X-Frame-Options header value",
			Type:        "string",
			Default:     string(XFramesOptionsDeny),
		},
		ConfigKeyInfo{
			Key:         "server.security.hstsExpiration",
			Description: "HSTS max-age duration",
			Type:        "duration",
		},
		ConfigKeyInfo{
			Key:         "server.security.hstsIncludeSubdomains",
			Description: "Include subdomains in HSTS",
			Type:        "bool",
		},
		ConfigKeyInfo{
			Key:         "server.security.hstsPreload",
			Description: "Enable HSTS preload",
			Type:        "bool",
		},
		ConfigKeyInfo{
			Key:         "logging.dev",
			Description: "Human readable development logs",
			Type:        "bool",
		},
		ConfigKeyInfo{
			Key:         "logging.level",
			Description: "Minimum log level",
			Type:        "string",
			Default:     "info",
		},
	)
}

func registerStoreConfigKeys() {
	config.Register(
		ConfigKeyInfo{
			Key:         "store.driver",
			Description: "Storage backend: memory, sqlite or postgres",
			Type:        "string",
			Default:     "memory",
		},
		ConfigKeyInfo{
			Key:         "store.dsn",
			Description: "Connection string for the sqlite or postgres backend",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "store.tablePrefix",
			Description: "Prefix for SQL table names",
			Type:        "string",
			Default:     "wx_",
		},
		ConfigKeyInfo{
			Key:         "store.cleanupBatchSize",
			Description: "Maximum rows removed per cleanup statement",
			Type:        "int",
			Default:     1000,
		},
		ConfigKeyInfo{
			Key:         "store.autoCreateTables",
			Description: "Create tables and indexes on startup",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "redis.url",
			Description: "Redis URL, e.g. redis://localhost:6379/0; takes precedence over redis.addr",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "redis.addr",
			Description: "Redis address; when set, state tokens are kept in Redis",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "redis.password",
			Description: "Redis password",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "redis.db",
			Description: "Redis database number",
			Type:        "int",
		},
		ConfigKeyInfo{
			Key:         "redis.keyPrefix",
			Description: "Prefix for Redis keys",
			Type:        "string",
			Default:     "wxauth:",
		},
	)
}

func registerBridgeConfigKeys() {
	config.Register(
		ConfigKeyInfo{
			Key:         "wechat.authorizeUrl",
			Description: "Browser facing WeChat authorize endpoint",
			Type:        "string",
			Default:     "https://open.weixin.qq.com/connect/oauth2/authorize",
		},
		ConfigKeyInfo{
			Key:         "wechat.apiBaseUrl",
			Description: "Host of the WeChat sns API",
			Type:        "string",
			Default:     "https://api.weixin.qq.com",
		},
		ConfigKeyInfo{
			Key:         "wechat.timeout",
			Description: "Timeout for each WeChat API call",
			Type:        "duration",
			Default:     "10s",
		},
		ConfigKeyInfo{
			Key:         "bridge.callbackUrl",
			Description: "Absolute callback url registered with WeChat, defaults to {address}/callback",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "bridge.landingUrl",
			Description: "Where the browser goes after a successful callback",
			Type:        "string",
			Default:     "/",
		},
		ConfigKeyInfo{
			Key:         "bridge.stateTtl",
			Description: "Lifetime of state tokens",
			Type:        "duration",
			Default:     "5m",
		},
		ConfigKeyInfo{
			Key:         "bridge.codeTtl",
			Description: "Lifetime of local authorization codes",
			Type:        "duration",
			Default:     "10m",
		},
		ConfigKeyInfo{
			Key:         "bridge.accessTokenTtl",
			Description: "Lifetime of local access tokens",
			Type:        "duration",
			Default:     "2h",
		},
		ConfigKeyInfo{
			Key:         "bridge.refreshTokenTtl",
			Description: "Lifetime of local refresh tokens",
			Type:        "duration",
			Default:     "720h",
		},
		ConfigKeyInfo{
			Key:         "bridge.cleanupInterval",
			Description: "How often expired records are purged",
			Type:        "duration",
			Default:     "1h",
		},
		ConfigKeyInfo{
			Key:         "bridge.allowedRedirects",
			Description: "Prefixes that local redirect_uri values must start with",
			Type:        "[]string",
		},
		ConfigKeyInfo{
			Key:         "auth.signingKey",
			Description: "Key used to sign identity cookies; the cookie is only set when present",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "auth.expiration",
			Description: "Lifetime of the identity cookie",
			Type:        "duration",
			Default:     "24h",
		},
		ConfigKeyInfo{
			Key:         "accounts",
			Description: "WeChat official accounts keyed by id, each with appId, appSecret and name",
			Type:        "map",
			Namespace:   true,
		},
	)
}
