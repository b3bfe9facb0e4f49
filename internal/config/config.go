// Package config provides configuration loading and validation for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
)

// Default configuration constants.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "2M"

	DefaultMongoDBTimeout     = 10 * time.Second
	DefaultMongoDBMaxPoolSize = 100

	DefaultRedisPoolSize = 10

	DefaultTokenTTL = 24 * time.Hour

	DefaultRateLimit       = 120
	DefaultRateLimitWindow = time.Minute

	DefaultPublishTimeout = 5 * time.Second

	DefaultWSBufferSize     = 1024
	DefaultWSPingInterval   = 30 * time.Second
	DefaultWSPongTimeout    = 60 * time.Second
	DefaultWSWriteWait      = 10 * time.Second
	DefaultWSMaxMessageSize = 64 * 1024
	DefaultWSSendQueue      = 256

	DefaultJWTLeeway          = 30 * time.Second
	DefaultJWTRefreshInterval = 1 * time.Hour

	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
)

// Credential providers.
const (
	AuthProviderLocal    = "local"
	AuthProviderKeycloak = "keycloak"
)

// Event bus types.
const (
	EventBusRedis    = "redis"
	EventBusInMemory = "inmemory"
)

// devSecret is accepted outside production only.
const devSecret = "dev-secret-change-in-production-0123456789"

// Config holds the complete application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	MongoDB   MongoDBConfig   `yaml:"mongodb"`
	Redis     RedisConfig     `yaml:"redis"`
	Keycloak  KeycloakConfig  `yaml:"keycloak"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Log       LogConfig       `yaml:"log"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Client    ClientConfig    `yaml:"client"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	// Name is the application name used in logs and metrics.
	Name string `yaml:"name" env:"APP_NAME"`

	// Environment is "development" or "production".
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// ServerConfig holds HTTP server configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	BodyLimit       string        `yaml:"body_limit" env:"SERVER_BODY_LIMIT"`
	AllowOrigins    []string      `yaml:"allow_origins" env:"SERVER_ALLOW_ORIGINS"`
}

// Address returns the full server address (host:port).
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoDBConfig holds MongoDB connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type MongoDBConfig struct {
	URI         string        `yaml:"uri" env:"MONGODB_URI"`
	Database    string        `yaml:"database" env:"MONGODB_DATABASE"`
	Timeout     time.Duration `yaml:"timeout" env:"MONGODB_TIMEOUT"`
	MaxPoolSize uint64        `yaml:"max_pool_size" env:"MONGODB_MAX_POOL_SIZE"`
}

// RedisConfig holds Redis connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// KeycloakConfig holds Keycloak connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type KeycloakConfig struct {
	URL      string    `yaml:"url" env:"KEYCLOAK_URL"`
	Realm    string    `yaml:"realm" env:"KEYCLOAK_REALM"`
	ClientID string    `yaml:"client_id" env:"KEYCLOAK_CLIENT_ID"`
	JWT      JWTConfig `yaml:"jwt"`

	// Roles maps realm or client role names onto admin, manager or employee.
	Roles map[string]string `yaml:"roles"`
}

// JWTConfig holds JWT validation configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type JWTConfig struct {
	Leeway          time.Duration `yaml:"leeway" env:"KEYCLOAK_JWT_LEEWAY"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"KEYCLOAK_JWT_REFRESH_INTERVAL"`
}

// AuthConfig holds authentication configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type AuthConfig struct {
	// Provider is "local" (HMAC tokens issued by this server) or "keycloak".
	Provider  string        `yaml:"provider" env:"AUTH_PROVIDER"`
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"AUTH_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
}

// IsLocal reports whether credentials are issued by this server.
func (c AuthConfig) IsLocal() bool {
	return c.Provider == "" || c.Provider == AuthProviderLocal
}

// RateLimitConfig holds write endpoint throttling configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATELIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATELIMIT_LIMIT"`
	Window  time.Duration `yaml:"window" env:"RATELIMIT_WINDOW"`
}

// EventBusConfig holds event bus configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type EventBusConfig struct {
	Type               string        `yaml:"type" env:"EVENTBUS_TYPE"` // redis | inmemory
	RedisChannelPrefix string        `yaml:"redis_channel_prefix" env:"EVENTBUS_REDIS_CHANNEL_PREFIX"`
	PublishTimeout     time.Duration `yaml:"publish_timeout" env:"EVENTBUS_PUBLISH_TIMEOUT"`
}

// LogConfig holds logging configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json | text
}

// WebSocketConfig holds WebSocket server configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"WS_READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WS_WRITE_BUFFER_SIZE"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"WS_PONG_TIMEOUT"`
	WriteWait       time.Duration `yaml:"write_wait" env:"WS_WRITE_WAIT"`
	MaxMessageSize  int64         `yaml:"max_message_size" env:"WS_MAX_MESSAGE_SIZE"`
	SendQueueSize   int           `yaml:"send_queue_size" env:"WS_SEND_QUEUE_SIZE"`
	AllowAnonymous  bool          `yaml:"allow_anonymous" env:"WS_ALLOW_ANONYMOUS"`
}

// ClientConfig holds configuration of the headless sync client.
//
//nolint:golines // Struct tags require longer lines for readability
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url" env:"CLIENT_SERVER_URL"`
	Credential     string        `yaml:"credential" env:"CLIENT_CREDENTIAL"`
	Kinds          []string      `yaml:"kinds" env:"CLIENT_KINDS"`
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"CLIENT_BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"CLIENT_BACKOFF_MAX"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"CLIENT_PING_INTERVAL"`
}

// Configuration errors.
var (
	ErrConfigNotFound      = errors.New("configuration file not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrMissingRequired     = errors.New("missing required configuration")
	ErrInvalidDuration     = errors.New("invalid duration format")
	ErrInvalidLogLevel     = errors.New("invalid log level: must be debug, info, warn, or error")
	ErrInvalidLogFormat    = errors.New("invalid log format: must be json or text")
	ErrInvalidEventBusType = errors.New("invalid event bus type: must be redis or inmemory")
	ErrInvalidAuthProvider = errors.New("invalid auth provider: must be local or keycloak")
	ErrInvalidKind         = errors.New("invalid entity kind")
	ErrDevSecretInProd     = errors.New("development secret is not allowed in production")
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "matreq",
			Environment: "development",
		},
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			BodyLimit:       DefaultBodyLimit,
			AllowOrigins:    []string{"*"},
		},
		MongoDB: MongoDBConfig{
			URI:         "mongodb://localhost:27017",
			Database:    "matreq",
			Timeout:     DefaultMongoDBTimeout,
			MaxPoolSize: DefaultMongoDBMaxPoolSize,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: DefaultRedisPoolSize,
		},
		Keycloak: KeycloakConfig{
			URL:      "http://localhost:8090",
			Realm:    "matreq",
			ClientID: "matreq-backend",
			JWT: JWTConfig{
				Leeway:          DefaultJWTLeeway,
				RefreshInterval: DefaultJWTRefreshInterval,
			},
		},
		Auth: AuthConfig{
			Provider:  AuthProviderLocal,
			JWTSecret: devSecret,
			Issuer:    "matreq",
			TokenTTL:  DefaultTokenTTL,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   DefaultRateLimit,
			Window:  DefaultRateLimitWindow,
		},
		EventBus: EventBusConfig{
			Type:               EventBusRedis,
			RedisChannelPrefix: "matreq:changes:",
			PublishTimeout:     DefaultPublishTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  DefaultWSBufferSize,
			WriteBufferSize: DefaultWSBufferSize,
			PingInterval:    DefaultWSPingInterval,
			PongTimeout:     DefaultWSPongTimeout,
			WriteWait:       DefaultWSWriteWait,
			MaxMessageSize:  DefaultWSMaxMessageSize,
			SendQueueSize:   DefaultWSSendQueue,
			AllowAnonymous:  true,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			Kinds:          []string{"User", "MaterialRequest", "ItemGroup"},
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
			PingInterval:   DefaultWSPingInterval,
		},
	}
}

// problems collects validation failures across sections.
type problems []error

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

// Validate reports every invalid setting at once, wrapped in ErrConfigInvalid.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535, got %d", c.Server.Port)
	p.check(c.Server.ReadTimeout > 0, "server.read_timeout must be positive")
	p.check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")

	p.check(c.MongoDB.URI != "", "mongodb.uri is required")
	p.check(c.MongoDB.Database != "", "mongodb.database is required")
	p.check(c.Redis.Addr != "", "redis.addr is required")

	c.validateAuth(&p)

	if c.RateLimit.Enabled {
		p.check(c.RateLimit.Limit > 0, "ratelimit.limit must be positive")
		p.check(c.RateLimit.Window > 0, "ratelimit.window must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		p = append(p, ErrInvalidLogLevel)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		p = append(p, ErrInvalidLogFormat)
	}

	switch strings.ToLower(c.EventBus.Type) {
	case EventBusRedis, EventBusInMemory:
	default:
		p = append(p, ErrInvalidEventBusType)
	}
	p.check(c.EventBus.PublishTimeout > 0, "eventbus.publish_timeout must be positive")

	ws := c.WebSocket
	p.check(ws.ReadBufferSize > 0, "websocket.read_buffer_size must be positive")
	p.check(ws.WriteBufferSize > 0, "websocket.write_buffer_size must be positive")
	p.check(ws.PingInterval > 0, "websocket.ping_interval must be positive")
	p.check(ws.PongTimeout > ws.PingInterval, "websocket.pong_timeout must exceed websocket.ping_interval")
	p.check(ws.SendQueueSize > 0, "websocket.send_queue_size must be positive")

	for _, kind := range c.Client.Kinds {
		p.check(change.Kind(kind).IsValid(), "%w: client.kinds contains %q", ErrInvalidKind, kind)
	}
	p.check(c.Client.BackoffInitial > 0 && c.Client.BackoffMax >= c.Client.BackoffInitial,
		"client.backoff_max must be at least client.backoff_initial, both positive")

	if len(p) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(p...))
	}
	return nil
}

func (c *Config) validateAuth(p *problems) {
	switch c.Auth.Provider {
	case "", AuthProviderLocal:
		p.check(c.Auth.JWTSecret != "", "auth.jwt_secret is required")
		p.check(c.Auth.JWTSecret != devSecret || !c.IsProduction(), "%w", ErrDevSecretInProd)
		p.check(c.Auth.TokenTTL > 0, "auth.token_ttl must be positive")
	case AuthProviderKeycloak:
		p.check(c.Keycloak.URL != "" && c.Keycloak.Realm != "", "%w: keycloak.url and keycloak.realm", ErrMissingRequired)
		for name, role := range c.Keycloak.Roles {
			_, err := access.CapabilitiesFor(access.Role(role))
			p.check(err == nil, "keycloak.roles[%s]: %w", name, err)
		}
	default:
		p.check(false, "%w: got %q", ErrInvalidAuthProvider, c.Auth.Provider)
	}
}

// IsDevelopment returns true if the log level indicates a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Log.Level) == "debug"
}

// IsProduction reports whether the application runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production")
}
