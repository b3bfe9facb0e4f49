// Package main provides the API server entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/matreq/internal/config"
	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/material"
	"github.com/lllypuk/matreq/internal/gateway"
	httphandler "github.com/lllypuk/matreq/internal/handler/http"
	wshandler "github.com/lllypuk/matreq/internal/handler/websocket"
	"github.com/lllypuk/matreq/internal/infrastructure/auth"
	"github.com/lllypuk/matreq/internal/infrastructure/eventbus"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	"github.com/lllypuk/matreq/internal/infrastructure/keycloak"
	"github.com/lllypuk/matreq/internal/infrastructure/metrics"
	mongodbinfra "github.com/lllypuk/matreq/internal/infrastructure/mongodb"
	"github.com/lllypuk/matreq/internal/infrastructure/repository/mongodb"
	"github.com/lllypuk/matreq/internal/infrastructure/websocket"
	"github.com/lllypuk/matreq/internal/middleware"
	"github.com/lllypuk/matreq/internal/publisher"
)

// Container initialization constants.
const (
	containerInitTimeout   = 30 * time.Second
	redisPingTimeout       = 5 * time.Second
	mongoDisconnectTimeout = 10 * time.Second

	credentialKeyPrefix = "matreq:credential:"
	rateLimitKeyPrefix  = "matreq:ratelimit:"

	systemActorID = "system"
)

// ChangeBus is the event bus as the container uses it. Both the Redis and the
// in-memory bus satisfy it.
type ChangeBus interface {
	Publish(ctx context.Context, evt *change.Event) error
	Subscribe(kind change.Kind, handler eventbus.Handler) error
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	Shutdown() error
}

// Container holds all application dependencies and manages their lifecycle.
// It implements httpserver.HealthChecker for unified health endpoint support.
type Container struct {
	// Configuration
	Config     *config.Config
	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// Infrastructure
	MongoDB     *mongo.Client
	MongoDBName string
	Redis       *redis.Client
	EventBus    ChangeBus
	LogHandler  *eventbus.LoggingHandler
	Metrics     *metrics.SyncMetrics
	HTTPMetrics *metrics.HTTPMetrics
	Gateway     *gateway.Gateway
	Publisher   *publisher.Publisher
	Hub         *websocket.Hub
	Broadcaster *websocket.Broadcaster

	// Repositories
	UserRepo        *mongodb.UserRepository
	RequestRepo     *mongodb.AggregateRepository[*material.MaterialRequest]
	ItemGroupRepo   *mongodb.AggregateRepository[*material.ItemGroup]
	CredentialStore *auth.CredentialStore
	TokenService    *auth.TokenService
	RateLimitStore  middleware.RateLimitStore

	healthProbes *httpserver.ProbeChecker

	// HTTP Handlers
	SyncHandler *httphandler.SyncHandler
	WSHandler   *wshandler.Handler

	// Auth middleware components
	TokenValidator middleware.TokenValidator
	JWTValidator   keycloak.JWTValidator // for cleanup on shutdown
}

// Ensure Container implements httpserver.HealthChecker.
var _ httpserver.HealthChecker = (*Container)(nil)

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer for the sync metrics.
func WithRegisterer(registerer prometheus.Registerer) ContainerOption {
	return func(c *Container) {
		c.Registerer = registerer
	}
}

// NewContainer creates a new dependency injection container.
func NewContainer(cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config:     cfg,
		Logger:     slog.Default(),
		Registerer: prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logWiringMode()

	if err := c.setupInfrastructure(); err != nil {
		// Clean up any partially initialized resources
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup infrastructure: %w", err)
	}

	if err := c.setupAuth(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup auth: %w", err)
	}

	c.setupRepositories()

	if err := c.setupHTTPHandlers(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup handlers: %w", err)
	}

	c.setupHealthProbes()

	if err := c.validateWiring(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("wiring validation failed: %w", err)
	}

	return c, nil
}

// logWiringMode logs which providers the container is about to wire.
func (c *Container) logWiringMode() {
	provider := c.Config.Auth.Provider
	if provider == "" {
		provider = config.AuthProviderLocal
	}

	c.Logger.Info("container starting",
		slog.String("auth_provider", provider),
		slog.String("eventbus", c.Config.EventBus.Type),
		slog.Bool("is_development", c.Config.IsDevelopment()),
		slog.Bool("is_production", c.Config.IsProduction()),
	)
}

// validateWiring ensures all required dependencies are properly initialized.
func (c *Container) validateWiring() error {
	var errs []error

	errs = c.validateInfrastructure(errs)
	errs = c.validateAuthComponents(errs)
	errs = c.validateHandlers(errs)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateInfrastructure checks that all infrastructure components are initialized.
func (c *Container) validateInfrastructure(errs []error) []error {
	if c.MongoDB == nil {
		errs = append(errs, errors.New("mongodb client not initialized"))
	}
	if c.Redis == nil {
		errs = append(errs, errors.New("redis client not initialized"))
	}
	if c.Hub == nil {
		errs = append(errs, errors.New("websocket hub not initialized"))
	}
	if c.EventBus == nil {
		errs = append(errs, errors.New("event bus not initialized"))
	}
	if c.Publisher == nil {
		errs = append(errs, errors.New("publisher not initialized"))
	}
	return errs
}

// validateAuthComponents checks that auth components are initialized.
func (c *Container) validateAuthComponents(errs []error) []error {
	if c.TokenValidator == nil {
		errs = append(errs, errors.New("token validator not initialized"))
	}
	if c.Config.Auth.IsLocal() && c.TokenService == nil {
		errs = append(errs, errors.New("token service not initialized for local auth"))
	}
	return errs
}

// validateHandlers checks handler initialization.
func (c *Container) validateHandlers(errs []error) []error {
	if c.SyncHandler == nil {
		errs = append(errs, errors.New("sync handler not initialized"))
	}
	if c.WSHandler == nil {
		errs = append(errs, errors.New("websocket handler not initialized"))
	}
	if c.Config.IsProduction() && c.Config.WebSocket.AllowAnonymous {
		c.Logger.Warn("anonymous change stream connections are enabled in production")
	}
	return errs
}

// setupInfrastructure initializes MongoDB, Redis, the event bus and the change stream.
func (c *Container) setupInfrastructure() error {
	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	if err := c.setupMongoDB(ctx); err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}

	if err := c.setupRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	c.setupMetrics()
	c.setupEventBus()
	c.setupPublisher()
	c.setupHub()

	if err := c.setupBroadcaster(ctx); err != nil {
		return fmt.Errorf("broadcaster: %w", err)
	}

	return nil
}

// setupMongoDB initializes the MongoDB client.
func (c *Container) setupMongoDB(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(c.Config.MongoDB.URI).
		SetMaxPoolSize(c.Config.MongoDB.MaxPoolSize)

	client, connectErr := mongo.Connect(clientOpts)
	if connectErr != nil {
		return fmt.Errorf("failed to connect: %w", connectErr)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer cancel()

	if pingErr := client.Ping(pingCtx, nil); pingErr != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("failed to ping: %w", pingErr)
	}

	c.MongoDB = client
	c.MongoDBName = c.Config.MongoDB.Database

	c.Logger.InfoContext(ctx, "connected to MongoDB",
		slog.String("database", c.Config.MongoDB.Database),
	)

	indexCtx, indexCancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer indexCancel()

	if indexErr := mongodbinfra.EnsureIndexes(indexCtx, client.Database(c.MongoDBName)); indexErr != nil {
		return fmt.Errorf("failed to create indexes: %w", indexErr)
	}

	c.Logger.InfoContext(ctx, "MongoDB indexes created successfully")

	return nil
}

// setupRedis initializes the Redis client.
func (c *Container) setupRedis(ctx context.Context) error {
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if pingErr := c.Redis.Ping(pingCtx).Err(); pingErr != nil {
		return fmt.Errorf("failed to ping: %w", pingErr)
	}

	c.Logger.InfoContext(ctx, "connected to Redis",
		slog.String("addr", c.Config.Redis.Addr),
	)

	return nil
}

func (c *Container) setupMetrics() {
	c.Metrics = metrics.NewSyncMetrics(c.Registerer)
	c.HTTPMetrics = metrics.NewHTTPMetrics(c.Registerer)
}

// setupEventBus initializes the event bus selected by configuration.
func (c *Container) setupEventBus() {
	switch c.Config.EventBus.Type {
	case config.EventBusInMemory:
		c.EventBus = eventbus.NewInMemoryEventBus(c.Logger)
	default:
		c.EventBus = eventbus.NewRedisEventBus(
			c.Redis,
			eventbus.WithLogger(c.Logger),
			eventbus.WithChannelPrefix(c.Config.EventBus.RedisChannelPrefix),
		)
	}
	c.LogHandler = eventbus.NewLoggingHandler(c.Logger)

	c.Logger.Debug("event bus initialized",
		slog.String("type", c.Config.EventBus.Type),
		slog.String("prefix", c.Config.EventBus.RedisChannelPrefix),
	)
}

func (c *Container) setupPublisher() {
	c.Publisher = publisher.New(c.EventBus,
		publisher.WithLogger(c.Logger),
		publisher.WithRecorder(c.Metrics),
		publisher.WithTimeout(c.Config.EventBus.PublishTimeout),
	)
}

// setupHub initializes the gateway and the WebSocket hub it shapes deliveries for.
func (c *Container) setupHub() {
	c.Gateway = gateway.New(gateway.DefaultPolicy(),
		gateway.WithLogger(c.Logger),
		gateway.WithRecorder(c.Metrics),
	)
	c.Hub = websocket.NewHub(c.Gateway,
		websocket.WithHubLogger(c.Logger),
		websocket.WithHubRecorder(c.Metrics),
	)

	c.Logger.Debug("websocket hub initialized")
}

// setupBroadcaster subscribes the hub to every change channel. It must run
// before the event bus starts.
func (c *Container) setupBroadcaster(ctx context.Context) error {
	c.Broadcaster = websocket.NewBroadcaster(
		c.Hub,
		c.EventBus,
		websocket.WithBroadcasterLogger(c.Logger),
	)

	if err := c.Broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcaster: %w", err)
	}
	return nil
}

// setupAuth configures credential issuing and validation for the configured
// provider.
func (c *Container) setupAuth() error {
	if !c.Config.Auth.IsLocal() {
		return c.setupKeycloakValidator()
	}

	c.CredentialStore = auth.NewCredentialStore(auth.CredentialStoreConfig{
		Client:    c.Redis,
		KeyPrefix: credentialKeyPrefix,
	})

	tokens, err := auth.NewTokenService(c.Config.Auth.JWTSecret,
		auth.WithIssuer(c.Config.Auth.Issuer),
		auth.WithTTL(c.Config.Auth.TokenTTL),
		auth.WithCurrentCredentials(c.CredentialStore),
		auth.WithLogger(c.Logger),
	)
	if err != nil {
		return err
	}

	c.TokenService = tokens
	c.TokenValidator = tokens
	c.Logger.Info("token validator initialized with local credentials")
	return nil
}

func (c *Container) setupKeycloakValidator() error {
	jwtValidator, err := keycloak.NewJWTValidator(keycloak.JWTValidatorConfig{
		KeycloakURL:     c.Config.Keycloak.URL,
		Realm:           c.Config.Keycloak.Realm,
		ClientID:        c.Config.Keycloak.ClientID,
		Leeway:          c.Config.Keycloak.JWT.Leeway,
		RefreshInterval: c.Config.Keycloak.JWT.RefreshInterval,
		Logger:          c.Logger,
	})
	if err != nil {
		return fmt.Errorf("keycloak validator: %w", err)
	}

	c.JWTValidator = jwtValidator
	opts := make([]middleware.AdapterOption, 0, len(c.Config.Keycloak.Roles))
	for name, role := range c.Config.Keycloak.Roles {
		opts = append(opts, middleware.WithRoleMapping(name, access.Role(role)))
	}
	c.TokenValidator = middleware.NewKeycloakValidatorAdapter(jwtValidator, opts...)

	c.Logger.Info("token validator initialized with Keycloak",
		slog.String("url", c.Config.Keycloak.URL),
		slog.String("realm", c.Config.Keycloak.Realm),
	)
	return nil
}

// setupRepositories initializes the write-side repositories. Each publishes
// its committed writes through the publisher.
func (c *Container) setupRepositories() {
	db := c.MongoDB.Database(c.MongoDBName)
	repoOpts := []mongodb.RepoOption{mongodb.WithRepoLogger(c.Logger)}

	// Keycloak owns credentials, so users keep whatever token they carry.
	var issuer mongodb.CredentialIssuer
	if c.TokenService != nil {
		issuer = c.TokenService
	}

	c.UserRepo = mongodb.NewUserRepository(db, c.Publisher, issuer, repoOpts...)
	c.RequestRepo = mongodb.NewMaterialRequestRepository(db, c.Publisher, repoOpts...)
	c.ItemGroupRepo = mongodb.NewItemGroupRepository(db, c.Publisher, repoOpts...)

	if c.Config.RateLimit.Enabled {
		c.RateLimitStore = middleware.NewRedisRateLimitStore(c.Redis, rateLimitKeyPrefix)
	}

	c.Logger.Debug("repositories initialized")
}

// setupHTTPHandlers initializes the snapshot/write handler and the change
// stream handler.
func (c *Container) setupHTTPHandlers() error {
	stores := []httphandler.KindStore{
		httphandler.NewTypedStore[*material.User](c.UserRepo,
			func() *material.User { return &material.User{} }),
		httphandler.NewTypedStore[*material.MaterialRequest](c.RequestRepo,
			func() *material.MaterialRequest { return &material.MaterialRequest{} }),
		httphandler.NewTypedStore[*material.ItemGroup](c.ItemGroupRepo,
			func() *material.ItemGroup { return &material.ItemGroup{} }),
	}

	syncHandler, err := httphandler.NewSyncHandler(c.Gateway.Policy(), stores,
		httphandler.WithSyncLogger(c.Logger),
	)
	if err != nil {
		return err
	}
	c.SyncHandler = syncHandler

	c.WSHandler = wshandler.NewHandler(c.Hub, c.websocketHandlerConfig())
	return nil
}

func (c *Container) websocketHandlerConfig() wshandler.HandlerConfig {
	wsCfg := c.Config.WebSocket

	clientConfig := websocket.DefaultClientConfig()
	clientConfig.ReadBufferSize = wsCfg.ReadBufferSize
	clientConfig.WriteBufferSize = wsCfg.WriteBufferSize
	clientConfig.PingInterval = wsCfg.PingInterval
	clientConfig.PongWait = wsCfg.PongTimeout
	clientConfig.WriteWait = wsCfg.WriteWait
	clientConfig.MaxMessageSize = wsCfg.MaxMessageSize
	clientConfig.SendBufferSize = wsCfg.SendQueueSize

	handlerConfig := wshandler.DefaultHandlerConfig()
	handlerConfig.ReadBufferSize = wsCfg.ReadBufferSize
	handlerConfig.WriteBufferSize = wsCfg.WriteBufferSize
	handlerConfig.Logger = c.Logger
	handlerConfig.ClientConfig = clientConfig
	handlerConfig.AllowAnonymous = wsCfg.AllowAnonymous
	return handlerConfig
}

// setupHealthProbes builds the probes behind /ready and /health/details.
func (c *Container) setupHealthProbes() {
	c.healthProbes = httpserver.NewProbeChecker(c.probes()...)
}

func (c *Container) probes() []httpserver.Probe {
	return []httpserver.Probe{
		{Name: "mongodb", Check: func(ctx context.Context) error {
			if c.MongoDB == nil {
				return errors.New("client not initialized")
			}
			return c.MongoDB.Ping(ctx, nil)
		}},
		{Name: "redis", Check: func(ctx context.Context) error {
			if c.Redis == nil {
				return errors.New("client not initialized")
			}
			return c.Redis.Ping(ctx).Err()
		}},
		{Name: "websocket_hub", Check: func(context.Context) error {
			if c.Hub == nil {
				return errors.New("hub not initialized")
			}
			if !c.Hub.IsRunning() {
				return errors.New("hub not running")
			}
			return nil
		}},
		{Name: "eventbus", Optional: true, Check: func(context.Context) error {
			if c.EventBus == nil {
				return errors.New("event bus not initialized")
			}
			select {
			case <-c.EventBus.Ready():
				return nil
			default:
				return errors.New("event bus not subscribed")
			}
		}},
	}
}

// BootstrapAdmin creates the first administrator when no user exists yet, so
// a fresh local deployment has someone holding a credential.
func (c *Container) BootstrapAdmin(ctx context.Context) error {
	if c.TokenService == nil {
		return nil
	}

	count, err := c.UserRepo.Count(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	admin := &material.User{
		ID:       uuid.NewString(),
		Username: "admin",
		Role:     access.RoleAdmin,
	}
	if err = c.UserRepo.Save(ctx, systemActorID, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	attrs := []any{slog.String("user_id", admin.ID)}
	if !c.Config.IsProduction() {
		attrs = append(attrs, slog.String("token", admin.Token))
	}
	c.Logger.InfoContext(ctx, "bootstrap administrator created", attrs...)
	return nil
}

// Close releases all resources in reverse order of creation.
func (c *Container) Close() error {
	c.Logger.Info("closing container resources...")

	var errs []error

	// Close JWT Validator (stops JWKS refresh goroutine)
	if c.JWTValidator != nil {
		if err := c.JWTValidator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("jwt validator close: %w", err))
		} else {
			c.Logger.Debug("jwt validator closed")
		}
	}

	if c.Hub != nil {
		c.Hub.Stop()
		c.Logger.Debug("websocket hub stopped")
	}

	if c.EventBus != nil {
		if err := c.EventBus.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("event bus shutdown: %w", err))
		} else {
			c.Logger.Debug("event bus stopped")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		} else {
			c.Logger.Debug("redis connection closed")
		}
	}

	if c.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()

		if err := c.MongoDB.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect: %w", err))
		} else {
			c.Logger.Debug("mongodb connection closed")
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.Logger.Info("all container resources closed")
	return nil
}

// StartEventBus registers the change logger and starts the event bus. It
// waits until the bus is subscribed so no committed write is published into
// a channel nobody listens on yet.
func (c *Container) StartEventBus(ctx context.Context) error {
	if c.Config.IsDevelopment() {
		if err := c.LogHandler.SubscribeAll(c.EventBus.Subscribe); err != nil {
			return fmt.Errorf("failed to register change logger: %w", err)
		}
	}

	go func() {
		if err := c.EventBus.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.Error("event bus error", slog.String("error", err.Error()))
		}
	}()

	select {
	case <-c.EventBus.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	c.Logger.InfoContext(ctx, "event bus started")
	return nil
}

// StartHub starts the WebSocket hub.
// This should be called before the HTTP server starts accepting requests.
func (c *Container) StartHub(ctx context.Context) {
	go c.Hub.Run(ctx)
	c.Logger.InfoContext(ctx, "websocket hub started")
}

// IsReady reports whether every required component is up.
func (c *Container) IsReady(ctx context.Context) bool {
	return c.checker().IsReady(ctx)
}

// GetHealthStatus implements httpserver.HealthChecker.
func (c *Container) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	return c.checker().GetHealthStatus(ctx)
}

func (c *Container) checker() *httpserver.ProbeChecker {
	if c.healthProbes == nil {
		return httpserver.NewProbeChecker(c.probes()...)
	}
	return c.healthProbes
}
