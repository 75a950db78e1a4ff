package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/gpustack-ui/chat-auth-service/internal/app"
	"github.com/gpustack-ui/chat-auth-service/internal/config"
	"github.com/gpustack-ui/chat-auth-service/internal/database"
	"github.com/gpustack-ui/chat-auth-service/internal/health"
	"github.com/gpustack-ui/chat-auth-service/internal/http/handler"
	"github.com/gpustack-ui/chat-auth-service/internal/http/middleware"
	"github.com/gpustack-ui/chat-auth-service/internal/http/router"
	"github.com/gpustack-ui/chat-auth-service/internal/identity"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

// AdminBootstrap marks that the bootstrap admin check has run.
type AdminBootstrap struct {
	Created bool
}

func provideDB(cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return db, nil
}

// provideRedis returns a nil interface when REDIS_URL is unset.
func provideRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	client, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil || client == nil {
		return nil, err
	}
	return client, nil
}

func provideJWTManager(cfg *config.Config) (*security.JWTManager, error) {
	return security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)
}

func provideIdentityProvider(cfg *config.Config, logger *slog.Logger) (identity.Provider, error) {
	return identity.NewGPUStackClient(identity.GPUStackConfig{
		BaseURL:    cfg.GPUStackBaseURL,
		LoginPath:  cfg.GPUStackLoginPath,
		APIToken:   cfg.GPUStackAPIToken,
		Timeout:    cfg.GPUStackTimeout,
		MaxRetries: cfg.GPUStackMaxRetries,
	}, logger)
}

func provideIdentityService(cfg *config.Config, users repository.UserRepository, provider identity.Provider, logger *slog.Logger) *service.IdentityService {
	return service.NewIdentityService(users, provider, cfg.LocalAuthAuthoritative, logger)
}

func provideSessionCache(cfg *config.Config, client redis.UniversalClient) (service.SessionCacheStore, error) {
	switch cfg.SessionCacheBackend {
	case "memory":
		return service.NewInMemorySessionCacheStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("session cache backend redis requires REDIS_URL")
		}
		return service.NewRedisSessionCacheStore(client, ""), nil
	default:
		return service.NewNoopSessionCacheStore(), nil
	}
}

// provideMissingSessionCache shares negative lookups through Redis when it
// is available. A jti never comes back once its row is gone, so a local
// cache is safe on its own too.
func provideMissingSessionCache(client redis.UniversalClient) service.MissingSessionCache {
	if client != nil {
		return service.NewRedisMissingSessionCache(client, "")
	}
	return service.NewInMemoryMissingSessionCache(0)
}

func provideAuthService(
	cfg *config.Config,
	verifier *service.IdentityService,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens *security.JWTManager,
	cache service.SessionCacheStore,
	missing service.MissingSessionCache,
	logger *slog.Logger,
) *service.AuthService {
	return service.NewAuthService(service.AuthServiceConfig{
		AccessTTL:         cfg.AccessTokenTTL,
		RefreshTTL:        cfg.RefreshTokenTTL,
		RefreshRotation:   cfg.RefreshRotation,
		RefreshReuseGrace: cfg.RefreshReuseGrace,
		TouchInterval:     cfg.SessionTouchInterval,
		CacheTTL:          cfg.SessionCacheTTL,
	}, verifier, users, sessions, tokens, logger,
		service.WithSessionCache(cache),
		service.WithMissingSessionCache(missing),
	)
}

func provideUserService(cfg *config.Config, users repository.UserRepository, prefs repository.PreferenceRepository, auth *service.AuthService, logger *slog.Logger) *service.UserService {
	return service.NewUserService(users, prefs, auth, cfg.MinPasswordLength, logger)
}

func provideSessionService(sessions repository.SessionRepository, auth *service.AuthService) *service.SessionService {
	return service.NewSessionService(sessions, auth)
}

func provideJanitor(cfg *config.Config, sessions repository.SessionRepository, logger *slog.Logger) (*service.SessionJanitor, error) {
	return service.NewSessionJanitor(sessions, cfg.SessionCleanupSchedule, logger)
}

// provideAdminBootstrap seeds the first administrator. A generated password
// is logged exactly once, here.
func provideAdminBootstrap(ctx context.Context, cfg *config.Config, users *service.UserService, logger *slog.Logger) (AdminBootstrap, error) {
	created, generated, err := users.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword)
	if err != nil {
		return AdminBootstrap{}, fmt.Errorf("bootstrap admin: %w", err)
	}
	if created && generated != "" {
		logger.Warn("bootstrap admin created with a generated password, change it after first login",
			"username", cfg.BootstrapAdminUsername, "password", generated)
	}
	return AdminBootstrap{Created: created}, nil
}

func provideReadiness(db *gorm.DB, client redis.UniversalClient) *health.ProbeRunner {
	checkers := []health.Checker{health.NewDBChecker(db)}
	if client != nil {
		checkers = append(checkers, health.NewRedisChecker(client))
	}
	return health.NewProbeRunner(2*time.Second, time.Second, checkers...)
}

func provideAuthHandler(auth *service.AuthService, users *service.UserService) *handler.AuthHandler {
	return handler.NewAuthHandler(auth, users)
}

func provideUserHandler(users *service.UserService, sessions *service.SessionService) *handler.UserHandler {
	return handler.NewUserHandler(users, sessions)
}

func provideAdminHandler(users *service.UserService, sessions *service.SessionService, janitor *service.SessionJanitor) *handler.AdminHandler {
	return handler.NewAdminHandler(users, sessions, janitor)
}

func provideRouter(
	cfg *config.Config,
	authHandler *handler.AuthHandler,
	userHandler *handler.UserHandler,
	adminHandler *handler.AdminHandler,
	auth *service.AuthService,
	tokens *security.JWTManager,
	readiness *health.ProbeRunner,
	client redis.UniversalClient,
	logger *slog.Logger,
) http.Handler {
	dep := router.Dependencies{
		AuthHandler:      authHandler,
		UserHandler:      userHandler,
		AdminHandler:     adminHandler,
		Authenticator:    auth,
		JWTManager:       tokens,
		CORSOrigins:      cfg.CORSOrigins,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		Readiness:        readiness,
		EnableOTelHTTP:   cfg.EnableOTelHTTP,
		Logger:           logger,
	}
	if client != nil {
		limiter := middleware.NewRedisLimiter(client, cfg.RateLimitRedisPrefix)
		dep.GlobalRateLimiter = middleware.NewDistributedRateLimiter(limiter, cfg.APIRateLimitRPM, time.Minute, middleware.FailOpen, "api", middleware.SubjectOrIPKeyFunc(tokens)).Middleware()
		dep.RouteRateLimitPolicies = router.RouteRateLimitPolicies{
			router.RoutePolicyLogin:   middleware.NewDistributedRateLimiter(limiter, cfg.AuthRateLimitRPM, time.Minute, middleware.FailClosed, "login", nil).Middleware(),
			router.RoutePolicyRefresh: middleware.NewDistributedRateLimiter(limiter, cfg.AuthRateLimitRPM, time.Minute, middleware.FailClosed, "refresh", nil).Middleware(),
		}
	}
	return router.NewRouter(dep)
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideCleanup(db *gorm.DB, client redis.UniversalClient, logger *slog.Logger) func() {
	return func() {
		if client != nil {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}
		if err := database.Close(db); err != nil {
			logger.Warn("close database", "error", err)
		}
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	janitor *service.SessionJanitor,
	runtime *observability.Runtime,
	readiness *health.ProbeRunner,
	cleanup func(),
	_ AdminBootstrap,
) *app.App {
	return app.New(cfg, logger, server, janitor, runtime, readiness, cleanup)
}
