//go:build wireinject

package di

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/gpustack-ui/chat-auth-service/internal/app"
	"github.com/gpustack-ui/chat-auth-service/internal/config"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
)

var storageSet = wire.NewSet(
	provideDB,
	provideRedis,
	repository.NewUserRepository,
	repository.NewSessionRepository,
	repository.NewPreferenceRepository,
)

var serviceSet = wire.NewSet(
	provideJWTManager,
	provideIdentityProvider,
	provideIdentityService,
	provideSessionCache,
	provideMissingSessionCache,
	provideAuthService,
	provideUserService,
	provideSessionService,
	provideJanitor,
	provideAdminBootstrap,
)

var httpSet = wire.NewSet(
	provideReadiness,
	provideAuthHandler,
	provideUserHandler,
	provideAdminHandler,
	provideRouter,
	provideHTTPServer,
)

func InitializeApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*app.App, error) {
	wire.Build(storageSet, serviceSet, httpSet, provideCleanup, provideApp)
	return nil, nil
}
