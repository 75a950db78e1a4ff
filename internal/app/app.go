package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gpustack-ui/chat-auth-service/internal/config"
	"github.com/gpustack-ui/chat-auth-service/internal/health"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

// App owns the HTTP server and every background task started for it, and
// tears them down in order on shutdown.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Janitor       *service.SessionJanitor
	Observability *observability.Runtime
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	cleanup  func()
	stopOnce sync.Once
}

// New wires the app. cleanup releases the database and Redis handles and
// runs once, after background tasks have stopped.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	janitor *service.SessionJanitor,
	runtime *observability.Runtime,
	readiness *health.ProbeRunner,
	cleanup func(),
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Janitor:                      janitor,
		Observability:                runtime,
		Readiness:                    readiness,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		cleanup:                      cleanup,
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.StopBackgroundTasks()
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if a.Janitor != nil {
		if err := a.Janitor.Start(ctx); err != nil {
			_ = ln.Close()
			a.StopBackgroundTasks()
			return fmt.Errorf("start session janitor: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", ln.Addr().String())
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *App) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	defer drainCancel()
	var errs []error
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if a.Janitor != nil {
		if err := a.Janitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop session janitor: %w", err))
		}
	}
	a.StopBackgroundTasks()

	if a.Observability != nil {
		obsCtx, obsCancel := context.WithTimeout(context.Background(), a.ShutdownObservabilityTimeout)
		defer obsCancel()
		if err := a.Observability.Shutdown(obsCtx); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}

// StopBackgroundTasks releases resources handed to New. It is safe to call
// more than once.
func (a *App) StopBackgroundTasks() {
	a.stopOnce.Do(func() {
		if a.cleanup != nil {
			a.cleanup()
		}
	})
}
