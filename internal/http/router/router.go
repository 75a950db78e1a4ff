package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gpustack-ui/chat-auth-service/internal/health"
	"github.com/gpustack-ui/chat-auth-service/internal/http/handler"
	"github.com/gpustack-ui/chat-auth-service/internal/http/middleware"
	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

const (
	RoutePolicyLogin      = "login"
	RoutePolicyRefresh    = "refresh"
	RoutePolicyAdminWrite = "admin_write"
)

// RouteRateLimitPolicies overrides the limiter of individual route groups,
// typically with Redis-backed limiters shared across instances.
type RouteRateLimitPolicies map[string]func(http.Handler) http.Handler

type Dependencies struct {
	AuthHandler            *handler.AuthHandler
	UserHandler            *handler.UserHandler
	AdminHandler           *handler.AdminHandler
	Authenticator          middleware.Authenticator
	JWTManager             *security.JWTManager
	CORSOrigins            []string
	AuthRateLimitRPM       int
	APIRateLimitRPM        int
	GlobalRateLimiter      func(http.Handler) http.Handler
	RouteRateLimitPolicies RouteRateLimitPolicies
	Readiness              *health.ProbeRunner
	EnableOTelHTTP         bool
	Logger                 *slog.Logger
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewDistributedRateLimiter(middleware.NewLocalLimiter(), dep.APIRateLimitRPM, time.Minute, middleware.FailClosed, "api", middleware.SubjectOrIPKeyFunc(dep.JWTManager)).Middleware())
	}

	authLimiter := middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	policy := func(name string) func(http.Handler) http.Handler {
		if mw, ok := dep.RouteRateLimitPolicies[name]; ok && mw != nil {
			return mw
		}
		if name == RoutePolicyAdminWrite {
			return passthrough
		}
		return authLimiter
	}

	requireUser := middleware.AuthMiddleware(dep.Authenticator, dep.Logger)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(policy(RoutePolicyLogin)).Post("/login", dep.AuthHandler.Login)
			r.With(policy(RoutePolicyRefresh)).Post("/refresh", dep.AuthHandler.Refresh)
			r.With(middleware.OptionalAuth(dep.Authenticator, dep.Logger)).Post("/logout", dep.AuthHandler.Logout)
			r.With(requireUser, authLimiter).Post("/change-password", dep.AuthHandler.ChangePassword)
		})

		r.Route("/me", func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/", dep.UserHandler.Me)
			r.Get("/sessions", dep.UserHandler.Sessions)
			r.Post("/sessions/revoke-all", dep.UserHandler.RevokeAllSessions)
			r.Get("/preferences", dep.UserHandler.Preferences)
			r.Put("/preferences/{key}", dep.UserHandler.SetPreference)
			r.Delete("/preferences/{key}", dep.UserHandler.DeletePreference)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireUser)
			r.Use(middleware.RequireAdmin)
			r.Use(middleware.RequirePasswordChanged)
			r.Get("/users", dep.AdminHandler.ListUsers)
			r.Get("/sessions", dep.AdminHandler.ListSessions)
			r.Group(func(r chi.Router) {
				r.Use(policy(RoutePolicyAdminWrite))
				r.Post("/users", dep.AdminHandler.CreateUser)
				r.Patch("/users/{id}", dep.AdminHandler.UpdateUser)
				r.Delete("/users/{id}/sessions", dep.AdminHandler.RevokeUserSessions)
				r.Post("/sessions/cleanup", dep.AdminHandler.CleanupSessions)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

func passthrough(next http.Handler) http.Handler { return next }
