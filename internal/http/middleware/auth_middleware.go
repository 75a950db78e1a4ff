package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
)

// Authenticator resolves a bearer access token into the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*service.Principal, error)
}

// AuthMiddleware rejects requests without a live access token. Every failure
// gets the same generic 401; the precise reason is only logged and counted.
func AuthMiddleware(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = authLogger(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.BearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			principal, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				if !service.IsUnauthenticated(err) {
					logger.ErrorContext(r.Context(), "access token resolution failed", "path", r.URL.Path, "error", err)
				}
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired access token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// OptionalAuth attaches the caller's identity when a valid token is presented
// and otherwise lets the request through anonymously.
func OptionalAuth(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = authLogger(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.BearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				logger.DebugContext(r.Context(), "optional auth ignored token", "reason", service.FailureReason(err), "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func authLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "auth_middleware")
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r.Context())
		if user == nil {
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		if !user.IsAdmin {
			observability.Audit(r, "admin.access.denied", "user_id", user.ID)
			response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "administrator privileges required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePasswordChanged blocks accounts that still carry a bootstrap
// password from anything but the change-password flow.
func RequirePasswordChanged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r.Context())
		if user != nil && user.MustChangePassword {
			response.Error(w, r, http.StatusForbidden, "PASSWORD_CHANGE_REQUIRED", "password must be changed before continuing", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithPrincipal(ctx context.Context, p *service.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*service.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*service.Principal)
	return p, ok && p != nil
}

// CurrentUser returns the authenticated user or nil for anonymous requests.
func CurrentUser(ctx context.Context) *domain.User {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil
	}
	return p.User
}
