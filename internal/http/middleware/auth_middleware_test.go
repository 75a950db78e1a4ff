package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

type stubAuthenticator struct {
	principal *service.Principal
	err       error
	seen      string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (*service.Principal, error) {
	s.seen = token
	if s.err != nil {
		return nil, s.err
	}
	return s.principal, nil
}

func principalFor(user *domain.User) *service.Principal {
	return &service.Principal{User: user, Claims: &security.Claims{}, Session: &domain.Session{UserID: user.ID}}
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuthMiddlewareMissingTokenReturnsUnauthorized(t *testing.T) {
	auth := &stubAuthenticator{}
	h := AuthMiddleware(auth, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))
	if rr := serve(h, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
	if rr := serve(h, "Basic abc"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", rr.Code)
	}
}

func TestAuthMiddlewareFailuresShareOneResponse(t *testing.T) {
	var bodies []string
	for _, err := range []error{security.ErrTokenExpired, security.ErrTokenBadSignature, service.ErrSessionNotFound, service.ErrUserDeactivated, errors.New("db down")} {
		h := AuthMiddleware(&stubAuthenticator{err: err}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run")
		}))
		rr := serve(h, "Bearer token")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%v: expected 401, got %d", err, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}
	for _, b := range bodies {
		if !containsAll(b, `"code":"UNAUTHORIZED"`, `"message":"invalid or expired access token"`) {
			t.Fatalf("expected generic unauthorized body, got %s", b)
		}
	}
}

func TestAuthMiddlewareValidBearerTokenPasses(t *testing.T) {
	user := &domain.User{ID: 42, Username: "alice", IsActive: true}
	auth := &stubAuthenticator{principal: principalFor(user)}
	h := AuthMiddleware(auth, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := CurrentUser(r.Context()); got == nil || got.ID != 42 {
			t.Fatalf("expected current user 42, got %+v", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := serve(h, "bearer  the-token ")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for valid token, got %d", rr.Code)
	}
	if auth.seen != "the-token" {
		t.Fatalf("expected trimmed token, got %q", auth.seen)
	}
}

func TestOptionalAuth(t *testing.T) {
	user := &domain.User{ID: 7, Username: "bob", IsActive: true}
	cases := []struct {
		name   string
		auth   *stubAuthenticator
		header string
		wantID uint
	}{
		{name: "anonymous", auth: &stubAuthenticator{}, header: ""},
		{name: "invalid token passes anonymously", auth: &stubAuthenticator{err: security.ErrTokenMalformed}, header: "Bearer junk"},
		{name: "valid token attaches user", auth: &stubAuthenticator{principal: principalFor(user)}, header: "Bearer ok", wantID: 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *domain.User
			h := OptionalAuth(tc.auth, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = CurrentUser(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			if rr := serve(h, tc.header); rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if tc.wantID == 0 && got != nil {
				t.Fatalf("expected anonymous request, got %+v", got)
			}
			if tc.wantID != 0 && (got == nil || got.ID != tc.wantID) {
				t.Fatalf("expected user %d, got %+v", tc.wantID, got)
			}
		})
	}
}

func TestAuthMiddlewareLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	serve(AuthMiddleware(&stubAuthenticator{err: service.ErrSessionNotFound}, logger)(noop), "Bearer gone")
	if buf.Len() != 0 {
		t.Fatalf("ordinary rejections must not log at error level, got %q", buf.String())
	}

	serve(AuthMiddleware(&stubAuthenticator{err: errors.New("db down")}, logger)(noop), "Bearer token")
	if !containsAll(buf.String(), "level=ERROR", "access token resolution failed", "component=auth_middleware", "db down") {
		t.Fatalf("expected resolution failure on the injected logger, got %q", buf.String())
	}

	buf.Reset()
	serve(OptionalAuth(&stubAuthenticator{err: security.ErrTokenMalformed}, logger)(noop), "Bearer junk")
	if !containsAll(buf.String(), "level=DEBUG", "optional auth ignored token", "component=auth_middleware") {
		t.Fatalf("expected ignored token on the injected logger, got %q", buf.String())
	}
}

func TestRequireAdminAndPasswordChanged(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	cases := []struct {
		name string
		user *domain.User
		want int
	}{
		{name: "anonymous", user: nil, want: http.StatusUnauthorized},
		{name: "regular user", user: &domain.User{ID: 1}, want: http.StatusForbidden},
		{name: "admin", user: &domain.User{ID: 2, IsAdmin: true}, want: http.StatusNoContent},
		{name: "admin with bootstrap password", user: &domain.User{ID: 3, IsAdmin: true, MustChangePassword: true}, want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
			if tc.user != nil {
				req = req.WithContext(WithPrincipal(req.Context(), principalFor(tc.user)))
			}
			rr := httptest.NewRecorder()
			RequireAdmin(RequirePasswordChanged(ok)).ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCurrentUserWithoutPrincipal(t *testing.T) {
	if CurrentUser(context.Background()) != nil {
		t.Fatal("expected nil user without principal")
	}
}
