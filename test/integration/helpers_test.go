package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/database"
	"github.com/gpustack-ui/chat-auth-service/internal/health"
	"github.com/gpustack-ui/chat-auth-service/internal/http/handler"
	"github.com/gpustack-ui/chat-auth-service/internal/http/router"
	"github.com/gpustack-ui/chat-auth-service/internal/identity"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID       uint   `json:"id"`
		Username string `json:"username"`
		IsAdmin  bool   `json:"is_admin"`
	} `json:"user"`
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type authTestServerOptions struct {
	providerURL string
	authCfg     func(*service.AuthServiceConfig)
}

type authTestEnv struct {
	baseURL  string
	client   *http.Client
	clock    *testClock
	sessions repository.SessionRepository
}

// newAuthTestServerWithOptions assembles the full HTTP stack on a file
// backed sqlite database with the bootstrap admin admin/admin.
func newAuthTestServerWithOptions(t *testing.T, opts authTestServerOptions) *authTestEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open("sqlite://"+filepath.Join(t.TempDir(), "auth.db"), logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	tokens, err := security.NewJWTManager("chat-auth", "chat-ui", testJWTSecret, security.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	prefs := repository.NewPreferenceRepository(db)

	provider, err := identity.NewGPUStackClient(identity.GPUStackConfig{
		BaseURL:       opts.providerURL,
		Timeout:       time.Second,
		RetryInterval: time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("gpustack client: %v", err)
	}
	verifier := service.NewIdentityService(users, provider, true, logger)

	authCfg := service.AuthServiceConfig{
		AccessTTL:       30 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
		RefreshRotation: true,
		TouchInterval:   time.Minute,
	}
	if opts.authCfg != nil {
		opts.authCfg(&authCfg)
	}
	auth := service.NewAuthService(authCfg, verifier, users, sessions, tokens, logger,
		service.WithAuthClock(clock.Now),
		service.WithSessionCache(service.NewInMemorySessionCacheStore()),
		service.WithMissingSessionCache(service.NewInMemoryMissingSessionCache(0)),
	)
	userSvc := service.NewUserService(users, prefs, auth, 8, logger)
	sessionSvc := service.NewSessionService(sessions, auth)
	janitor, err := service.NewSessionJanitor(sessions, "@every 1h", logger)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if _, _, err := userSvc.EnsureBootstrapAdmin(context.Background(), "admin", "admin"); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}

	h := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, userSvc),
		UserHandler:      handler.NewUserHandler(userSvc, sessionSvc),
		AdminHandler:     handler.NewAdminHandler(userSvc, sessionSvc, janitor),
		Authenticator:    auth,
		JWTManager:       tokens,
		AuthRateLimitRPM: 1000,
		APIRateLimitRPM:  1000,
		Readiness:        health.NewProbeRunner(time.Second, 0, health.NewDBChecker(db)),
		Logger:           logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = database.Close(db)
	})
	return &authTestEnv{baseURL: srv.URL, client: srv.Client(), clock: clock, sessions: sessions}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	return doRaw(t, client, method, url, body, headers)
}

func doRaw(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope %q: %v", raw, err)
		}
	}
	return resp, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func login(t *testing.T, env *authTestEnv, username, password string) tokenResponse {
	t.Helper()
	resp, body := doJSON(t, env.client, http.MethodPost, env.baseURL+"/api/v1/auth/login", map[string]string{"username": username, "password": password}, nil)
	if resp.StatusCode != http.StatusOK || !body.Success {
		t.Fatalf("login %s failed: status=%d error=%+v", username, resp.StatusCode, body.Error)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body.Data, &tr); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return tr
}

// changeAdminPassword clears the bootstrap must-change flag so the admin
// surface opens up.
func changeAdminPassword(t *testing.T, env *authTestEnv, access string) {
	t.Helper()
	resp, body := doJSON(t, env.client, http.MethodPost, env.baseURL+"/api/v1/auth/change-password",
		map[string]string{"current_password": "admin", "new_password": "admin-rotated-1"}, bearer(access))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change password: status=%d error=%+v", resp.StatusCode, body.Error)
	}
}
