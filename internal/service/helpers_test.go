package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/identity"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu       sync.Mutex
	user     *identity.ExternalUser
	err      error
	disabled bool
	calls    int
}

func (p *fakeProvider) Enabled() bool { return !p.disabled }

func (p *fakeProvider) Authenticate(_ context.Context, _, _ string) (*identity.ExternalUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	u := *p.user
	return &u, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_foreign_keys=1", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}, &domain.UserPreference{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type authFixture struct {
	db       *gorm.DB
	clock    *fakeClock
	users    repository.UserRepository
	sessions repository.SessionRepository
	tokens   *security.JWTManager
	provider *fakeProvider
	identity *IdentityService
	auth     *AuthService
}

func defaultAuthConfig() AuthServiceConfig {
	return AuthServiceConfig{
		AccessTTL:       30 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
		RefreshRotation: true,
		TouchInterval:   time.Minute,
		CacheTTL:        15 * time.Second,
	}
}

func newAuthFixture(t *testing.T, cfg AuthServiceConfig, opts ...AuthOption) *authFixture {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	tokens, err := security.NewJWTManager("test-issuer", "test-audience", testSecret, security.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	f := &authFixture{
		db:       db,
		clock:    clock,
		users:    repository.NewUserRepository(db),
		sessions: repository.NewSessionRepository(db),
		tokens:   tokens,
		provider: &fakeProvider{err: identity.ErrProviderUnavailable},
	}
	f.identity = NewIdentityService(f.users, f.provider, true, discardLogger())
	opts = append([]AuthOption{WithAuthClock(clock.Now)}, opts...)
	f.auth = NewAuthService(cfg, f.identity, f.users, f.sessions, tokens, discardLogger(), opts...)
	return f
}

func (f *authFixture) seedLocalUser(t *testing.T, username, password string, admin bool) *domain.User {
	t.Helper()
	hash, err := security.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &domain.User{
		Username:     username,
		PasswordHash: &hash,
		IsAdmin:      admin,
		IsActive:     true,
		AuthSource:   domain.AuthSourceLocal,
	}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return u
}

func (f *authFixture) countSessions(t *testing.T, userID uint) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&domain.Session{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	return n
}

// startMiniredis returns a fresh in-process redis and a client for it. Both
// are torn down with the test.
func startMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}
