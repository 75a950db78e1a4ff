package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

var testMeta = ClientMeta{IP: "10.0.0.1", UserAgent: "go-test"}

func TestLoginIssuesTokenPairAndSessions(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "admin", "admin", true)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "admin", "admin", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.ExpiresIn != 1800 || res.TokenType != "bearer" || res.User.ID != user.ID {
		t.Fatalf("unexpected login result: %+v", res)
	}
	if res.User.LastLoginAt == nil {
		t.Fatal("expected last login to be recorded")
	}

	accessClaims, err := f.tokens.Verify(res.AccessToken)
	if err != nil || accessClaims.Kind != domain.TokenKindAccess {
		t.Fatalf("verify access: %+v err=%v", accessClaims, err)
	}
	refreshClaims, err := f.tokens.Verify(res.RefreshToken)
	if err != nil || refreshClaims.Kind != domain.TokenKindRefresh {
		t.Fatalf("verify refresh: %+v err=%v", refreshClaims, err)
	}

	access, err := f.sessions.FindByTokenID(ctx, accessClaims.ID)
	if err != nil {
		t.Fatalf("find access session: %v", err)
	}
	refresh, err := f.sessions.FindByTokenID(ctx, refreshClaims.ID)
	if err != nil {
		t.Fatalf("find refresh session: %v", err)
	}
	if access.FamilyID != refresh.FamilyID || access.IP != "10.0.0.1" || refresh.UserAgent != "go-test" {
		t.Fatalf("sessions not linked: access=%+v refresh=%+v", access, refresh)
	}
	if !access.ExpiresAt.Equal(accessClaims.ExpiresAtTime()) {
		t.Fatalf("access row expiry %s does not match token exp %s", access.ExpiresAt, accessClaims.ExpiresAtTime())
	}
}

func TestLoginFailureCreatesNoSessions(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "alice", "correct-horse", false)

	_, err := f.auth.Login(context.Background(), "alice", "wrong", testMeta)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if n := f.countSessions(t, user.ID); n != 0 {
		t.Fatalf("expected no sessions after failed login, got %d", n)
	}
}

func TestAuthenticateResolvesUserAndRejectsAfterExpiry(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	f.seedLocalUser(t, "admin", "admin", true)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "admin", "admin", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	p, err := f.auth.Authenticate(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.User.Username != "admin" || p.Session.Kind != domain.TokenKindAccess {
		t.Fatalf("unexpected principal: %+v", p)
	}

	f.clock.Advance(31 * time.Minute)
	if _, err := f.auth.Authenticate(ctx, res.AccessToken); !errors.Is(err, security.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	refreshed, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("authenticate refreshed token: %v", err)
	}
}

func TestAuthenticateRejectsWrongKindAndGarbage(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	f.seedLocalUser(t, "bob", "password1", false)
	ctx := context.Background()
	res, err := f.auth.Login(ctx, "bob", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "refresh token as access", token: res.RefreshToken, want: ErrTokenKindMismatch},
		{name: "garbage", token: "not-a-token", want: security.ErrTokenMalformed},
		{name: "tampered", token: tamper(res.AccessToken), want: security.ErrTokenBadSignature},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.auth.Authenticate(ctx, tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsUnauthenticated(err) {
				t.Fatalf("expected %v to be classified as unauthenticated", err)
			}
		})
	}

	if _, err := f.auth.Refresh(ctx, res.AccessToken, testMeta); !errors.Is(err, ErrTokenKindMismatch) {
		t.Fatalf("expected kind mismatch when refreshing with access token, got %v", err)
	}
}

func TestRefreshRotationRejectsReuse(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	f.seedLocalUser(t, "carol", "password1", false)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "carol", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	next, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == res.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	if _, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected reuse of old refresh token to fail with ErrSessionNotFound, got %v", err)
	}
	if _, err := f.auth.Refresh(ctx, next.RefreshToken, testMeta); err != nil {
		t.Fatalf("rotated refresh token should still work: %v", err)
	}
}

func TestRefreshReuseGraceWindow(t *testing.T) {
	cfg := defaultAuthConfig()
	cfg.RefreshReuseGrace = 10 * time.Second
	f := newAuthFixture(t, cfg)
	f.seedLocalUser(t, "dave", "password1", false)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "dave", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta); err != nil {
		t.Fatalf("reuse inside grace window should succeed: %v", err)
	}
	f.clock.Advance(11 * time.Second)
	if _, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected reuse after grace window to fail, got %v", err)
	}
}

func TestRefreshWithoutRotationKeepsRefreshToken(t *testing.T) {
	cfg := defaultAuthConfig()
	cfg.RefreshRotation = false
	f := newAuthFixture(t, cfg)
	user := f.seedLocalUser(t, "erin", "password1", false)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "erin", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	for i := 0; i < 2; i++ {
		next, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		if next.RefreshToken != res.RefreshToken || next.AccessToken == "" {
			t.Fatalf("unexpected refresh result: %+v", next)
		}
	}
	if n := f.countSessions(t, user.ID); n != 4 {
		t.Fatalf("expected 1 refresh and 3 access rows, got %d", n)
	}
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "frank", "password1", false)
	ctx := context.Background()
	res, err := f.auth.Login(ctx, "frank", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.users.SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrUserDeactivated) {
		t.Fatalf("expected ErrUserDeactivated on refresh, got %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrUserDeactivated) {
		t.Fatalf("expected ErrUserDeactivated on authenticate, got %v", err)
	}
	if _, err := f.auth.Login(ctx, "frank", "password1", testMeta); !errors.Is(err, ErrUserDeactivated) {
		t.Fatalf("expected ErrUserDeactivated on login, got %v", err)
	}
}

func TestLogoutRevokesFamilyAndIsIdempotent(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "grace", "password1", false)
	ctx := context.Background()

	first, err := f.auth.Login(ctx, "grace", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := f.auth.Login(ctx, "grace", "password1", testMeta)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	removed, err := f.auth.Logout(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected the access and refresh rows of one login to go, got %d", removed)
	}
	if _, err := f.auth.Authenticate(ctx, first.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after logout, got %v", err)
	}
	if _, err := f.auth.Refresh(ctx, first.RefreshToken, testMeta); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected refresh of logged-out family to fail, got %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, second.AccessToken); err != nil {
		t.Fatalf("other login must survive: %v", err)
	}

	for _, tokens := range [][]string{{first.AccessToken}, {"garbage"}, {""}, nil} {
		if n, err := f.auth.Logout(ctx, tokens...); err != nil || n != 0 {
			t.Fatalf("repeat logout %v: removed=%d err=%v", tokens, n, err)
		}
	}
	if n := f.countSessions(t, user.ID); n != 2 {
		t.Fatalf("expected the second login's rows to remain, got %d", n)
	}
}

func TestLogoutAcceptsExpiredToken(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "heidi", "password1", false)
	ctx := context.Background()
	res, err := f.auth.Login(ctx, "heidi", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.auth.Logout(ctx, res.AccessToken); err != nil {
		t.Fatalf("logout with expired access token: %v", err)
	}
	if n := f.countSessions(t, user.ID); n != 0 {
		t.Fatalf("expected family removed, %d rows left", n)
	}
}

func TestRevokeAllInvalidatesCachedPrincipal(t *testing.T) {
	cache := NewInMemorySessionCacheStore()
	f := newAuthFixture(t, defaultAuthConfig(), WithSessionCache(cache))
	user := f.seedLocalUser(t, "ivan", "password1", false)
	ctx := context.Background()

	a, err := f.auth.Login(ctx, "ivan", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	b, err := f.auth.Login(ctx, "ivan", "password1", testMeta)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if _, err := f.auth.Authenticate(ctx, tok); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
	if cache.Len() != 2 {
		t.Fatalf("expected both principals cached, got %d", cache.Len())
	}

	n, err := f.auth.RevokeAll(ctx, user.ID, "test")
	if err != nil || n != 4 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	for _, tok := range []string{a.AccessToken, b.AccessToken, a.RefreshToken} {
		if _, err := f.auth.Authenticate(ctx, tok); err == nil {
			t.Fatal("expected every token to be rejected after revoke-all")
		}
	}
	if _, err := f.auth.Refresh(ctx, b.RefreshToken, testMeta); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected refresh after revoke-all to fail, got %v", err)
	}
}

// revokingSessions runs a revocation right after the first lookup it serves,
// the way a concurrent admin action would land mid-request.
type revokingSessions struct {
	repository.SessionRepository
	revoke func()
	once   sync.Once
}

func (r *revokingSessions) FindByTokenID(ctx context.Context, tokenID string) (*domain.Session, error) {
	sess, err := r.SessionRepository.FindByTokenID(ctx, tokenID)
	if err == nil && r.revoke != nil {
		r.once.Do(r.revoke)
	}
	return sess, err
}

func TestRevokeAllDuringLookupIsNotCached(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "kim", "password1", false)
	ctx := context.Background()

	cache := NewInMemorySessionCacheStore()
	sessions := &revokingSessions{SessionRepository: f.sessions}
	auth := NewAuthService(defaultAuthConfig(), f.identity, f.users, sessions, f.tokens, discardLogger(),
		WithAuthClock(f.clock.Now), WithSessionCache(cache))

	res, err := auth.Login(ctx, "kim", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	sessions.revoke = func() {
		if _, err := auth.RevokeAll(ctx, user.ID, "test"); err != nil {
			t.Errorf("revoke all: %v", err)
		}
	}

	// The in-flight request already holds the row and may finish.
	if _, err := auth.Authenticate(ctx, res.AccessToken); err != nil {
		t.Fatalf("authenticate racing revoke: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("revoked principal was cached: %d entries", cache.Len())
	}
	if _, err := auth.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after revoke-all, got %v", err)
	}
}

func TestMissingSessionCacheRemembersRevokedTokens(t *testing.T) {
	missing := NewInMemoryMissingSessionCache(10)
	f := newAuthFixture(t, defaultAuthConfig(), WithMissingSessionCache(missing))
	f.seedLocalUser(t, "judy", "password1", false)
	ctx := context.Background()

	res, err := f.auth.Login(ctx, "judy", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := f.tokens.Verify(res.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.auth.Logout(ctx, res.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	known, err := missing.Known(ctx, claims.ID)
	if err != nil || !known {
		t.Fatalf("expected revoked jti to be remembered, known=%v err=%v", known, err)
	}
	if _, err := f.auth.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected cached rejection, got %v", err)
	}
}

func TestAuthenticateTouchIsThrottled(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	f.seedLocalUser(t, "kim", "password1", false)
	ctx := context.Background()
	res, err := f.auth.Login(ctx, "kim", "password1", testMeta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	issuedAt := f.clock.Now()

	lastAccessed := func() time.Time {
		p, err := f.auth.Authenticate(ctx, res.AccessToken)
		if err != nil {
			t.Fatalf("authenticate: %v", err)
		}
		row, err := f.sessions.FindByTokenID(ctx, p.Claims.ID)
		if err != nil {
			t.Fatalf("find session: %v", err)
		}
		return row.LastAccessedAt
	}

	f.clock.Advance(30 * time.Second)
	if got := lastAccessed(); !got.Equal(issuedAt) {
		t.Fatalf("expected no touch inside interval, got %s", got)
	}
	f.clock.Advance(time.Minute)
	if got := lastAccessed(); !got.Equal(f.clock.Now()) {
		t.Fatalf("expected touch after interval, got %s want %s", got, f.clock.Now())
	}
}

func TestPurgeRunningAlongsideLoginsKeepsNewSessions(t *testing.T) {
	f := newAuthFixture(t, defaultAuthConfig())
	user := f.seedLocalUser(t, "leo", "password1", false)
	ctx := context.Background()
	janitor, err := NewSessionJanitor(f.sessions, "@every 1m", discardLogger())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	janitor.now = f.clock.Now

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.auth.Login(ctx, "leo", "password1", testMeta); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := janitor.RunOnce(ctx, "manual"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent run: %v", err)
	}
	if n := f.countSessions(t, user.ID); n != 8 {
		t.Fatalf("expected 8 live sessions to survive purge, got %d", n)
	}
}

// tamper swaps one character in the middle of the signature segment.
func tamper(token string) string {
	b := []byte(token)
	i := len(b) - 8
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
