package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

type ClientMeta struct {
	IP        string
	UserAgent string
}

type LoginResult struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *domain.User `json:"user"`
}

// Principal is the resolved identity behind a verified access token.
type Principal struct {
	User    *domain.User
	Claims  *security.Claims
	Session *domain.Session
}

type AuthServiceConfig struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RefreshRotation   bool
	RefreshReuseGrace time.Duration
	TouchInterval     time.Duration
	CacheTTL          time.Duration
}

type AuthService struct {
	cfg      AuthServiceConfig
	verifier CredentialVerifier
	users    repository.UserRepository
	sessions repository.SessionRepository
	tokens   *security.JWTManager
	cache    SessionCacheStore
	missing  MissingSessionCache
	logger   *slog.Logger
	now      func() time.Time
}

type AuthOption func(*AuthService)

func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSessionCache(cache SessionCacheStore) AuthOption {
	return func(s *AuthService) {
		if cache != nil {
			s.cache = cache
		}
	}
}

func WithMissingSessionCache(cache MissingSessionCache) AuthOption {
	return func(s *AuthService) {
		if cache != nil {
			s.missing = cache
		}
	}
}

func NewAuthService(
	cfg AuthServiceConfig,
	verifier CredentialVerifier,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens *security.JWTManager,
	logger *slog.Logger,
	opts ...AuthOption,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuthService{
		cfg:      cfg,
		verifier: verifier,
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		cache:    NewNoopSessionCacheStore(),
		missing:  NewNoopMissingSessionCache(),
		logger:   logger.With("component", "auth_service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies the credentials, persists an access and a refresh session
// sharing a new family id, and only then signs the two tokens.
func (s *AuthService) Login(ctx context.Context, username, password string, meta ClientMeta) (*LoginResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "auth.login")
	defer span.End()

	user, err := s.verifier.Authenticate(ctx, username, password)
	if err != nil {
		status := loginFailureStatus(err)
		observability.RecordAuthLogin(ctx, "unknown", status)
		endSpan(span, err)
		if status == "error" {
			s.logger.ErrorContext(ctx, "login failed", "error", err)
		} else {
			s.logger.InfoContext(ctx, "login rejected", "username", username, "reason", status)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", int64(user.ID)))

	now := s.clock()
	familyID, err := security.NewTokenID()
	if err != nil {
		return nil, s.loginError(ctx, span, user, err)
	}
	access, err := s.newSession(user.ID, domain.TokenKindAccess, familyID, meta, now)
	if err != nil {
		return nil, s.loginError(ctx, span, user, err)
	}
	refresh, err := s.newSession(user.ID, domain.TokenKindRefresh, familyID, meta, now)
	if err != nil {
		return nil, s.loginError(ctx, span, user, err)
	}
	if err := s.sessions.Create(ctx, access, refresh); err != nil {
		return nil, s.loginError(ctx, span, user, fmt.Errorf("persist sessions: %w", err))
	}
	accessToken, refreshToken, err := s.signPair(access, refresh)
	if err != nil {
		if _, delErr := s.sessions.DeleteByFamilyID(ctx, familyID); delErr != nil {
			s.logger.ErrorContext(ctx, "drop sessions after signing failure", "error", delErr)
		}
		return nil, s.loginError(ctx, span, user, err)
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.WarnContext(ctx, "update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}
	observability.RecordAuthLogin(ctx, string(user.AuthSource), "success")
	s.logger.InfoContext(ctx, "login succeeded", "user_id", user.ID, "source", user.AuthSource)
	return s.result(accessToken, refreshToken, user), nil
}

// Refresh trades a live refresh token for a new access token. With rotation
// enabled the refresh token is replaced too and the presented one stops
// working, immediately or once the reuse grace window closes.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*LoginResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "auth.refresh")
	defer span.End()

	result, err := s.refresh(ctx, refreshToken, meta)
	if err != nil {
		observability.RecordAuthRefresh(ctx, FailureReason(err))
		endSpan(span, err)
		if IsUnauthenticated(err) {
			s.logger.InfoContext(ctx, "refresh rejected", "reason", FailureReason(err))
		} else {
			s.logger.ErrorContext(ctx, "refresh failed", "error", err)
		}
		return nil, err
	}
	observability.RecordAuthRefresh(ctx, "success")
	return result, nil
}

func (s *AuthService) refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*LoginResult, error) {
	claims, err := s.tokens.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != domain.TokenKindRefresh {
		return nil, ErrTokenKindMismatch
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	current, err := s.sessions.FindByTokenID(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if current.Kind != domain.TokenKindRefresh {
		return nil, ErrTokenKindMismatch
	}
	if current.UserID != userID || current.ExpiredAt(now) {
		return nil, ErrSessionNotFound
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDeactivated
	}

	access, err := s.newSession(userID, domain.TokenKindAccess, current.FamilyID, meta, now)
	if err != nil {
		return nil, err
	}

	if !s.cfg.RefreshRotation {
		if err := s.sessions.Create(ctx, access); err != nil {
			return nil, fmt.Errorf("persist access session: %w", err)
		}
		accessToken, err := s.tokens.Issue(access.UserID, access.Kind, access.TokenID, access.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return s.result(accessToken, refreshToken, user), nil
	}

	next, err := s.newSession(userID, domain.TokenKindRefresh, current.FamilyID, meta, now)
	if err != nil {
		return nil, err
	}
	var graceUntil *time.Time
	if s.cfg.RefreshReuseGrace > 0 {
		g := now.Add(s.cfg.RefreshReuseGrace)
		graceUntil = &g
	}
	if err := s.sessions.Rotate(ctx, claims.ID, graceUntil, access, next); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("rotate refresh session: %w", err)
	}
	accessToken, nextRefresh, err := s.signPair(access, next)
	if err != nil {
		return nil, err
	}
	return s.result(accessToken, nextRefresh, user), nil
}

// Logout removes every session of the login that issued each presented
// token. Unparseable, expired and unknown tokens are ignored, so the call is
// idempotent; only storage failures are returned.
func (s *AuthService) Logout(ctx context.Context, tokens ...string) (int64, error) {
	ctx, span := observability.Tracer().Start(ctx, "auth.logout")
	defer span.End()

	var removed int64
	for _, raw := range tokens {
		if raw == "" {
			continue
		}
		claims, err := s.tokens.VerifyIgnoringExpiry(raw)
		if err != nil {
			s.logger.DebugContext(ctx, "logout ignored unusable token", "reason", FailureReason(err))
			continue
		}
		userID, err := claims.UserID()
		if err != nil {
			continue
		}
		n, err := s.revokeFamilyOf(ctx, claims.ID, userID)
		if err != nil {
			observability.RecordAuthLogout(ctx, "error")
			endSpan(span, err)
			return removed, err
		}
		removed += n
	}
	observability.RecordAuthLogout(ctx, "success")
	observability.RecordSessionRevocation(ctx, "logout", removed)
	return removed, nil
}

func (s *AuthService) revokeFamilyOf(ctx context.Context, tokenID string, userID uint) (int64, error) {
	sess, err := s.sessions.FindByTokenID(ctx, tokenID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if sess.UserID != userID {
		return 0, nil
	}
	n, err := s.sessions.DeleteByFamilyID(ctx, sess.FamilyID)
	if err != nil {
		return 0, fmt.Errorf("delete session family: %w", err)
	}
	s.invalidateCache(ctx, userID)
	return n, nil
}

// RevokeAll deletes every session of the user. Tokens already handed out stay
// cryptographically valid but fail the session lookup from now on.
func (s *AuthService) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	n, err := s.sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.invalidateCache(ctx, userID)
	observability.RecordSessionRevocation(ctx, reason, n)
	s.logger.InfoContext(ctx, "sessions revoked", "user_id", userID, "reason", reason, "count", n)
	return n, nil
}

// InvalidateUser drops cached principals of the user after a profile change.
func (s *AuthService) InvalidateUser(ctx context.Context, userID uint) {
	s.invalidateCache(ctx, userID)
}

// Authenticate resolves an access token to its principal: signature and
// expiry, then the session row (kind, owner, expiry), then the user's active
// flag. The failure reason is recorded but the caller should only ever
// expose a generic 401.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	ctx, span := observability.Tracer().Start(ctx, "auth.authenticate")
	defer span.End()

	p, err := s.resolve(ctx, accessToken)
	if err != nil {
		reason := FailureReason(err)
		observability.RecordAccessTokenValidation(ctx, "rejected", reason)
		endSpan(span, err)
		if reason == "internal" {
			s.logger.ErrorContext(ctx, "access token validation failed", "error", err)
		} else {
			s.logger.DebugContext(ctx, "access token rejected", "reason", reason)
		}
		return nil, err
	}
	observability.RecordAccessTokenValidation(ctx, "accepted", "none")
	return p, nil
}

func (s *AuthService) resolve(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != domain.TokenKindAccess {
		return nil, ErrTokenKindMismatch
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	now := s.clock()

	// The epoch is read before the session row so that a revocation racing
	// this lookup makes the later cache write a no-op.
	cached, epoch, cacheable := s.cachedPrincipal(ctx, userID, claims.ID, now)
	if cached != nil {
		if s.touch(ctx, &cached.Session, now) {
			s.storeCache(ctx, userID, claims.ID, epoch, cached)
		}
		return &Principal{User: &cached.User, Claims: claims, Session: &cached.Session}, nil
	}

	if known, err := s.missing.Known(ctx, claims.ID); err != nil {
		observability.RecordSessionCacheEvent(ctx, "missing", "error")
		s.logger.WarnContext(ctx, "missing session cache lookup failed", "error", err)
	} else if known {
		observability.RecordSessionCacheEvent(ctx, "missing", "hit")
		return nil, ErrSessionNotFound
	}

	sess, err := s.sessions.FindByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			if rerr := s.missing.Remember(ctx, claims.ID, claims.ExpiresAtTime()); rerr != nil {
				s.logger.WarnContext(ctx, "remember missing session", "error", rerr)
			}
		}
		return nil, err
	}
	if sess.Kind != domain.TokenKindAccess {
		return nil, ErrTokenKindMismatch
	}
	if sess.UserID != userID || sess.ExpiredAt(now) {
		return nil, ErrSessionNotFound
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDeactivated
	}

	s.touch(ctx, sess, now)
	if cacheable {
		s.storeCache(ctx, userID, claims.ID, epoch, &CachedPrincipal{Session: *sess, User: *user})
	}
	return &Principal{User: user, Claims: claims, Session: sess}, nil
}

// cachedPrincipal returns the usable cached entry, if any, and the epoch the
// cache observed. cacheable is false when the epoch is unknown and nothing
// may be written back.
func (s *AuthService) cachedPrincipal(ctx context.Context, userID uint, tokenID string, now time.Time) (hit *CachedPrincipal, epoch uint64, cacheable bool) {
	cached, epoch, ok, err := s.cache.Get(ctx, userID, tokenID)
	if err != nil {
		observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "error")
		s.logger.WarnContext(ctx, "session cache lookup failed", "error", err)
		return nil, 0, false
	}
	if !ok {
		observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "miss")
		return nil, epoch, true
	}
	if cached.Session.Kind != domain.TokenKindAccess || cached.Session.UserID != userID ||
		cached.Session.ExpiredAt(now) || !cached.User.IsActive {
		observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "stale")
		return nil, epoch, true
	}
	observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "hit")
	return cached, epoch, true
}

// touch records activity at most once per TouchInterval per session and
// reports whether it wrote. Failures never fail the request.
func (s *AuthService) touch(ctx context.Context, sess *domain.Session, now time.Time) bool {
	if now.Sub(sess.LastAccessedAt) < s.cfg.TouchInterval {
		return false
	}
	if err := s.sessions.Touch(ctx, sess.TokenID, now); err != nil {
		s.logger.DebugContext(ctx, "touch session", "error", err)
		return false
	}
	sess.LastAccessedAt = now
	return true
}

func (s *AuthService) storeCache(ctx context.Context, userID uint, tokenID string, epoch uint64, entry *CachedPrincipal) {
	if err := s.cache.Set(ctx, userID, tokenID, epoch, entry, s.cfg.CacheTTL); err != nil {
		observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "error")
		s.logger.WarnContext(ctx, "session cache write failed", "error", err)
	}
}

func (s *AuthService) invalidateCache(ctx context.Context, userID uint) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		observability.RecordSessionCacheEvent(ctx, s.cache.Name(), "error")
		s.logger.ErrorContext(ctx, "session cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (s *AuthService) newSession(userID uint, kind domain.TokenKind, familyID string, meta ClientMeta, now time.Time) (*domain.Session, error) {
	tokenID, err := security.NewTokenID()
	if err != nil {
		return nil, err
	}
	ttl := s.cfg.AccessTTL
	if kind == domain.TokenKindRefresh {
		ttl = s.cfg.RefreshTTL
	}
	return &domain.Session{
		TokenID:        tokenID,
		UserID:         userID,
		Kind:           kind,
		FamilyID:       familyID,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		CreatedAt:      now,
	}, nil
}

func (s *AuthService) signPair(access, refresh *domain.Session) (string, string, error) {
	accessToken, err := s.tokens.Issue(access.UserID, access.Kind, access.TokenID, access.ExpiresAt)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := s.tokens.Issue(refresh.UserID, refresh.Kind, refresh.TokenID, refresh.ExpiresAt)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (s *AuthService) result(accessToken, refreshToken string, user *domain.User) *LoginResult {
	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
		User:         user,
	}
}

func (s *AuthService) loginError(ctx context.Context, span trace.Span, user *domain.User, err error) error {
	observability.RecordAuthLogin(ctx, string(user.AuthSource), "error")
	endSpan(span, err)
	if errors.Is(err, repository.ErrSessionConflict) {
		s.logger.ErrorContext(ctx, "token id collision while persisting sessions", "user_id", user.ID, "error", err)
	} else {
		s.logger.ErrorContext(ctx, "login failed", "user_id", user.ID, "error", err)
	}
	return err
}

// clock truncates to whole seconds so session expiry matches the token's
// NumericDate exp claim.
func (s *AuthService) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func loginFailureStatus(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUserDeactivated):
		return "user_deactivated"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
