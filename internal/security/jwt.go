package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
)

const MinSecretLength = 32

var ErrWeakSigningKey = fmt.Errorf("jwt signing secret must be at least %d bytes", MinSecretLength)

var strictSegmentEncoding = base64.RawURLEncoding.Strict()

type Claims struct {
	Kind domain.TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, newTokenError(TokenMalformed, fmt.Errorf("invalid subject %q", c.Subject))
	}
	return uint(id), nil
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type JWTManager struct {
	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
}

type JWTOption func(*JWTManager)

// WithClock replaces the wall clock used for iat and expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(m *JWTManager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewJWTManager(issuer, audience, secret string, opts ...JWTOption) (*JWTManager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSigningKey
	}
	m := &JWTManager{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *JWTManager) Issue(userID uint, kind domain.TokenKind, tokenID string, expiresAt time.Time) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unsupported token kind %q", kind)
	}
	if tokenID == "" {
		return "", errors.New("token id is required")
	}
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ID:        tokenID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks the signature before anything else, so a tampered token is
// always reported as TokenBadSignature, then decodes the claims and enforces
// expiry.
func (m *JWTManager) Verify(raw string) (*Claims, error) {
	return m.verify(raw, false)
}

// VerifyIgnoringExpiry authenticates the token but accepts it past its expiry.
// Logout uses it so an expired token can still remove its session row.
func (m *JWTManager) VerifyIgnoringExpiry(raw string) (*Claims, error) {
	return m.verify(raw, true)
}

func (m *JWTManager) verify(raw string, allowExpired bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndexByte(raw, '.')
	if idx <= 0 {
		return nil, newTokenError(TokenMalformed, errors.New("token is not a signed jwt"))
	}
	if err := m.checkSignature(raw[:idx], raw[idx+1:]); err != nil {
		return nil, newTokenError(TokenBadSignature, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newTokenError(TokenExpired, err)
		}
		return nil, newTokenError(TokenMalformed, err)
	}
	if allowExpired {
		if err := m.checkScope(claims); err != nil {
			return nil, newTokenError(TokenMalformed, err)
		}
	}
	if !claims.Kind.Valid() {
		return nil, newTokenError(TokenMalformed, fmt.Errorf("unexpected token kind %q", claims.Kind))
	}
	if claims.ID == "" {
		return nil, newTokenError(TokenMalformed, errors.New("token id missing"))
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *JWTManager) checkSignature(signingInput, encodedSig string) error {
	sig, err := strictSegmentEncoding.DecodeString(encodedSig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	return jwt.SigningMethodHS256.Verify(signingInput, sig, m.secret)
}

func (m *JWTManager) checkScope(claims *Claims) error {
	if claims.Issuer != m.issuer {
		return jwt.ErrTokenInvalidIssuer
	}
	if !slices.Contains(claims.Audience, m.audience) {
		return jwt.ErrTokenInvalidAudience
	}
	if claims.ExpiresAt == nil {
		return jwt.ErrTokenRequiredClaimMissing
	}
	return nil
}
