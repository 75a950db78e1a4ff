package security

import (
	"errors"
	"fmt"
)

type TokenErrorKind string

const (
	TokenMalformed    TokenErrorKind = "malformed"
	TokenBadSignature TokenErrorKind = "bad_signature"
	TokenExpired      TokenErrorKind = "expired"
)

var (
	ErrTokenMalformed    = &TokenError{Kind: TokenMalformed}
	ErrTokenBadSignature = &TokenError{Kind: TokenBadSignature}
	ErrTokenExpired      = &TokenError{Kind: TokenExpired}
)

// TokenError classifies a structural token failure. errors.Is matches any
// TokenError of the same kind.
type TokenError struct {
	Kind TokenErrorKind
	Err  error
}

func newTokenError(kind TokenErrorKind, err error) *TokenError {
	return &TokenError{Kind: kind, Err: err}
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return "token " + string(e.Kind)
	}
	return fmt.Sprintf("token %s: %v", e.Kind, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

func (e *TokenError) Is(target error) bool {
	t, ok := target.(*TokenError)
	return ok && t.Kind == e.Kind
}

// TokenErrorReason returns the failure kind as a metric-safe label, or "" when
// err is not a token error.
func TokenErrorReason(err error) string {
	var te *TokenError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return ""
}
