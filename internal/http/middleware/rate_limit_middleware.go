package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
	// Reason is "window" or "bucket" on a denial.
	Reason string
}

// RateLimitPolicy caps requests per window. Limiters that support it also
// smooth bursts with a token bucket; zero burst fields derive from the cap.
type RateLimitPolicy struct {
	SustainedLimit    int
	SustainedWindow   time.Duration
	BurstCapacity     int
	BurstRefillPerSec float64
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

// FailureMode decides what happens to a request when the limiter backend
// errors.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// KeyFunc maps a request to its budget key. An empty result falls back to
// the client IP.
type KeyFunc func(r *http.Request) string

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	mode    FailureMode
	scope   string
	keyFunc KeyFunc
}

// NewRateLimiter builds a process-local, fail-closed limiter keyed by client IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalLimiter(), limit, window, FailClosed, "local", nil)
}

func NewDistributedRateLimiter(limiter Limiter, limit int, window time.Duration, mode FailureMode, scope string, keyFunc KeyFunc) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  normalizePolicy(RateLimitPolicy{SustainedLimit: limit, SustainedWindow: window}),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.admit(w, r) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// admit consults the limiter and writes the 429 itself when the request is
// refused.
func (rl *RateLimiter) admit(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	key := rl.keyFunc(r)
	if key == "" {
		key = clientIPKey(r)
	}
	keyType := "ip"
	if strings.HasPrefix(key, "sub:") {
		keyType = "subject"
	}
	record := func(outcome string) {
		observability.RecordRateLimitDecision(ctx, rl.scope, outcome, string(rl.mode), keyType)
	}

	d, err := rl.limiter.Allow(ctx, rl.scope+":"+key, rl.policy)
	if err != nil {
		record("backend_error")
		if rl.mode == FailOpen {
			slog.WarnContext(ctx, "rate limiter backend unavailable, allowing request", "scope", rl.scope, "error", err)
			return true
		}
		d = Decision{RetryAfter: rl.policy.SustainedWindow, ResetAt: time.Now().Add(rl.policy.SustainedWindow), Reason: "backend"}
	}

	setRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, d)
	if err == nil && d.Allowed {
		record("allow")
		return true
	}
	if err == nil {
		record("deny")
	}
	if d.Reason == "" {
		d.Reason = "window"
	}
	observability.RecordRateLimitRetryAfter(ctx, rl.scope, d.Reason, d.RetryAfter)
	w.Header().Set("Retry-After", retryAfterHeader(d.RetryAfter))
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
	return false
}

// SubjectOrIPKeyFunc keys authenticated callers by token subject so users
// behind one NAT do not share a budget. Only the signature is checked here;
// session validity is the authenticator's job.
func SubjectOrIPKeyFunc(tokens *security.JWTManager) KeyFunc {
	return func(r *http.Request) string {
		if tokens != nil {
			if raw := security.BearerToken(r); raw != "" {
				if claims, err := tokens.Verify(raw); err == nil && claims.Subject != "" {
					return "sub:" + claims.Subject
				}
			}
		}
		return clientIPKey(r)
	}
}

func clientIPKey(r *http.Request) string {
	return "ip:" + security.ClientIP(r)
}

// retryAfterHeader renders whole seconds, never less than one.
func retryAfterHeader(d time.Duration) string {
	return strconv.Itoa(max(int(d.Round(time.Second)/time.Second), 1))
}

func setRateLimitHeaders(h http.Header, limit int, d Decision) {
	reset := d.ResetAt
	if reset.IsZero() {
		reset = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func normalizePolicy(p RateLimitPolicy) RateLimitPolicy {
	if p.SustainedLimit <= 0 {
		p.SustainedLimit = 1
	}
	if p.SustainedWindow <= 0 {
		p.SustainedWindow = time.Minute
	}
	p.BurstCapacity = max(p.BurstCapacity, p.SustainedLimit)
	if p.BurstRefillPerSec <= 0 {
		p.BurstRefillPerSec = float64(p.SustainedLimit) / p.SustainedWindow.Seconds()
	}
	return p
}
