package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/gpustack-ui/chat-auth-service/internal/observability"
)

var (
	ErrProviderDisabled    = errors.New("identity provider is not configured")
	ErrProviderRejected    = errors.New("identity provider rejected the credentials")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

const maxResponseBytes = 1 << 20

// ExternalUser is the profile the provider returns for verified credentials.
type ExternalUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsAdmin  bool   `json:"is_admin"`
}

// Provider is an external identity source. Enabled reports whether it is
// configured at all; callers skip a disabled provider instead of calling it.
type Provider interface {
	Enabled() bool
	Authenticate(ctx context.Context, username, password string) (*ExternalUser, error)
}

type GPUStackConfig struct {
	BaseURL    string
	LoginPath  string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
	// RetryInterval is the first backoff delay; zero uses 200ms.
	RetryInterval time.Duration
}

type GPUStackClient struct {
	loginURL   string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

// NewGPUStackClient returns a client that verifies credentials against a
// GPUStack server. An empty BaseURL yields a client that always reports
// ErrProviderDisabled.
func NewGPUStackClient(cfg GPUStackConfig, logger *slog.Logger) (*GPUStackClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &GPUStackClient{
		maxRetries: max(cfg.MaxRetries, 0),
		retryBase:  cfg.RetryInterval,
		logger:     logger.With("component", "gpustack_client"),
	}
	if c.retryBase <= 0 {
		c.retryBase = 200 * time.Millisecond
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return c, nil
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid gpustack base url %q", cfg.BaseURL)
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/auth/login"
	}
	if !strings.HasPrefix(loginPath, "/") {
		loginPath = "/" + loginPath
	}
	c.loginURL = base.String() + loginPath

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if cfg.APIToken != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: timeout}
	return c, nil
}

func (c *GPUStackClient) Enabled() bool {
	return c != nil && c.loginURL != ""
}

// Authenticate posts the credentials to the provider. Only 401 and 403 mean
// the credentials were refused. Transport failures and 5xx responses are
// retried up to MaxRetries times; any 4xx is final.
func (c *GPUStackClient) Authenticate(ctx context.Context, username, password string) (*ExternalUser, error) {
	if !c.Enabled() {
		return nil, ErrProviderDisabled
	}
	payload, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	user, err := backoff.Retry(ctx, func() (*ExternalUser, error) {
		return c.attempt(ctx, payload)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "gpustack login attempt failed, retrying", "error", err, "retry_in", next)
		}),
	)
	elapsed := time.Since(started)
	switch {
	case err == nil:
		observability.RecordProviderRequest(ctx, "success", elapsed)
		return user, nil
	case errors.Is(err, ErrProviderRejected):
		observability.RecordProviderRequest(ctx, "rejected", elapsed)
		return nil, err
	default:
		observability.RecordProviderRequest(ctx, "unavailable", elapsed)
		c.logger.WarnContext(ctx, "gpustack unavailable", "error", err)
		if errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}

func (c *GPUStackClient) attempt(ctx context.Context, payload []byte) (*ExternalUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(ErrProviderRejected)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		// Other 4xx answers say nothing about the credentials: a wrong login
		// path or throttling is a provider problem. Retrying will not help.
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("%w: unexpected status %d", ErrProviderUnavailable, resp.StatusCode))
	}

	var user ExternalUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err))
	}
	if user.ID == 0 || strings.TrimSpace(user.Username) == "" {
		return nil, backoff.Permanent(fmt.Errorf("%w: incomplete user profile", ErrProviderUnavailable))
	}
	return &user, nil
}
