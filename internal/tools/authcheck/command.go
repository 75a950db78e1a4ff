package authcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpustack-ui/chat-auth-service/internal/tools/common"
	"github.com/gpustack-ui/chat-auth-service/internal/tools/loadgen"
	"github.com/gpustack-ui/chat-auth-service/internal/tools/ui"
)

type options struct {
	baseURL  string
	username string
	password string
	envFile  string
	ci       bool
	timeout  time.Duration
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "authcheck",
		Short: "Smoke test the login, refresh and logout flow of a running service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			if opts.password == "" {
				opts.password = os.Getenv("AUTHCHECK_PASSWORD")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().StringVar(&opts.username, "username", "admin", "account used for the check")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "account password (default $AUTHCHECK_PASSWORD)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before running")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per request timeout")
	cmd.AddCommand(newFlowCommand(opts), newLoadCommand(opts))
	return cmd
}

func newFlowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flow",
		Short: "Log in, rotate the refresh token, log out and verify revocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(opts, "authcheck flow", func(ctx context.Context) ([]string, error) {
				return runFlow(ctx, newClient(opts), opts.username, opts.password)
			})
		},
	}
}

func newLoadCommand(opts *options) *cobra.Command {
	cfg := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Generate authenticated traffic and report status classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.BaseURL, cfg.Username, cfg.Password = opts.baseURL, opts.username, opts.password
			return report(opts, "authcheck load", func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, cfg)
				details := []string{
					fmt.Sprintf("traffic generated total=%d failures=%d", res.TotalRequests, res.Failures),
					fmt.Sprintf("latency p50=%s p95=%s", res.P50, res.P95),
				}
				for class, n := range res.StatusClasses {
					details = append(details, fmt.Sprintf("status %s=%d", class, n))
				}
				if err == nil && res.Failures > 0 {
					err = fmt.Errorf("%d of %d requests failed", res.Failures, res.TotalRequests)
				}
				return details, err
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Profile, "profile", "mixed", "traffic profile: mixed, auth, api or health")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to generate traffic")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 20, "requests per second")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "concurrent workers")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 42, "seed for the mixed profile")
	return cmd
}

func report(opts *options, title string, fn func(context.Context) ([]string, error)) error {
	details, err := run(opts, title, fn)
	if opts.ci {
		common.PrintCIResult(err == nil, title, details, err)
	}
	if err != nil {
		os.Exit(4)
	}
	return nil
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(opts *options) *client {
	return &client{baseURL: strings.TrimRight(opts.baseURL, "/"), http: &http.Client{Timeout: opts.timeout}}
}

type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// runFlow walks the session lifecycle end to end and stops at the first
// step that does not behave.
func runFlow(ctx context.Context, c *client, username, password string) ([]string, error) {
	var details []string
	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		details = append(details, name+": ok")
		return nil
	}

	var first, second tokens
	steps := []struct {
		name string
		fn   func() error
	}{
		{"readiness", func() error { return c.expect(ctx, http.MethodGet, "/health/ready", "", nil, http.StatusOK, nil) }},
		{"login", func() error {
			body := map[string]string{"username": username, "password": password}
			if err := c.expect(ctx, http.MethodPost, "/api/v1/auth/login", "", body, http.StatusOK, &first); err != nil {
				return err
			}
			if first.AccessToken == "" || first.RefreshToken == "" {
				return fmt.Errorf("login response is missing tokens")
			}
			return nil
		}},
		{"current user", func() error {
			return c.expect(ctx, http.MethodGet, "/api/v1/me", first.AccessToken, nil, http.StatusOK, nil)
		}},
		{"refresh", func() error {
			body := map[string]string{"refresh_token": first.RefreshToken}
			return c.expect(ctx, http.MethodPost, "/api/v1/auth/refresh", "", body, http.StatusOK, &second)
		}},
		{"refresh reuse rejected", func() error {
			if second.RefreshToken == first.RefreshToken {
				return nil
			}
			body := map[string]string{"refresh_token": first.RefreshToken}
			return c.expect(ctx, http.MethodPost, "/api/v1/auth/refresh", "", body, http.StatusUnauthorized, nil)
		}},
		{"logout", func() error {
			body := map[string]string{"refresh_token": second.RefreshToken}
			return c.expect(ctx, http.MethodPost, "/api/v1/auth/logout", second.AccessToken, body, http.StatusOK, nil)
		}},
		{"revoked token rejected", func() error {
			return c.expect(ctx, http.MethodGet, "/api/v1/me", second.AccessToken, nil, http.StatusUnauthorized, nil)
		}},
	}
	for _, s := range steps {
		if err := step(s.name, s.fn); err != nil {
			return details, err
		}
	}
	return details, nil
}

func (c *client) expect(ctx context.Context, method, path, bearer string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s returned %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out == nil {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return json.Unmarshal(env.Data, out)
}
