package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
	Username    string
	Password    string
}

type Result struct {
	TotalRequests int
	Failures      int
	StatusClasses map[string]int
	Operations    map[string]int
	P50           time.Duration
	P95           time.Duration
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type runner struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	res       Result
	latencies []time.Duration
}

// Run drives traffic at cfg.RPS for cfg.Duration. The auth profile exercises
// login and refresh, api reads /api/v1/me, health probes readiness and mixed
// picks among all three with a seeded source.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cfg.Profile = normalizeProfile(cfg.Profile)
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	switch cfg.Profile {
	case "mixed", "auth", "api", "health":
	default:
		return Result{}, fmt.Errorf("unknown load profile %q", cfg.Profile)
	}

	r := &runner{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		res:    Result{StatusClasses: map[string]int{}, Operations: map[string]int{}},
	}

	var session tokenPair
	if cfg.Profile != "health" {
		tp, err := r.login(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("initial login: %w", err)
		}
		session = tp
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	jobs := make(chan string)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			for op := range jobs {
				r.do(gctx, op, session)
			}
			return nil
		})
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) // #nosec G404 -- load shape only.
	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			select {
			case jobs <- pickOperation(cfg.Profile, rng):
			case <-runCtx.Done():
				break loop
			}
		}
	}
	close(jobs)
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.P50, r.res.P95 = percentile(r.latencies, 0.50), percentile(r.latencies, 0.95)
	if errors.Is(ctx.Err(), context.Canceled) {
		return r.res, ctx.Err()
	}
	return r.res, nil
}

func pickOperation(profile string, rng *rand.Rand) string {
	switch profile {
	case "auth":
		if rng.Intn(4) == 0 {
			return "login"
		}
		return "refresh"
	case "api":
		return "me"
	case "health":
		return "ready"
	}
	switch n := rng.Intn(10); {
	case n < 5:
		return "me"
	case n < 7:
		return "ready"
	case n < 9:
		return "refresh"
	default:
		return "login"
	}
}

func (r *runner) do(ctx context.Context, op string, session tokenPair) {
	var (
		status int
		err    error
	)
	start := time.Now()
	switch op {
	case "login":
		status, err = r.post(ctx, "/api/v1/auth/login", map[string]string{"username": r.cfg.Username, "password": r.cfg.Password}, nil)
	case "refresh":
		// Each refresh logs in first so rotation never races between workers.
		var tp tokenPair
		if tp, err = r.login(ctx); err == nil {
			status, err = r.post(ctx, "/api/v1/auth/refresh", map[string]string{"refresh_token": tp.RefreshToken}, nil)
		}
	case "me":
		status, err = r.get(ctx, "/api/v1/me", session.AccessToken)
	case "ready":
		status, err = r.get(ctx, "/health/ready", "")
	}
	elapsed := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TotalRequests++
	r.res.Operations[op]++
	r.latencies = append(r.latencies, elapsed)
	if err != nil {
		r.res.Failures++
		r.res.StatusClasses["error"]++
		return
	}
	class := classifyStatusClass(status)
	r.res.StatusClasses[class]++
	if class != "2xx" {
		r.res.Failures++
	}
}

func (r *runner) login(ctx context.Context) (tokenPair, error) {
	var out tokenPair
	status, err := r.post(ctx, "/api/v1/auth/login", map[string]string{"username": r.cfg.Username, "password": r.cfg.Password}, &out)
	if err != nil {
		return tokenPair{}, err
	}
	if status != http.StatusOK {
		return tokenPair{}, fmt.Errorf("login returned status %d", status)
	}
	return out, nil
}

func (r *runner) post(ctx context.Context, path string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.send(req, out)
}

func (r *runner) get(ctx context.Context, path, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return r.send(req, nil)
}

func (r *runner) send(req *http.Request, out any) (int, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode data: %w", err)
	}
	return resp.StatusCode, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	if p == "" {
		return "mixed"
	}
	return p
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
