package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

// ProbeRunner runs every checker concurrently under one timeout and caches the
// aggregate briefly so readiness polling does not hammer dependencies.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker
	now      func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers, now: time.Now}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	if p.cacheTTL > 0 {
		p.mu.Lock()
		if !p.cachedAt.IsZero() && p.now().Sub(p.cachedAt) < p.cacheTTL {
			ready, results := p.ready, append([]CheckResult(nil), p.results...)
			p.mu.Unlock()
			return ready, results
		}
		p.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	results := make([]CheckResult, len(p.checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range p.checkers {
		g.Go(func() error {
			results[i] = c.Check(gctx)
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, r := range results {
		if !r.Healthy {
			ready = false
		}
	}
	if p.cacheTTL > 0 {
		p.mu.Lock()
		p.cachedAt, p.ready, p.results = p.now(), ready, append([]CheckResult(nil), results...)
		p.mu.Unlock()
	}
	return ready, results
}

type DBChecker struct{ db *gorm.DB }

func NewDBChecker(db *gorm.DB) DBChecker { return DBChecker{db: db} }

func (c DBChecker) Check(ctx context.Context) CheckResult {
	return timed("db", func() error {
		sqlDB, err := c.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
}

type RedisChecker struct{ client redis.UniversalClient }

func NewRedisChecker(client redis.UniversalClient) RedisChecker {
	return RedisChecker{client: client}
}

func (c RedisChecker) Check(ctx context.Context) CheckResult {
	return timed("redis", func() error {
		return c.client.Ping(ctx).Err()
	})
}

func timed(name string, fn func() error) CheckResult {
	start := time.Now()
	err := fn()
	res := CheckResult{Name: name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
