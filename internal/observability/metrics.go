package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/gpustack-ui/chat-auth-service"

type instruments struct {
	logins          metric.Int64Counter
	refreshes       metric.Int64Counter
	logouts         metric.Int64Counter
	validations     metric.Int64Counter
	revocations     metric.Int64Counter
	purged          metric.Int64Counter
	cacheEvents     metric.Int64Counter
	providerCalls   metric.Int64Counter
	providerLatency metric.Float64Histogram
	repoOps         metric.Int64Counter
	limiter         metric.Int64Counter
	retryAfter      metric.Float64Histogram
	audits          metric.Int64Counter
}

// active is nil until InitMetrics runs; every Record function is a no-op
// until then.
var active atomic.Pointer[instruments]

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

// InitMetrics installs the global meter provider. With export disabled the
// provider has no reader, so instruments work but nothing leaves the process.
func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	var opts []sdkmetric.Option
	if cfg.OTELMetricsEnabled {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
		if cfg.OTELExporterOTLPInsecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create metric resource: %w", err)
		}
		opts = append(opts,
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))),
		)
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	inst, err := newInstruments(mp.Meter(instrumentationName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("register instruments: %w", err)
	}
	active.Store(inst)

	if cfg.OTELMetricsEnabled {
		logger.Info("otel metrics exporting", "endpoint", cfg.OTELExporterOTLPEndpoint, "interval", cfg.OTELMetricsExportInterval)
	} else {
		logger.Info("otel metrics export disabled")
	}
	return mp, nil
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	inst := &instruments{}
	counters := map[string]struct {
		dst  *metric.Int64Counter
		desc string
	}{
		"auth.login.attempts":          {&inst.logins, "Login attempts by credential source and outcome"},
		"auth.refresh.attempts":        {&inst.refreshes, "Refresh attempts by outcome"},
		"auth.logout.attempts":         {&inst.logouts, "Logout calls by outcome"},
		"auth.token.validations":       {&inst.validations, "Access token validations by outcome and reason"},
		"auth.session.revocations":     {&inst.revocations, "Session rows removed by revocation reason"},
		"auth.session.cleanup.deleted": {&inst.purged, "Expired session rows purged"},
		"auth.session.cache.events":    {&inst.cacheEvents, "Session cache hits, misses and errors"},
		"identity.provider.requests":   {&inst.providerCalls, "Identity provider requests by outcome"},
		"repository.operations":        {&inst.repoOps, "Repository operations by outcome"},
		"http.rate_limit.decisions":    {&inst.limiter, "Rate limiter decisions"},
		"audit.events":                 {&inst.audits, "Audit log events by name"},
	}
	for name, c := range counters {
		ctr, err := meter.Int64Counter(name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*c.dst = ctr
	}

	var err error
	if inst.providerLatency, err = meter.Float64Histogram("identity.provider.request.duration",
		metric.WithUnit("s"), metric.WithDescription("Identity provider round trip latency")); err != nil {
		return nil, err
	}
	if inst.retryAfter, err = meter.Float64Histogram("http.rate_limit.retry_after",
		metric.WithUnit("s"), metric.WithDescription("Retry-After values handed to throttled clients")); err != nil {
		return nil, err
	}
	return inst, nil
}

func add(ctx context.Context, pick func(*instruments) metric.Int64Counter, n int64, kv ...attribute.KeyValue) {
	if inst := active.Load(); inst != nil {
		pick(inst).Add(ctx, n, metric.WithAttributes(kv...))
	}
}

func observe(ctx context.Context, pick func(*instruments) metric.Float64Histogram, v float64, kv ...attribute.KeyValue) {
	if inst := active.Load(); inst != nil {
		pick(inst).Record(ctx, v, metric.WithAttributes(kv...))
	}
}

func RecordAuthLogin(ctx context.Context, source, status string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.logins }, 1,
		attribute.String("source", source), attribute.String("status", status))
}

func RecordAuthRefresh(ctx context.Context, status string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.refreshes }, 1, attribute.String("status", status))
}

func RecordAuthLogout(ctx context.Context, status string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.logouts }, 1, attribute.String("status", status))
}

// RecordAccessTokenValidation counts authenticator outcomes. reason carries the
// precise failure kind that is never shown to clients.
func RecordAccessTokenValidation(ctx context.Context, outcome, reason string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.validations }, 1,
		attribute.String("outcome", outcome), attribute.String("reason", reason))
}

func RecordSessionRevocation(ctx context.Context, reason string, count int64) {
	if count <= 0 {
		return
	}
	add(ctx, func(i *instruments) metric.Int64Counter { return i.revocations }, count, attribute.String("reason", reason))
}

func RecordSessionCleanup(ctx context.Context, trigger string, deleted int64) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.purged }, deleted, attribute.String("trigger", trigger))
}

func RecordSessionCacheEvent(ctx context.Context, cache, event string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.cacheEvents }, 1,
		attribute.String("cache", cache), attribute.String("event", event))
}

func RecordProviderRequest(ctx context.Context, outcome string, elapsed time.Duration) {
	kv := attribute.String("outcome", outcome)
	add(ctx, func(i *instruments) metric.Int64Counter { return i.providerCalls }, 1, kv)
	observe(ctx, func(i *instruments) metric.Float64Histogram { return i.providerLatency }, elapsed.Seconds(), kv)
}

func RecordRepositoryOperation(ctx context.Context, repo, op, outcome string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.repoOps }, 1,
		attribute.String("repository", repo), attribute.String("operation", op), attribute.String("outcome", outcome))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome, mode, keyType string) {
	add(ctx, func(i *instruments) metric.Int64Counter { return i.limiter }, 1,
		attribute.String("scope", scope), attribute.String("outcome", outcome),
		attribute.String("mode", mode), attribute.String("key_type", keyType))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	observe(ctx, func(i *instruments) metric.Float64Histogram { return i.retryAfter }, retryAfter.Seconds(),
		attribute.String("scope", scope), attribute.String("reason", reason))
}
