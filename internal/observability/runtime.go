package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gpustack-ui/chat-auth-service/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Runtime owns the OpenTelemetry pipelines for the life of the process.
type Runtime struct {
	Meters  *sdkmetric.MeterProvider
	Tracers *sdktrace.TracerProvider
	Logs    *sdklog.LoggerProvider
}

// InitRuntime starts metrics and tracing. logs is the pipeline created for the
// logger before config was fully applied; the runtime takes ownership of it.
func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, logs *sdklog.LoggerProvider) (*Runtime, error) {
	rt := &Runtime{Logs: logs}
	var err error
	if rt.Meters, err = InitMetrics(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if rt.Tracers, err = InitTracing(ctx, cfg, logger); err != nil {
		_ = rt.Shutdown(ctx)
		return nil, err
	}
	return rt, nil
}

// Shutdown flushes every pipeline, metrics first and logs last so the final
// log lines about shutdown still get exported.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	type stopper interface{ Shutdown(context.Context) error }
	steps := []struct {
		name string
		s    stopper
		set  bool
	}{
		{"metrics", r.Meters, r.Meters != nil},
		{"traces", r.Tracers, r.Tracers != nil},
		{"logs", r.Logs, r.Logs != nil},
	}
	var errs []error
	for _, st := range steps {
		if !st.set {
			continue
		}
		if err := st.s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", st.name, err))
		}
	}
	return errors.Join(errs...)
}
