package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// loadStage names the step of Load that produced an error.
type loadStage string

const (
	stageFile       loadStage = "file"
	stageEnv        loadStage = "env"
	stageValidation loadStage = "validation"
)

type loadError struct {
	stage loadStage
	err   error
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

func atStage(stage loadStage, err error) error {
	if err == nil {
		return nil
	}
	return &loadError{stage: stage, err: err}
}

var (
	loadMetricsOnce sync.Once
	loadCounter     metric.Int64Counter
)

func recordConfigLoad(ctx context.Context, env string, err error) {
	loadMetricsOnce.Do(func() {
		c, cerr := otel.Meter("chat-auth-service/config").Int64Counter(
			"config.load.total",
			metric.WithDescription("Configuration load attempts by outcome"),
		)
		if cerr == nil {
			loadCounter = c
		}
	})
	if loadCounter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("env", envLabel(env)),
		attribute.String("outcome", outcome),
		attribute.String("stage", string(failedStage(err))),
	))
}

// failedStage returns "none" for a nil error and "unknown" for errors that
// did not come out of Load.
func failedStage(err error) loadStage {
	if err == nil {
		return "none"
	}
	var le *loadError
	if errors.As(err, &le) {
		return le.stage
	}
	return "unknown"
}

func envLabel(env string) string {
	if v := strings.ToLower(strings.TrimSpace(env)); v != "" {
		return v
	}
	return "unset"
}
