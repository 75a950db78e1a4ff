package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
)

const janitorRunTimeout = time.Minute

// SessionJanitor purges expired session rows on a cron schedule. Purging is
// housekeeping only: verification checks expiry on its own.
type SessionJanitor struct {
	sessions repository.SessionRepository
	schedule cron.Schedule
	expr     string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	runner  *cron.Cron
	running bool
}

func NewSessionJanitor(sessions repository.SessionRepository, expr string, logger *slog.Logger) (*SessionJanitor, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse session cleanup schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionJanitor{
		sessions: sessions,
		schedule: schedule,
		expr:     expr,
		logger:   logger.With("component", "session_janitor"),
		now:      time.Now,
	}, nil
}

// RunOnce deletes every session whose expiry lies strictly in the past.
// trigger labels the run in logs and metrics (startup, schedule, manual).
func (j *SessionJanitor) RunOnce(ctx context.Context, trigger string) (int64, error) {
	ctx, span := observability.Tracer().Start(ctx, "session.cleanup")
	defer span.End()

	deleted, err := j.sessions.DeleteExpired(ctx, j.now())
	if err != nil {
		endSpan(span, err)
		j.logger.ErrorContext(ctx, "session cleanup failed", "trigger", trigger, "error", err)
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	observability.RecordSessionCleanup(ctx, trigger, deleted)
	if deleted > 0 || trigger != "schedule" {
		j.logger.InfoContext(ctx, "session cleanup finished", "trigger", trigger, "deleted", deleted)
	}
	return deleted, nil
}

// Start runs one purge immediately and then schedules the recurring job.
// Overlapping runs are skipped rather than queued.
func (j *SessionJanitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if _, err := j.RunOnce(ctx, "startup"); err != nil {
		j.logger.WarnContext(ctx, "startup session cleanup failed; continuing with schedule", "error", err)
	}

	log := cronLogger{logger: j.logger}
	j.runner = cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	j.runner.Schedule(j.schedule, cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), janitorRunTimeout)
		defer cancel()
		_, _ = j.RunOnce(runCtx, "schedule")
	}))
	j.runner.Start()
	j.running = true
	j.logger.InfoContext(ctx, "session janitor started", "schedule", j.expr)
	return nil
}

// Stop halts the schedule and waits for an in-flight run until ctx expires.
func (j *SessionJanitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	done := j.runner.Stop()
	j.running = false
	j.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop session janitor: %w", ctx.Err())
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
