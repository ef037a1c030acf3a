// Package janitor runs periodic maintenance on a cron schedule: the stale
// session sweep and, when configured, database backups.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/robfig/cron/v3"
)

// Sweeper removes sessions that have not been touched for longer than age.
// storage.SessionStore and session.RedisStore implement it.
type Sweeper interface {
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Task is one scheduled unit of work.
type Task func(ctx context.Context) error

// Scheduler owns a cron instance. Tasks never overlap with themselves and a
// panicking task is logged instead of killing the process.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logger.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler that evaluates specs in loc (UTC when nil).
func New(loc *time.Location, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.New("info")
	}
	log = log.WithModule("janitor")
	cl := cronLogger{log}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers task under name. Each run gets its own timeout derived
// from the scheduler context, which is cancelled by Stop.
func (s *Scheduler) Schedule(name, spec string, timeout time.Duration, task Task) error {
	if task == nil {
		return errors.New("janitor: nil task")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("janitor: %s schedule %q: %w", name, spec, err)
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.run(name, timeout, task)
	})
	if err != nil {
		return fmt.Errorf("janitor: add %s: %w", name, err)
	}
	s.logger.WithField("task", name).WithField("schedule", spec).Info("Task scheduled")
	return nil
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := task(ctx)
	log := s.logger.WithField("task", name).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		log.WithError(err).Error("Task failed")
		sentry.CaptureError(ctx, fmt.Errorf("%s: %w", name, err))
		return
	}
	log.Debug("Task finished")
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running tasks and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepSessions returns a Task deleting sessions idle for longer than ttl.
func SweepSessions(store Sweeper, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) Task {
	return func(ctx context.Context) error {
		n, err := store.CleanupOlderThan(ctx, ttl)
		if err != nil {
			return fmt.Errorf("sweep sessions: %w", err)
		}
		m.RecordSessionsSwept(n)
		if n > 0 && log != nil {
			log.WithField("removed", n).WithField("ttl", ttl.String()).Info("Stale sessions removed")
		}
		return nil
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).Error(msg, keysAndValues...)
}
