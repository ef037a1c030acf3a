// Package jobs runs slow image work off the webhook path.
//
// A job is submitted after the handler has sent its acknowledgment reply. It
// runs on a detached context, pushes its result (or a translated error) to the
// chat it came from, and always clears the user's session afterwards. Jobs are
// never retried and cannot be cancelled once started.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"golang.org/x/sync/semaphore"
)

// Job outcomes used as metric labels.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomePushFailed = "push_failed"
	OutcomeEchoed     = "echoed"
	OutcomeRejected   = "rejected"
)

const (
	// DefaultErrorText is pushed when a job fails and has no OnError translator.
	DefaultErrorText = "處理圖片時發生錯誤，請稍後再試。"

	// ShuttingDownText is pushed for jobs submitted after Shutdown.
	ShuttingDownText = "系統正在重新啟動，這次的處理沒有開始，點數已退還，請稍後再試一次。"

	cleanupTimeout = 10 * time.Second
	pushTimeout    = 15 * time.Second
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("job runner is shutting down")

// Job is one unit of background work for a user.
type Job struct {
	// UserID owns the session cleared when the job ends.
	UserID string
	// Target receives the result push.
	Target gateway.Target
	// Feature labels logs and metrics.
	Feature string
	// Run performs the slow call and returns the messages to push.
	Run func(ctx context.Context) ([]messaging_api.MessageInterface, error)
	// OnError turns a failure into the text pushed to the user.
	OnError func(err error) string
	// Refund is called once when Run fails or the job never starts.
	Refund func(ctx context.Context)
}

// Config configures a Runner.
type Config struct {
	Store       session.Store
	Gateway     gateway.Gateway
	Timeout     time.Duration
	Concurrency int64
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	// OnEcho, when set, receives echoes returned by result pushes.
	OnEcho func(*gateway.Echo)
}

// Runner executes jobs in goroutines bounded by a semaphore.
type Runner struct {
	store   session.Store
	gateway gateway.Gateway
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *logger.Logger
	metrics *metrics.Metrics
	onEcho  func(*gateway.Echo)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Runner. Zero Timeout and Concurrency fall back to 3 minutes
// and 8 concurrent jobs.
func New(cfg Config) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("info")
	}
	return &Runner{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		timeout: timeout,
		sem:     semaphore.NewWeighted(concurrency),
		logger:  log.WithModule("jobs"),
		metrics: cfg.Metrics,
		onEcho:  cfg.OnEcho,
	}
}

// Submit starts job in the background and returns its ID.
//
// After Shutdown the job is not started: its session is cleared, Refund is
// called, the user is told to try again and ErrShutdown is returned.
func (r *Runner) Submit(ctx context.Context, job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("job has no run function")
	}

	id := uuid.NewString()
	jobCtx := ctxutil.PreserveTracing(ctx)
	jobCtx = ctxutil.WithJobID(jobCtx, id)
	if job.Feature != "" {
		jobCtx = ctxutil.WithFeature(jobCtx, job.Feature)
	}
	if job.UserID != "" {
		jobCtx = ctxutil.WithUserID(jobCtx, job.UserID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.reject(jobCtx, job)
		return "", ErrShutdown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.JobStarted()
	go r.run(jobCtx, job)
	return id, nil
}

// Shutdown stops accepting jobs and waits for running ones until ctx ends.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for image jobs: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	start := time.Now()
	outcome := OutcomeSuccess
	log := r.logger.With("feature", job.Feature, "job_id", ctxutil.GetJobID(ctx))

	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeError
			log.ErrorContext(ctx, "Image job delivery panicked", "error", sentry.PanicError(ctx, rec))
		}
	}()
	defer func() {
		r.metrics.RecordJob(job.Feature, outcome, time.Since(start).Seconds())
	}()
	// Registered last so it runs first, after the push attempt.
	defer r.release(ctx, job.UserID)

	msgs, err := r.execute(ctx, job)
	if err != nil {
		outcome = OutcomeError
		log.WarnContext(ctx, "Image job failed", "error", err, "duration", time.Since(start))
		if !errors.Is(err, context.Canceled) {
			sentry.CaptureError(ctx, err)
		}
		if job.Refund != nil {
			job.Refund(ctx)
		}
		msgs = []messaging_api.MessageInterface{lineutil.NewTextMessage(errorText(job, err))}
	}

	if pushed := r.deliver(ctx, job, msgs); pushed == OutcomePushFailed || (pushed != "" && outcome == OutcomeSuccess) {
		outcome = pushed
	}
	log.InfoContext(ctx, "Image job finished", "outcome", outcome, "duration", time.Since(start))
}

// execute runs job.Run under the job timeout and concurrency limit. A panic in
// Run is returned as an error.
func (r *Runner) execute(ctx context.Context, job Job) (msgs []messaging_api.MessageInterface, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for job slot: %w", err)
	}
	defer r.sem.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			msgs, err = nil, sentry.PanicError(ctx, rec)
		}
	}()
	return job.Run(ctx)
}

// deliver pushes msgs and returns a non-empty outcome when they were not
// delivered live.
func (r *Runner) deliver(ctx context.Context, job Job, msgs []messaging_api.MessageInterface) string {
	if len(msgs) == 0 {
		return ""
	}
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	echo, err := r.gateway.Push(pushCtx, job.Target, msgs...)
	if err != nil {
		r.logger.WithError(err).ErrorContext(ctx, "Failed to push image job result", "feature", job.Feature)
		sentry.CaptureError(ctx, err)
		return OutcomePushFailed
	}
	if echo != nil {
		r.logger.DebugContext(ctx, "Image job result echoed", "reason", echo.Reason)
		if r.onEcho != nil {
			r.onEcho(echo)
		}
		return OutcomeEchoed
	}
	return ""
}

// release clears the user's session. It is the only place a processing
// session ends, and it never writes a new one.
func (r *Runner) release(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	clearCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := r.store.Clear(clearCtx, userID); err != nil {
		r.logger.WithError(err).ErrorContext(ctx, "Failed to clear session after image job")
		sentry.CaptureError(ctx, err)
	}
}

// reject undoes the handler's side effects for a job that will never run.
func (r *Runner) reject(ctx context.Context, job Job) {
	r.logger.WarnContext(ctx, "Image job rejected during shutdown", "feature", job.Feature)
	r.metrics.JobStarted()
	r.metrics.RecordJob(job.Feature, OutcomeRejected, 0)
	if job.Refund != nil {
		job.Refund(ctx)
	}
	r.deliver(ctx, job, []messaging_api.MessageInterface{lineutil.NewTextMessage(ShuttingDownText)})
	r.release(ctx, job.UserID)
}

func errorText(job Job, err error) string {
	if job.OnError != nil {
		if text := job.OnError(err); text != "" {
			return text
		}
	}
	return DefaultErrorText
}
