// Package sentry wires error tracking to Better Stack through the Sentry SDK.
// Captured events are tagged with the user, feature and job found in the
// context.
package sentry

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/getsentry/sentry-go"
)

// Config holds Sentry configuration for Better Stack integration.
type Config struct {
	// Token is the Better Stack Errors application token.
	Token string
	// Host is the Better Stack Errors ingesting host (e.g. "errors.betterstack.com").
	Host        string
	Environment string
	Release     string
	// SampleRate controls error sampling (0.0-1.0, default 1.0).
	SampleRate float64
	Debug      bool
}

// DSN returns https://$TOKEN@$HOST/1. Better Stack ignores the project ID.
func (c Config) DSN() string {
	return fmt.Sprintf("https://%s@%s/1", c.Token, c.Host)
}

// Initialize sets up the SDK. An empty Token disables error tracking.
func Initialize(cfg Config) error {
	if cfg.Token == "" {
		return nil
	}
	if cfg.Host == "" {
		return fmt.Errorf("sentry host is required when token is provided")
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN(),
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       sampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	})
}

// Flush waits for buffered events. Returns true if all were sent in time,
// and always true when no client is configured.
func Flush(timeout time.Duration) bool {
	if !IsEnabled() {
		return true
	}
	return sentry.Flush(timeout)
}

// IsEnabled reports whether a client is configured.
func IsEnabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// CaptureError reports err with tags taken from ctx. No-op when disabled.
func CaptureError(ctx context.Context, err error) {
	if err == nil || !IsEnabled() {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		applyTags(ctx, scope)
		hub.CaptureException(err)
	})
}

// PanicError converts a recovered panic value into an error carrying the
// stack, and reports it.
func PanicError(ctx context.Context, recovered any) error {
	err := fmt.Errorf("panic: %v\n%s", recovered, debug.Stack())
	if IsEnabled() {
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.WithScope(func(scope *sentry.Scope) {
			applyTags(ctx, scope)
			scope.SetLevel(sentry.LevelFatal)
			hub.Recover(recovered)
		})
	}
	return err
}

func applyTags(ctx context.Context, scope *sentry.Scope) {
	if userID := ctxutil.GetUserID(ctx); userID != "" {
		scope.SetUser(sentry.User{ID: userID})
	}
	if feature := ctxutil.GetFeature(ctx); feature != "" {
		scope.SetTag("feature", feature)
	}
	if jobID := ctxutil.GetJobID(ctx); jobID != "" {
		scope.SetTag("job_id", jobID)
	}
	if requestID, ok := ctxutil.GetRequestID(ctx); ok {
		scope.SetTag("request_id", requestID)
	}
}
