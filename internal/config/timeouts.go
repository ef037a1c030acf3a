// Package config provides centralized timeout constants for the application.
//
// LINE webhook timing:
//   - LINE expects a quick 200 OK; events are processed after the response.
//   - Reply tokens are single-use and expire shortly after the event, so slow
//     image work always answers through push messages.
//   - The loading animation runs for 5-60 seconds and stops on the next message.
package config

import "time"

// Webhook timeouts
const (
	// WebhookProcessing bounds the synchronous part of one event (routing,
	// session I/O, ack reply). Image API calls never run inside it.
	WebhookProcessing = 30 * time.Second

	// WebhookHTTPRead is the HTTP server read timeout for webhook requests.
	WebhookHTTPRead = 10 * time.Second

	// WebhookHTTPWrite is the HTTP server write timeout.
	WebhookHTTPWrite = 15 * time.Second

	// WebhookHTTPIdle is the HTTP server idle timeout for keep-alive connections.
	WebhookHTTPIdle = 120 * time.Second
)

// Image job timeouts
const (
	// ImageJob bounds one background image job including upload and push.
	ImageJob = 3 * time.Minute

	// ReplicatePollInterval is the delay between prediction status polls.
	ReplicatePollInterval = 2 * time.Second

	// ImageDownload bounds fetching the uploaded image from LINE.
	ImageDownload = 20 * time.Second

	// ColorizeLoadingSeconds and EditLoadingSeconds are the loading animation
	// lengths shown while a job runs.
	ColorizeLoadingSeconds = 30
	EditLoadingSeconds     = 45
)

// Database timeouts
const (
	// DatabaseBusyTimeout is SQLite busy_timeout pragma value.
	DatabaseBusyTimeout = 10 * time.Second

	// DatabaseConnMaxLifetime is the maximum lifetime of database connections.
	DatabaseConnMaxLifetime = time.Hour
)

// Background job intervals
const (
	// StateCleanupSchedule is the default cron spec for the stale session sweep.
	StateCleanupSchedule = "@every 1h"

	// StateTTL is how long an untouched session survives the sweep.
	StateTTL = 24 * time.Hour

	// RateLimiterCleanupInterval is how often idle per-user limiters are dropped.
	RateLimiterCleanupInterval = 5 * time.Minute

	// ReadinessCheckTimeout bounds the /readyz dependency checks.
	ReadinessCheckTimeout = 3 * time.Second

	// StateSweepTimeout bounds one stale session sweep.
	StateSweepTimeout = 5 * time.Minute

	// BackupTimeout bounds one snapshot + upload.
	BackupTimeout = 30 * time.Minute
)

// Graceful shutdown
const (
	// GracefulShutdown is the default timeout for graceful server shutdown.
	// It also bounds how long in-flight image jobs may keep running.
	GracefulShutdown = 60 * time.Second
)
