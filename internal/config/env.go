// Package config defines environment variable keys for configuration.
package config

//nolint:gosec,revive // Environment variable keys are not credentials and do not need per-const comments.
const (
	// Core (required in server mode)
	EnvLineChannelAccessToken = "LINE_CHANNEL_ACCESS_TOKEN"
	EnvLineChannelSecret      = "LINE_CHANNEL_SECRET"

	// Server
	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
	EnvServerName      = "SERVER_NAME"
	EnvSandboxMode     = "SANDBOX_MODE"

	// Data
	EnvDataDir     = "DATA_DIR"
	EnvDatabaseURL = "DATABASE_URL"

	// Session state
	EnvStateBackend         = "STATE_BACKEND"
	EnvStateTTL             = "STATE_TTL"
	EnvStateCleanupSchedule = "STATE_CLEANUP_SCHEDULE"
	EnvRedisAddr            = "REDIS_ADDR"
	EnvRedisPassword        = "REDIS_PASSWORD"
	EnvRedisDB              = "REDIS_DB"

	// Webhook
	EnvWebhookTimeout = "WEBHOOK_TIMEOUT"

	// Rate limits
	EnvUserRateLimitRPS   = "USER_RATE_LIMIT_RPS"
	EnvUserRateLimitBurst = "USER_RATE_LIMIT_BURST"

	// Image processing
	EnvImageProvider         = "IMAGE_PROVIDER"
	EnvReplicateAPIToken     = "REPLICATE_API_TOKEN"
	EnvReplicateBaseURL      = "REPLICATE_BASE_URL"
	EnvReplicatePollInterval = "REPLICATE_POLL_INTERVAL"
	EnvGeminiAPIKey          = "GEMINI_API_KEY"
	EnvGeminiImageModel      = "GEMINI_IMAGE_MODEL"
	EnvImageJobTimeout       = "IMAGE_JOB_TIMEOUT"
	EnvImageJobConcurrency   = "IMAGE_JOB_CONCURRENCY"

	// Points
	EnvColorizeCostPoints = "COLORIZE_COST_POINTS"
	EnvEditCostPoints     = "EDIT_COST_POINTS"
	EnvSignupBonusPoints  = "SIGNUP_BONUS_POINTS"

	// R2 object storage (generated images, backups)
	EnvR2AccountID       = "R2_ACCOUNT_ID"
	EnvR2AccessKeyID     = "R2_ACCESS_KEY_ID"
	EnvR2SecretAccessKey = "R2_SECRET_ACCESS_KEY"
	EnvR2BucketName      = "R2_BUCKET_NAME"
	EnvR2PublicBaseURL   = "R2_PUBLIC_BASE_URL"
	EnvBackupSchedule    = "BACKUP_SCHEDULE"

	// Metrics
	EnvMetricsUsername = "METRICS_USERNAME"
	EnvMetricsPassword = "METRICS_PASSWORD"

	// Observability
	EnvBetterStackToken    = "BETTERSTACK_SOURCE_TOKEN"
	EnvBetterStackEndpoint = "BETTERSTACK_ENDPOINT"
	EnvSentryDSNToken      = "SENTRY_TOKEN"
	EnvSentryHost          = "SENTRY_HOST"
	EnvSentryEnvironment   = "SENTRY_ENVIRONMENT"
	EnvSentrySampleRate    = "SENTRY_SAMPLE_RATE"
)
